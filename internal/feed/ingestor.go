// Package feed maintains the single logical push market-data session and
// translates inbound frames into cache writes.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateBackoff      State = "BACKOFF"
	StateDormant      State = "DORMANT"
)

// TickSink is where inbound ticks land. Satisfied by marketdata.Cache.
type TickSink interface {
	PutTick(symbol string, tick types.Tick)
}

// Conn is the subset of a websocket connection the ingestor drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a feed session. Production uses the gorilla dialer; tests
// substitute a fake.
type Dialer func(ctx context.Context, url string) (Conn, error)

// ErrSessionTaken is what the dial layer returns when the provider reports
// an existing session for the same user.
var ErrSessionTaken = errors.New("feed: user already connected")

// GorillaDialer dials the vendor websocket endpoint, mapping the provider's
// "user already connected" close reason onto ErrSessionTaken.
func GorillaDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already connected") {
			return nil, ErrSessionTaken
		}
		return nil, err
	}
	return conn, nil
}

// Config tunes the ingestor.
type Config struct {
	URL           string
	BackoffMin    time.Duration // default 1s
	BackoffMax    time.Duration // default 60s
	Heartbeat     time.Duration // force reconnect if no tick for this long
	TakeoverGrace time.Duration // wait after opening the takeover session
	MaxTakeovers  int           // consecutive failed takeovers before dormancy
	SkipAutoInit  bool          // start DISCONNECTED, connect only on command
	Subscribe     []string      // symbols to subscribe on connect
}

// Ingestor owns the feed session. One goroutine runs the lifecycle; commands
// arrive over channels so state transitions stay single-threaded.
type Ingestor struct {
	logger *zap.Logger
	cfg    Config
	sink   TickSink
	dial   Dialer

	state        atomic.Value // State
	lastTick     atomic.Int64 // unix nanos of last inbound tick
	takeoverRuns int

	connectCh chan struct{}
	forceCh   chan struct{}

	skipAutoInit atomic.Bool

	mu      sync.Mutex
	conn    Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewIngestor builds the ingestor. Defaults follow the deployment profile:
// 1s→60s backoff, 300s heartbeat, 15s takeover grace, 3 takeover strikes.
func NewIngestor(logger *zap.Logger, cfg Config, sink TickSink, dial Dialer) *Ingestor {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 300 * time.Second
	}
	if cfg.TakeoverGrace <= 0 {
		cfg.TakeoverGrace = 15 * time.Second
	}
	if cfg.MaxTakeovers <= 0 {
		cfg.MaxTakeovers = 3
	}
	if dial == nil {
		dial = GorillaDialer
	}

	ing := &Ingestor{
		logger:    logger.Named("feed"),
		cfg:       cfg,
		sink:      sink,
		dial:      dial,
		connectCh: make(chan struct{}, 1),
		forceCh:   make(chan struct{}, 1),
	}
	ing.state.Store(StateDisconnected)
	ing.skipAutoInit.Store(cfg.SkipAutoInit)
	return ing
}

// State returns the current lifecycle state.
func (ing *Ingestor) State() State {
	return ing.state.Load().(State)
}

// Connected reports whether the session is live.
func (ing *Ingestor) Connected() bool {
	return ing.State() == StateConnected
}

// LastTickAge returns the time since the last inbound tick; a large sentinel
// when nothing has arrived yet.
func (ing *Ingestor) LastTickAge() time.Duration {
	ns := ing.lastTick.Load()
	if ns == 0 {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(time.Unix(0, ns))
}

// SetSkipAutoInit flips the break-glass flag. When set, the ingestor stays
// DISCONNECTED until Connect is called explicitly.
func (ing *Ingestor) SetSkipAutoInit(v bool) {
	ing.skipAutoInit.Store(v)
}

// Connect requests a transition out of DISCONNECTED/DORMANT.
func (ing *Ingestor) Connect() {
	select {
	case ing.connectCh <- struct{}{}:
	default:
	}
}

// ForceReconnect drops the current session and runs the takeover path.
// This is the operator's lever during deploy overlap.
func (ing *Ingestor) ForceReconnect() {
	select {
	case ing.forceCh <- struct{}{}:
	default:
	}
}

// Start launches the lifecycle goroutine.
func (ing *Ingestor) Start(ctx context.Context) error {
	ing.mu.Lock()
	if ing.running {
		ing.mu.Unlock()
		return errors.New("feed: ingestor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	ing.running = true
	ing.cancel = cancel
	ing.done = make(chan struct{})
	ing.mu.Unlock()

	go ing.run(runCtx)
	ing.logger.Info("feed ingestor started",
		zap.Bool("skipAutoInit", ing.skipAutoInit.Load()),
		zap.Int("symbols", len(ing.cfg.Subscribe)))
	return nil
}

// Stop cancels the lifecycle and closes the session. Pending cache writes
// complete; they are non-blocking.
func (ing *Ingestor) Stop() {
	ing.mu.Lock()
	if !ing.running {
		ing.mu.Unlock()
		return
	}
	ing.running = false
	cancel := ing.cancel
	done := ing.done
	ing.mu.Unlock()

	cancel()
	<-done
	ing.logger.Info("feed ingestor stopped")
}

// run is the connection lifecycle state machine.
func (ing *Ingestor) run(ctx context.Context) {
	defer close(ing.done)
	defer ing.closeConn()

	if ing.skipAutoInit.Load() {
		ing.logger.Warn("skip_auto_init set, waiting for explicit connect")
		ing.state.Store(StateDisconnected)
		if !ing.awaitConnect(ctx) {
			return
		}
	}

	backoff := ing.cfg.BackoffMin
	for ctx.Err() == nil {
		ing.state.Store(StateConnecting)
		conn, err := ing.dial(ctx, ing.cfg.URL)

		if errors.Is(err, ErrSessionTaken) {
			if !ing.takeover(ctx) {
				ing.state.Store(StateDormant)
				ing.logger.Error("takeover budget exhausted, feed dormant until operator intervenes")
				if !ing.awaitConnect(ctx) {
					return
				}
				ing.takeoverRuns = 0
				backoff = ing.cfg.BackoffMin
			}
			continue
		}
		if err != nil {
			ing.state.Store(StateBackoff)
			ing.logger.Warn("feed dial failed", zap.Error(err), zap.Duration("backoff", backoff))
			if !ing.sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, ing.cfg.BackoffMax)
			continue
		}

		ing.setConn(conn)
		ing.takeoverRuns = 0
		backoff = ing.cfg.BackoffMin
		ing.state.Store(StateConnected)
		ing.logger.Info("feed connected")

		if err := ing.subscribe(conn); err != nil {
			ing.logger.Error("subscribe failed", zap.Error(err))
			ing.closeConn()
			continue
		}

		ing.readUntilBroken(ctx, conn)
		ing.closeConn()
		if ctx.Err() == nil {
			ing.state.Store(StateBackoff)
		}
	}
}

// takeover opens a short-lived secondary session that forces the stale one
// off, waits the grace period, and lets the caller redial. Returns false once
// the consecutive-takeover budget is spent.
func (ing *Ingestor) takeover(ctx context.Context) bool {
	ing.takeoverRuns++
	if ing.takeoverRuns > ing.cfg.MaxTakeovers {
		return false
	}
	ing.logger.Warn("session already connected, attempting graceful takeover",
		zap.Int("attempt", ing.takeoverRuns))

	if sec, err := ing.dial(ctx, ing.cfg.URL); err == nil {
		// The secondary session's only job is to evict the old one.
		_ = sec.Close()
	}
	return ing.sleep(ctx, ing.cfg.TakeoverGrace)
}

// awaitConnect blocks until an explicit connect command or cancellation.
// The caller stores the parked state first; DORMANT and DISCONNECTED
// both wait here and must stay distinguishable to the control surface.
func (ing *Ingestor) awaitConnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ing.connectCh:
		return true
	}
}

// readUntilBroken pumps frames into the sink until the connection drops, the
// heartbeat window expires with no ticks, or a forced reconnect arrives.
func (ing *Ingestor) readUntilBroken(ctx context.Context, conn Conn) {
	frames := make(chan []byte, 256)
	readErr := make(chan error, 1)

	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- payload:
			default:
				// Drop under backpressure; the next tick supersedes anyway.
			}
		}
	}()

	heartbeat := time.NewTicker(ing.cfg.Heartbeat / 4)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ing.forceCh:
			ing.logger.Warn("forced reconnect requested")
			ing.takeoverRuns = 0
			return
		case err := <-readErr:
			if ctx.Err() == nil {
				ing.logger.Warn("feed read failed", zap.Error(err))
			}
			return
		case payload := <-frames:
			ing.handleFrame(payload)
		case <-heartbeat.C:
			if ing.LastTickAge() > ing.cfg.Heartbeat {
				ing.logger.Warn("no ticks within heartbeat window, forcing reconnect",
					zap.Duration("age", ing.LastTickAge()))
				return
			}
		}
	}
}

func (ing *Ingestor) setConn(conn Conn) {
	ing.mu.Lock()
	ing.conn = conn
	ing.mu.Unlock()
}

func (ing *Ingestor) closeConn() {
	ing.mu.Lock()
	if ing.conn != nil {
		_ = ing.conn.Close()
		ing.conn = nil
	}
	ing.mu.Unlock()
}

// subscribe sends the subscription frame for the configured universe.
func (ing *Ingestor) subscribe(conn Conn) error {
	if len(ing.cfg.Subscribe) == 0 {
		return nil
	}
	return conn.WriteJSON(map[string]interface{}{
		"a": "subscribe",
		"v": ing.cfg.Subscribe,
	})
}

// wireTick is the vendor tick frame. The adapter is deliberately thin; no
// schema dependency beyond these fields.
type wireTick struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	LTP       float64 `json:"ltp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"close_prev"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Volume    int64   `json:"volume"`
	OI        int64   `json:"oi"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

// handleFrame parses one inbound frame and writes it into the cache.
// Malformed frames are dropped; the feed occasionally interleaves
// housekeeping messages the core does not care about.
func (ing *Ingestor) handleFrame(payload []byte) {
	var wt wireTick
	if err := json.Unmarshal(payload, &wt); err != nil || wt.Type != "tick" || wt.Symbol == "" {
		return
	}

	ts := time.UnixMilli(wt.Timestamp)
	tick := types.Tick{
		Symbol:    wt.Symbol,
		LTP:       decimal.NewFromFloat(wt.LTP),
		Open:      decimal.NewFromFloat(wt.Open),
		High:      decimal.NewFromFloat(wt.High),
		Low:       decimal.NewFromFloat(wt.Low),
		PrevClose: decimal.NewFromFloat(wt.PrevClose),
		Bid:       decimal.NewFromFloat(wt.Bid),
		Ask:       decimal.NewFromFloat(wt.Ask),
		Volume:    wt.Volume,
		OI:        wt.OI,
		Timestamp: ts,
	}

	ing.sink.PutTick(tick.Symbol, tick)
	ing.lastTick.Store(time.Now().UnixNano())
}

func (ing *Ingestor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// jitter spreads reconnect storms: uniform in [d/2, d].
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
