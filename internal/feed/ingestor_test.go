package feed_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/feed"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// fakeConn serves queued frames, then blocks until closed.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   chan struct{}
	once     sync.Once
	written  []interface{}
	writeErr error
}

func newFakeConn(frames ...[]byte) *fakeConn {
	return &fakeConn{frames: frames, closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		f := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return 1, f, nil
	}
	c.mu.Unlock()
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return c.writeErr
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	ticks []types.Tick
}

func (s *recordingSink) PutTick(_ string, tick types.Tick) {
	s.mu.Lock()
	s.ticks = append(s.ticks, tick)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

func tickFrame(t *testing.T, symbol string, ltp float64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"type":      "tick",
		"symbol":    symbol,
		"ltp":       ltp,
		"volume":    10,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectSubscribeAndIngest(t *testing.T) {
	sink := &recordingSink{}
	conn := newFakeConn(
		tickFrame(t, "RELIANCE", 2900),
		tickFrame(t, "RELIANCE", 2901),
		[]byte(`{"type":"housekeeping"}`),
	)
	dial := func(ctx context.Context, url string) (feed.Conn, error) { return conn, nil }

	ing := feed.NewIngestor(zap.NewNop(), feed.Config{
		URL:       "wss://example",
		Subscribe: []string{"RELIANCE"},
	}, sink, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ing.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	waitFor(t, time.Second, func() bool { return sink.count() == 2 })
	waitFor(t, time.Second, ing.Connected)

	conn.mu.Lock()
	wrote := len(conn.written)
	conn.mu.Unlock()
	if wrote != 1 {
		t.Errorf("subscribe frames = %d, want 1", wrote)
	}
	if ing.LastTickAge() > time.Second {
		t.Errorf("LastTickAge = %s after live ticks", ing.LastTickAge())
	}
}

func TestDialFailureBacksOffAndRetries(t *testing.T) {
	sink := &recordingSink{}
	var mu sync.Mutex
	attempts := 0
	conn := newFakeConn(tickFrame(t, "RELIANCE", 2900))
	dial := func(ctx context.Context, url string) (feed.Conn, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("network down")
		}
		return conn, nil
	}

	ing := feed.NewIngestor(zap.NewNop(), feed.Config{
		URL:        "wss://example",
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 10 * time.Millisecond,
	}, sink, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ing.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Errorf("dial attempts = %d, want at least 2", attempts)
	}
}

func TestTakeoverBudgetExhaustionGoesDormant(t *testing.T) {
	sink := &recordingSink{}
	dial := func(ctx context.Context, url string) (feed.Conn, error) {
		return nil, feed.ErrSessionTaken
	}

	ing := feed.NewIngestor(zap.NewNop(), feed.Config{
		URL:           "wss://example",
		TakeoverGrace: time.Millisecond,
		MaxTakeovers:  2,
	}, sink, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ing.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	waitFor(t, time.Second, func() bool { return ing.State() == feed.StateDormant })

	// The parked state holds until an operator issues a connect; it must
	// not decay into DISCONNECTED on its own.
	time.Sleep(20 * time.Millisecond)
	if st := ing.State(); st != feed.StateDormant {
		t.Fatalf("state = %s, want DORMANT to persist", st)
	}
}

func TestSkipAutoInitWaitsForExplicitConnect(t *testing.T) {
	sink := &recordingSink{}
	conn := newFakeConn(tickFrame(t, "RELIANCE", 2900))
	dial := func(ctx context.Context, url string) (feed.Conn, error) { return conn, nil }

	ing := feed.NewIngestor(zap.NewNop(), feed.Config{
		URL:          "wss://example",
		SkipAutoInit: true,
	}, sink, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ing.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	time.Sleep(50 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatal("ticks ingested before explicit connect")
	}
	if ing.State() != feed.StateDisconnected {
		t.Fatalf("state = %s, want DISCONNECTED", ing.State())
	}

	ing.Connect()
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
}

func TestForceReconnectRedials(t *testing.T) {
	sink := &recordingSink{}
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context, url string) (feed.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return newFakeConn(tickFrame(t, "RELIANCE", 2900)), nil
	}

	ing := feed.NewIngestor(zap.NewNop(), feed.Config{URL: "wss://example"}, sink, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ing.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	waitFor(t, time.Second, func() bool { return sink.count() >= 1 })
	ing.ForceReconnect()
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	})
}
