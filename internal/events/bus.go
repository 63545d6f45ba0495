// Package events routes operational events (alerts, order lifecycle,
// position changes) to subscribers without blocking publishers.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// Type is the event category.
type Type string

const (
	TypeAlert    Type = "alert"
	TypeOrder    Type = "order"
	TypePosition Type = "position"
	TypeFeed     Type = "feed"
	TypeSquare   Type = "square_off"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one bus message.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Position  types.Position `json:"position,omitempty"`
	OrderID   string         `json:"orderId,omitempty"`
}

// Handler consumes events. Panics are recovered and logged.
type Handler func(Event)

type subscription struct {
	id      string
	types   map[Type]bool // nil means all
	handler Handler
	active  atomic.Bool
}

// Bus fans events out to subscribers through a bounded channel; a full
// buffer drops rather than stalls the trading path.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs []*subscription

	ch      chan Event
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBus(logger *zap.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger: logger.Named("events"),
		ch:     make(chan Event, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.ch:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						zap.String("subscription", sub.id),
						zap.Any("panic", r))
				}
			}()
			sub.handler(ev)
		}()
	}
}

// Subscribe registers a handler for the given types; no types means
// all. Returns an unsubscribe func.
func (b *Bus) Subscribe(handler Handler, eventTypes ...Type) func() {
	sub := &subscription{id: uuid.NewString(), handler: handler}
	if len(eventTypes) > 0 {
		sub.types = make(map[Type]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = true
		}
	}
	sub.active.Store(true)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return func() { sub.active.Store(false) }
}

// Publish enqueues without blocking; drops when the buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, bus buffer full", zap.String("type", string(ev.Type)))
	}
}

// Alert publishes an alert event and mirrors it into the log at the
// matching level.
func (b *Bus) Alert(severity Severity, symbol, message string) {
	switch severity {
	case SeverityCritical:
		b.logger.Error(message, zap.String("symbol", symbol))
	case SeverityWarning:
		b.logger.Warn(message, zap.String("symbol", symbol))
	default:
		b.logger.Info(message, zap.String("symbol", symbol))
	}
	b.Publish(Event{Type: TypeAlert, Severity: severity, Symbol: symbol, Message: message})
}

// Dropped reports how many events were discarded on a full buffer.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Stop drains the dispatch goroutine.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		b.logger.Warn("event bus shutdown timed out")
	}
}
