package events_test

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/events"
)

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) handle(ev events.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitCount(t *testing.T, c *collector, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("received %d events, want %d", c.count(), want)
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), 16)
	defer bus.Stop()

	c := &collector{}
	bus.Subscribe(c.handle)

	bus.Publish(events.Event{Type: events.TypeOrder, Message: "order placed"})
	waitCount(t, c, 1)

	c.mu.Lock()
	ev := c.events[0]
	c.mu.Unlock()
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Error("publish did not stamp id and timestamp")
	}
}

func TestTypeFilteredSubscription(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), 16)
	defer bus.Stop()

	alerts := &collector{}
	all := &collector{}
	bus.Subscribe(alerts.handle, events.TypeAlert)
	bus.Subscribe(all.handle)

	bus.Publish(events.Event{Type: events.TypeOrder, Message: "order"})
	bus.Alert(events.SeverityWarning, "RELIANCE", "stop modification failed")

	waitCount(t, all, 2)
	waitCount(t, alerts, 1)
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if alerts.events[0].Severity != events.SeverityWarning {
		t.Errorf("severity = %s, want warning", alerts.events[0].Severity)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), 16)
	defer bus.Stop()

	c := &collector{}
	unsub := bus.Subscribe(c.handle)
	bus.Publish(events.Event{Type: events.TypeFeed, Message: "connected"})
	waitCount(t, c, 1)

	unsub()
	bus.Publish(events.Event{Type: events.TypeFeed, Message: "disconnected"})
	time.Sleep(20 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("events after unsubscribe = %d, want 1", c.count())
	}
}

func TestPanickingHandlerDoesNotStopDispatch(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), 16)
	defer bus.Stop()

	bus.Subscribe(func(events.Event) { panic("handler bug") })
	c := &collector{}
	bus.Subscribe(c.handle)

	bus.Publish(events.Event{Type: events.TypeOrder, Message: "one"})
	bus.Publish(events.Event{Type: events.TypeOrder, Message: "two"})
	waitCount(t, c, 2)
}
