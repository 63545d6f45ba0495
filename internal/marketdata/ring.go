package marketdata

import (
	"sync"
	"sync/atomic"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// historyRing holds the most recent closed bars for one symbol and interval.
// Appends are copy-on-write under a write mutex; readers load the slice
// pointer without locking, so history reads never block bar sealing.
type historyRing struct {
	capacity int
	interval types.BarInterval

	writeMu sync.Mutex
	bars    atomic.Pointer[[]types.Bar]
}

func newHistoryRing(interval types.BarInterval, capacity int) *historyRing {
	r := &historyRing{capacity: capacity, interval: interval}
	empty := make([]types.Bar, 0, capacity)
	r.bars.Store(&empty)
	return r
}

// append seals a closed bar into the ring, dropping the oldest past capacity.
// Bars must arrive in strictly increasing start-time order; out-of-order or
// duplicate starts are dropped.
func (r *historyRing) append(bar types.Bar) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := *r.bars.Load()
	if n := len(cur); n > 0 && !bar.Start.After(cur[n-1].Start) {
		return
	}

	next := make([]types.Bar, 0, r.capacity)
	if len(cur) >= r.capacity {
		next = append(next, cur[len(cur)-r.capacity+1:]...)
	} else {
		next = append(next, cur...)
	}
	next = append(next, bar)
	r.bars.Store(&next)
}

// replace swaps the entire ring contents. Used only by preload.
func (r *historyRing) replace(bars []types.Bar) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := make([]types.Bar, 0, r.capacity)
	if len(bars) > r.capacity {
		bars = bars[len(bars)-r.capacity:]
	}
	next = append(next, bars...)
	r.bars.Store(&next)
}

// recent returns the most recent n bars, oldest first. The returned slice is
// a view into an immutable snapshot; callers must not mutate it.
func (r *historyRing) recent(n int) []types.Bar {
	cur := *r.bars.Load()
	if n >= len(cur) {
		return cur
	}
	return cur[len(cur)-n:]
}

func (r *historyRing) len() int {
	return len(*r.bars.Load())
}
