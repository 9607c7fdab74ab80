package framenet

import (
	"container/heap"
	"sync"
	"time"
)

type timerHeap []*timerEntry

func (tq timerHeap) Len() int { return len(tq) }

func (tq timerHeap) Less(i, j int) bool {
	return tq[i].when.Before(tq[j].when)
}

func (tq timerHeap) Swap(i, j int) {
	tq[i], tq[j] = tq[j], tq[i]
	tq[i].index = i
	tq[j].index = j
}

func (tq *timerHeap) Push(x interface{}) {
	t := x.(*timerEntry)
	t.index = len(*tq)
	*tq = append(*tq, t)
}

func (tq *timerHeap) Pop() interface{} {
	old := *tq
	n := len(old)
	t := old[n-1]
	t.index = -1
	*tq = old[:n-1]
	return t
}

type timerEntry struct {
	id       int64
	when     time.Time
	interval time.Duration
	fn       func(time.Time)
	index    int // for container/heap
}

// timerQueue is a ticker-driven min-heap scheduler for periodic callbacks,
// used by the registry to run heartbeat probes.
type timerQueue struct {
	accuracy time.Duration
	ticker   *time.Ticker
	quit     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	timers timerHeap
	nextID int64
}

func newTimerQueue(accuracy time.Duration) *timerQueue {
	tq := &timerQueue{
		accuracy: accuracy,
		ticker:   time.NewTicker(accuracy),
		quit:     make(chan struct{}),
	}
	heap.Init(&tq.timers)
	go tq.start()
	return tq
}

// runEvery schedules fn on every interval and returns the timer id.
func (tq *timerQueue) runEvery(interval time.Duration, fn func(time.Time)) int64 {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.nextID++
	heap.Push(&tq.timers, &timerEntry{
		id:       tq.nextID,
		when:     time.Now().Add(interval),
		interval: interval,
		fn:       fn,
	})
	return tq.nextID
}

func (tq *timerQueue) cancel(id int64) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	for _, t := range tq.timers {
		if t.id == id {
			heap.Remove(&tq.timers, t.index)
			return
		}
	}
}

func (tq *timerQueue) stop() {
	tq.stopOnce.Do(func() { close(tq.quit) })
}

func (tq *timerQueue) expired(now time.Time) []*timerEntry {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	var fired []*timerEntry
	for tq.timers.Len() > 0 {
		t := tq.timers[0]
		if t.when.After(now) {
			break
		}
		heap.Pop(&tq.timers)
		fired = append(fired, t)
		if t.interval > 0 {
			next := *t
			next.when = now.Add(t.interval)
			heap.Push(&tq.timers, &next)
		}
	}
	return fired
}

func (tq *timerQueue) start() {
	for {
		select {
		case <-tq.quit:
			tq.ticker.Stop()
			return
		case now := <-tq.ticker.C:
			for _, t := range tq.expired(now) {
				t.fn(now)
			}
		}
	}
}
