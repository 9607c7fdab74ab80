package framenet

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWorkerPoolKeepsPerKeyOrder(t *testing.T) {
	pool := newWorkerPool(4)
	defer pool.close()

	const jobs = 200
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(jobs)
	for i := 0; i < jobs; i++ {
		i := i
		if err := pool.put("peer-a", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("job %d ran at position %d", got, i)
		}
	}
}

func TestWorkerPoolRunsAllKeys(t *testing.T) {
	pool := newWorkerPool(3)
	defer pool.close()

	keys := []string{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	wg.Add(len(keys))
	for _, k := range keys {
		if err := pool.put(k, wg.Done); err != nil {
			t.Fatalf("put %q: %v", k, err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs never completed")
	}
}

func TestWorkerPoolClosed(t *testing.T) {
	pool := newWorkerPool(1)
	pool.close()
	if err := pool.put("k", func() {}); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("got %v, want ErrServerClosed", err)
	}
}
