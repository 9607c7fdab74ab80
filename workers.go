// Worker pool is a pool of go-routines executing frame handlers on the
// server side. Each peer identity is permanently hashed onto one worker, so
// dispatch stays in arrival order per peer while slow peers cannot stall the
// accept loop or each other.

package framenet

import "hash/fnv"

const defaultWorkers = 20

type workerPool struct {
	workers []*worker
	closeCh chan struct{}
}

func newWorkerPool(n int) *workerPool {
	if n <= 0 {
		n = defaultWorkers
	}
	pool := &workerPool{
		workers: make([]*worker, n),
		closeCh: make(chan struct{}),
	}
	for i := range pool.workers {
		pool.workers[i] = newWorker(1024, pool.closeCh)
	}
	return pool
}

// put queues fn on the worker owning key, blocking while that worker's
// queue is full. It fails with ErrServerClosed once the pool is closed.
func (wp *workerPool) put(key string, fn func()) error {
	select {
	case <-wp.closeCh:
		return ErrServerClosed
	default:
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	w := wp.workers[h.Sum32()%uint32(len(wp.workers))]
	select {
	case w.callbackCh <- fn:
		return nil
	case <-wp.closeCh:
		return ErrServerClosed
	}
}

func (wp *workerPool) close() {
	close(wp.closeCh)
}

type worker struct {
	callbackCh chan func()
	closeCh    chan struct{}
}

func newWorker(depth int, closeCh chan struct{}) *worker {
	w := &worker{
		callbackCh: make(chan func(), depth),
		closeCh:    closeCh,
	}
	go w.start()
	return w
}

func (w *worker) start() {
	for {
		select {
		case <-w.closeCh:
			return
		case cb := <-w.callbackCh:
			cb()
		}
	}
}
