package worker

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Receiver hands out scoped workers from the pool queue.
type Receiver struct {
	queue *WorkerQueue
}

// NewReceiver builds a receiver for the given pool.
func NewReceiver(pool *Pool) *Receiver {
	return &Receiver{queue: pool.Queue()}
}

// Get waits for an idle worker and wraps it in a lease.
func (r *Receiver) Get() (*ScopedWorker, error) {
	w, err := r.queue.recv()
	if err != nil {
		return nil, err
	}
	return &ScopedWorker{queue: r.queue, item: w}, nil
}

// IsClosed reports whether the queue is closed.
func (r *Receiver) IsClosed() bool { return r.queue.IsClosed() }

// Drain empties the idle queue, wrapping each worker in a lease so that
// releasing it recycles it.
func (r *Receiver) Drain() []*ScopedWorker {
	return drainQueue(r.queue, func(w *Worker) *ScopedWorker {
		return &ScopedWorker{queue: r.queue, item: w}
	})
}

// Reload bumps the pool generation and drains the idle queue: every
// drained or subsequently recycled worker of an older generation is
// terminated.
func (r *Receiver) Reload() {
	r.queue.NextGeneration()
	for _, w := range r.Drain() {
		w.Release()
	}
}

// UpdateCache records a cache mutation and resynchronizes idle workers.
func (r *Receiver) UpdateCache(state RestoreState) {
	r.queue.restoreMu.Lock()
	defer r.queue.restoreMu.Unlock()
	// Idle workers reconcile on recycle.
	for _, w := range r.Drain() {
		w.Release()
	}
	r.queue.restore.UpdateCache(state)
}

// UpdateConfig records a new worker configuration and resynchronizes
// idle workers.
func (r *Receiver) UpdateConfig(config any) {
	r.queue.restoreMu.Lock()
	defer r.queue.restoreMu.Unlock()
	for _, w := range r.Drain() {
		w.Release()
	}
	r.queue.restore.UpdateConfig(config)
}

// ScopedWorker is the lease of one worker by one request. Release must
// be called exactly once, typically deferred right after Get; it hands
// the worker to the recycler in the background.
type ScopedWorker struct {
	queue    *WorkerQueue
	item     *Worker
	done     bool
	released atomic.Bool
}

// Worker exposes the leased worker.
func (s *ScopedWorker) Worker() *Worker { return s.item }

// Done hints the recycler that the complete response was read and no
// leftover data needs draining.
func (s *ScopedWorker) Done() { s.done = true }

// Remember registers the worker's pid for resource inspection.
func (s *ScopedWorker) Remember() {
	s.queue.RememberPid(s.item.Pid())
}

// Release sends the worker back to the recycler. It never blocks:
// recycling runs in its own goroutine.
func (s *ScopedWorker) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	w := s.item
	s.item = nil
	done := s.done
	go func() {
		if err := s.queue.recycleOwned(w, done); err != nil {
			log.Debugf("Recycle failed: %v", err)
		}
	}()
}
