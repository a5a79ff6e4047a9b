package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// WorkerQueue is the scheduling structure shared between the Pool, all
// ScopedWorkers, and the supervisor tasks.
type WorkerQueue struct {
	q *queue[*Worker]

	deadWorkers atomic.Int64
	failures    atomic.Int64
	maxRequests atomic.Int64
	generation  atomic.Uint64

	restoreMu sync.RWMutex
	restore   *Restore

	// Pids of workers currently leased out, inspected by the OOM
	// policer.
	pidsMu sync.RWMutex
	pids   map[int]struct{}
}

// MaxRequests returns the admission limit on waiting requests.
func (wq *WorkerQueue) MaxRequests() int { return int(wq.maxRequests.Load()) }

// Generation returns the current pool generation.
func (wq *WorkerQueue) Generation() uint64 { return wq.generation.Load() }

// NextGeneration bumps the pool generation. Workers of older
// generations are terminated on recycle instead of reused.
func (wq *WorkerQueue) NextGeneration() uint64 { return wq.generation.Add(1) }

// RememberPid registers a leased worker's pid for resource inspection.
func (wq *WorkerQueue) RememberPid(pid int) {
	if pid == 0 {
		return
	}
	wq.pidsMu.Lock()
	wq.pids[pid] = struct{}{}
	wq.pidsMu.Unlock()
}

func (wq *WorkerQueue) forgetPid(pid int) {
	wq.pidsMu.Lock()
	delete(wq.pids, pid)
	wq.pidsMu.Unlock()
}

// recv waits for an idle worker, enforcing the admission limit.
func (wq *WorkerQueue) recv() (*Worker, error) {
	if int64(wq.q.numWaiters()) >= wq.maxRequests.Load() {
		return nil, ErrMaxRequestsExceeded
	}
	return wq.q.recv()
}

// updateWorker reconciles a worker under the restore read lock.
func (wq *WorkerQueue) updateWorker(w *Worker) error {
	wq.restoreMu.RLock()
	defer wq.restoreMu.RUnlock()
	return wq.restore.RestoreWorker(w)
}

// terminate retires a worker, counting it dead.
func (wq *WorkerQueue) terminate(w *Worker) error {
	wq.deadWorkers.Add(1)
	return w.Terminate()
}

// terminateFailure retires a worker, counting it both dead and failed.
func (wq *WorkerQueue) terminateFailure(w *Worker) error {
	wq.failures.Add(1)
	return wq.terminate(w)
}

// recycleOwned takes back a worker released by a ScopedWorker.
//
// doneHint tells the recycler that the complete response was read, so
// no leftover data needs draining.
func (wq *WorkerQueue) recycleOwned(w *Worker, doneHint bool) error {
	pid := w.Pid()
	log.Debugf("Recycling worker [%d]", pid)

	wq.forgetPid(pid)

	// Workers from an older generation must be replaced.
	if w.generation < wq.Generation() {
		return wq.terminate(w)
	}

	if err := w.CancelTimeout(doneHint); err != nil {
		_ = wq.terminateFailure(w)
		log.Errorf("Killed stalled process %d", pid)
		return err
	}
	if err := wq.updateWorker(w); err != nil {
		_ = wq.terminateFailure(w)
		return err
	}
	wq.q.send(w)
	return nil
}

// drainQueue removes every idle worker and maps it through f.
func drainQueue[B any](wq *WorkerQueue, f func(*Worker) B) []B {
	workers := wq.q.drainAll()
	out := make([]B, 0, len(workers))
	for _, w := range workers {
		out = append(out, f(w))
	}
	return out
}

// IsClosed reports whether the queue has been closed.
func (wq *WorkerQueue) IsClosed() bool { return wq.q.isClosed() }

//
// Pool
//

// Pool manages a fleet of workers sharing one configuration.
type Pool struct {
	mu           sync.Mutex
	queue        *WorkerQueue
	builder      *Builder
	numProcesses int
	err          bool
}

// NewPool creates a pool from a worker builder. No worker is started
// until MaintainPool is called.
func NewPool(builder *Builder) *Pool {
	opts := builder.Options()
	wq := &WorkerQueue{
		q:       newQueue[*Worker](opts.NumProcesses),
		restore: NewRestore(opts.RestoreProjects),
		pids:    make(map[int]struct{}),
	}
	wq.maxRequests.Store(int64(opts.MaxWaitingRequests))
	wq.generation.Store(1)
	return &Pool{queue: wq, builder: builder}
}

// SetError poisons the pool: the server must stop serving.
func (p *Pool) SetError() {
	p.mu.Lock()
	p.err = true
	p.mu.Unlock()
}

// HasError reports whether the pool was poisoned.
func (p *Pool) HasError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Options returns the current worker options.
func (p *Pool) Options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.builder.Options()
}

// Queue returns the shared scheduling handle.
func (p *Pool) Queue() *WorkerQueue { return p.queue }

// PatchConfig applies a JSON merge patch to the builder options, then
// rescales the pool.
func (p *Pool) PatchConfig(ctx context.Context, patch map[string]any) error {
	p.mu.Lock()
	if err := p.builder.Patch(patch); err != nil {
		p.mu.Unlock()
		return err
	}
	p.queue.maxRequests.Store(int64(p.builder.Options().MaxWaitingRequests))
	p.mu.Unlock()
	return p.MaintainPool(ctx)
}

// DeadWorkers returns the number of dead workers.
func (p *Pool) DeadWorkers() int { return int(p.queue.deadWorkers.Load()) }

// Failures returns the cumulative failure count.
func (p *Pool) Failures() int { return int(p.queue.failures.Load()) }

// NumWaiters returns the number of requests waiting for a worker.
func (p *Pool) NumWaiters() int { return p.queue.q.numWaiters() }

// NumWorkers returns the number of workers the pool accounts for: busy,
// idle, and dead ones not yet replaced.
func (p *Pool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numProcesses
}

// FailurePressure returns the ratio of failures to NumWorkers.
func (p *Pool) FailurePressure() float64 {
	n := p.NumWorkers()
	if n == 0 {
		return 0
	}
	return float64(p.Failures()) / float64(n)
}

// InspectPids hands the current leased pid set to f. The lock is held
// only while snapshotting.
func (p *Pool) InspectPids(f func(pids []int)) {
	p.queue.pidsMu.RLock()
	pids := make([]int, 0, len(p.queue.pids))
	for pid := range p.queue.pids {
		pids = append(pids, pid)
	}
	p.queue.pidsMu.RUnlock()
	f(pids)
}

// StatsRaw returns (busy, idle, dead) worker counts.
func (p *Pool) StatsRaw() (int, int, int) {
	dead := p.DeadWorkers()
	idle := p.queue.q.len()
	busy := p.NumWorkers() - idle - dead
	return busy, idle, dead
}

// cleanupDeadWorkers sweeps already-exited workers out of the idle
// queue.
//
// Normally no dead worker reaches the queue, but an idle worker may die
// for whatever reason, usually indicating that something went wrong.
func (p *Pool) cleanupDeadWorkers() {
	removed := p.queue.q.retain(func(w *Worker) bool { return w.IsAlive() })
	if removed > 0 {
		log.Warnf("Removed %d dead workers from queue!", removed)
		p.queue.deadWorkers.Add(int64(removed))
	}
}

// MaintainPool grows or shrinks the fleet to the nominal size,
// accounting for dead workers.
func (p *Pool) MaintainPool(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupDeadWorkers()
	nominal := p.builder.Options().NumProcesses
	deadWorkers := p.DeadWorkers()
	failures := p.Failures()
	current := p.numProcesses - deadWorkers

	switch {
	case nominal > current:
		if err := p.grow(ctx, nominal-current); err != nil {
			return err
		}
		p.numProcesses = nominal
	case nominal < current:
		if err := p.shrink(current - nominal); err != nil {
			return err
		}
		// The dead counter is reset below: drop them from the count.
		p.numProcesses -= deadWorkers
	default:
		return nil
	}
	p.queue.failures.Add(int64(-failures))
	p.queue.deadWorkers.Add(int64(-deadWorkers))
	return nil
}

// grow starts n workers in parallel, reconciles them, and enqueues
// them.
func (p *Pool) grow(ctx context.Context, n int) error {
	if p.queue.IsClosed() {
		return ErrQueueIsClosed
	}
	ts := time.Now()
	log.Debugf("Launching %d workers", n)

	workers := make([]*Worker, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			w, err := p.builder.Start(gctx)
			if err != nil {
				return err
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Dispose of the workers that did start.
		for _, w := range workers {
			if w != nil {
				_ = w.Terminate()
			}
		}
		return err
	}

	generation := p.queue.Generation()
	g = new(errgroup.Group)
	for _, w := range workers {
		g.Go(func() error {
			w.generation = generation
			return p.queue.updateWorker(w)
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			_ = w.Terminate()
		}
		return err
	}

	p.queue.q.sendAll(workers)
	log.Infof("Started %d workers in %d ms", n, time.Since(ts).Milliseconds())
	return nil
}

// shrink drains n idle workers and terminates them.
func (p *Pool) shrink(n int) error {
	if p.queue.IsClosed() {
		return ErrQueueIsClosed
	}
	log.Debugf("Pool: shrinking by %d workers", n)
	removed := p.queue.q.drain(n)
	p.numProcesses -= len(removed)
	for _, w := range removed {
		if err := w.Terminate(); err != nil {
			log.Errorf("Failed to terminate worker %s: %v", w.Name(), err)
		}
	}
	return nil
}

// Close shuts the pool down: the queue stops handing out workers, busy
// workers get a grace period to finish, then every idle worker is
// terminated.
func (p *Pool) Close(gracePeriod time.Duration) {
	log.Info("Closing worker queue")
	p.queue.q.close()

	deadline := time.Now().Add(gracePeriod)
	log.Info("Waiting for active workers...")
	for {
		busy, _, _ := p.StatsRaw()
		if busy <= 0 {
			log.Debug("No active workers")
			break
		}
		if time.Now().After(deadline) {
			log.Warnf("Grace period elapsed with %d active workers", busy)
			break
		}
		log.Debugf("Active workers: %d", busy)
		time.Sleep(time.Second)
	}

	log.Info("Shutting down...")
	p.mu.Lock()
	removed := p.queue.q.drainAll()
	p.numProcesses -= len(removed)
	remaining := p.numProcesses
	p.mu.Unlock()
	for _, w := range removed {
		_ = w.Terminate()
	}
	log.Debugf("Pool terminated (rem: %d)", remaining)
}
