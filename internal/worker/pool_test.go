package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// newFakePool builds a pool whose builder spawns in-process fake
// workers.
func newFakePool(t *testing.T, opts Options) *Pool {
	t.Helper()
	b := NewBuilderFromOptions("", opts)
	b.spawn = func(ctx context.Context, b *Builder) (*Worker, error) {
		w, _ := newFakeWorker(t)
		return w, nil
	}
	pool := NewPool(b)
	t.Cleanup(func() { pool.Close(2 * time.Second) })
	return pool
}

func assertStats(t *testing.T, pool *Pool, busy, idle, dead int) {
	t.Helper()
	ok := waitFor(t, 2*time.Second, func() bool {
		b, i, d := pool.StatsRaw()
		return b == busy && i == idle && d == dead
	})
	if !ok {
		b, i, d := pool.StatsRaw()
		t.Errorf("stats = (%d, %d, %d), want (%d, %d, %d)", b, i, d, busy, idle, dead)
	}
}

func TestPoolPingRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 1
	pool := newFakePool(t, opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}

	recv := NewReceiver(pool)
	w, err := recv.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	echo, err := w.Worker().Ping("hello")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if echo != "hello" {
		t.Errorf("echo = %q, want hello", echo)
	}
	w.Done()
	w.Release()

	assertStats(t, pool, 0, 1, 0)
}

func TestPoolShrink(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 3
	pool := newFakePool(t, opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}
	assertStats(t, pool, 0, 3, 0)

	opts.NumProcesses = 2
	pool.builder.SetOptions(opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}
	assertStats(t, pool, 0, 2, 0)
}

func TestPoolBusyAccounting(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 2
	pool := newFakePool(t, opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}

	recv := NewReceiver(pool)
	w, err := recv.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertStats(t, pool, 1, 1, 0)

	w.Done()
	w.Release()
	assertStats(t, pool, 0, 2, 0)
}

func TestPoolBackPressure(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 1
	opts.MaxWaitingRequests = 2
	pool := newFakePool(t, opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}

	recv := NewReceiver(pool)
	busy, err := recv.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	type result struct {
		w   *ScopedWorker
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			w, err := recv.Get()
			results <- result{w, err}
		}()
	}
	if !waitFor(t, 2*time.Second, func() bool { return pool.NumWaiters() == 2 }) {
		t.Fatalf("waiters = %d, want 2", pool.NumWaiters())
	}

	// The third concurrent get must fail fast.
	if _, err := recv.Get(); !errors.Is(err, ErrMaxRequestsExceeded) {
		t.Errorf("expected ErrMaxRequestsExceeded, got %v", err)
	}

	// Releasing the busy worker unblocks the two admitted waiters in
	// turn.
	busy.Done()
	busy.Release()
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				t.Fatalf("admitted get failed: %v", r.err)
			}
			r.w.Done()
			r.w.Release()
		case <-time.After(5 * time.Second):
			t.Fatal("admitted get did not complete")
		}
	}
}

func TestPoolRestoreOnSpawnAndRecycle(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 1
	opts.RestoreProjects = []string{"/p1"}

	var peers []*fakePeer
	b := NewBuilderFromOptions("", opts)
	b.spawn = func(ctx context.Context, b *Builder) (*Worker, error) {
		w, peer := newFakeWorker(t)
		peers = append(peers, peer)
		return w, nil
	}
	pool := NewPool(b)
	t.Cleanup(func() { pool.Close(2 * time.Second) })

	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}
	// The spawned worker receives the seeded checkout exactly once.
	uris := peers[0].ReceivedURIs(msgCheckoutProject)
	if len(uris) != 1 || uris[0] != "/p1" {
		t.Fatalf("checkouts after spawn = %v, want [/p1]", uris)
	}

	recv := NewReceiver(pool)
	recv.UpdateCache(Pull("/p2"))

	// The idle worker was drained by the cache update and reconciles
	// on recycle before becoming available again.
	w, err := recv.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	uris = peers[0].ReceivedURIs(msgCheckoutProject)
	if len(uris) != 2 || uris[1] != "/p2" {
		t.Errorf("checkouts after update = %v, want [/p1 /p2]", uris)
	}
	w.Done()
	w.Release()
}

func TestPoolReloadTerminatesOldGeneration(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 2
	pool := newFakePool(t, opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}
	recv := NewReceiver(pool)

	// Hold one lease across the reload: its worker is from the old
	// generation and must be terminated on recycle.
	held, err := recv.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	recv.Reload()
	// Drained idle workers terminate in the background.
	if !waitFor(t, 2*time.Second, func() bool { return pool.DeadWorkers() >= 1 }) {
		t.Fatalf("dead workers = %d, want >= 1", pool.DeadWorkers())
	}

	held.Done()
	held.Release()
	if !waitFor(t, 2*time.Second, func() bool { return pool.DeadWorkers() == 2 }) {
		t.Errorf("dead workers = %d, want 2", pool.DeadWorkers())
	}

	// Maintenance respawns the fleet at the new generation.
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}
	assertStats(t, pool, 0, 2, 0)
	gen := pool.Queue().Generation()
	for _, w := range pool.queue.q.drainAll() {
		if w.generation != gen {
			t.Errorf("worker generation = %d, want %d", w.generation, gen)
		}
		pool.queue.q.send(w)
	}
}

func TestPoolCleanupDeadWorkers(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 2
	pool := newFakePool(t, opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}

	// Kill one idle worker behind the pool's back.
	workers := pool.queue.q.drainAll()
	workers[0].process.(*fakeChild).exit()
	pool.queue.q.sendAll(workers)

	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}
	// The dead worker was swept and replaced.
	assertStats(t, pool, 0, 2, 0)
	for _, w := range pool.queue.q.drainAll() {
		if !w.IsAlive() {
			t.Error("dead worker left in queue")
		}
		pool.queue.q.send(w)
	}
}

func TestPoolInvariantAfterMaintain(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 3
	pool := newFakePool(t, opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}
	busy, idle, dead := pool.StatsRaw()
	if busy+idle+dead != pool.NumWorkers() {
		t.Errorf("busy+idle+dead = %d, want %d", busy+idle+dead, pool.NumWorkers())
	}
}

func TestPoolCloseRefusesNewLeases(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 1
	pool := newFakePool(t, opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}
	pool.Close(time.Second)

	recv := NewReceiver(pool)
	if _, err := recv.Get(); !errors.Is(err, ErrQueueIsClosed) {
		t.Errorf("expected ErrQueueIsClosed, got %v", err)
	}
}

func TestPoolPatchConfig(t *testing.T) {
	opts := DefaultOptions()
	opts.NumProcesses = 1
	pool := newFakePool(t, opts)
	if err := pool.MaintainPool(context.Background()); err != nil {
		t.Fatalf("MaintainPool: %v", err)
	}

	err := pool.PatchConfig(context.Background(), map[string]any{
		"worker": map[string]any{
			"num_processes":        float64(3),
			"max_waiting_requests": float64(10),
		},
	})
	if err != nil {
		t.Fatalf("PatchConfig: %v", err)
	}
	if got := pool.Options().NumProcesses; got != 3 {
		t.Errorf("num_processes = %d, want 3", got)
	}
	if got := pool.Queue().MaxRequests(); got != 10 {
		t.Errorf("max_requests = %d, want 10", got)
	}
	assertStats(t, pool, 0, 3, 0)
}

func TestBuilderPatchValidation(t *testing.T) {
	b := NewBuilderFromOptions("", DefaultOptions())
	err := b.Patch(map[string]any{
		"worker": map[string]any{"num_processes": float64(0)},
	})
	var invalid *InvalidConfigValueError
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidConfigValueError, got %v", err)
	}
}

func TestBuilderPatchMergesQgisOptions(t *testing.T) {
	b := NewBuilderFromOptions("", DefaultOptions())
	err := b.Patch(map[string]any{
		"worker": map[string]any{
			"qgis": map[string]any{"max_projects": float64(25)},
		},
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	qgis := b.Options().Qgis
	if qgis["max_projects"] != float64(25) {
		t.Errorf("max_projects = %v, want 25", qgis["max_projects"])
	}
	// Existing keys survive the merge.
	if _, ok := qgis["max_chunk_size"]; !ok {
		t.Error("max_chunk_size lost by merge patch")
	}
}
