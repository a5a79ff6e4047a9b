package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWorkerPing(t *testing.T) {
	w, _ := newFakeWorker(t)
	echo, err := w.Ping("hello")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if echo != "hello" {
		t.Errorf("echo = %q, want hello", echo)
	}
}

func TestWorkerRequestAndByteStream(t *testing.T) {
	w, _ := newFakeWorker(t)
	reply, err := w.Request(&OwsRequestMsg{
		Service: "WFS",
		Request: "GetCapabilities",
		Target:  "/france/france_parts",
		Headers: [][2]string{{"content-type", "application/test"}},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.StatusCode != 200 {
		t.Errorf("status = %d, want 200", reply.StatusCode)
	}

	stream, err := w.ByteStream()
	if err != nil {
		t.Fatalf("ByteStream: %v", err)
	}
	chunk, err := stream.Next()
	if err != nil || string(chunk) != "chunk1" {
		t.Fatalf("first chunk = %q (%v)", chunk, err)
	}
	chunk, err = stream.Next()
	if err != nil || string(chunk) != "chunk2" {
		t.Fatalf("second chunk = %q (%v)", chunk, err)
	}
	chunk, err = stream.Next()
	if err != nil || chunk != nil {
		t.Fatalf("end of stream = %q (%v)", chunk, err)
	}
}

func TestWorkerCacheOperations(t *testing.T) {
	w, _ := newFakeWorker(t)

	info, err := w.CheckoutProject("/france/france_parts", true)
	if err != nil {
		t.Fatalf("CheckoutProject: %v", err)
	}
	if info.Name != "/france/france_parts" || info.Status != CheckoutNew {
		t.Errorf("info = %+v", info)
	}

	if err := w.UpdateCache(); err != nil {
		t.Fatalf("UpdateCache: %v", err)
	}

	items, err := w.ListCache()
	if err != nil {
		t.Fatalf("ListCache: %v", err)
	}
	count := 0
	for {
		item, err := items.Next()
		if err != nil {
			t.Fatalf("ListCache next: %v", err)
		}
		if item == nil {
			break
		}
		if item.CacheID != "test" {
			t.Errorf("cache_id = %q, want test", item.CacheID)
		}
		count++
	}
	if count != 2 {
		t.Errorf("cache items = %d, want 2", count)
	}

	info, err = w.DropProject("/france/france_parts")
	if err != nil {
		t.Fatalf("DropProject: %v", err)
	}
	if info.Status != CheckoutRemoved {
		t.Errorf("status = %d, want removed", info.Status)
	}

	if err := w.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
}

func TestWorkerCatalogAndPlugins(t *testing.T) {
	w, _ := newFakeWorker(t)

	catalog, err := w.Catalog("/france")
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	for {
		item, err := catalog.Next()
		if err != nil {
			t.Fatalf("Catalog next: %v", err)
		}
		if item == nil {
			break
		}
		if item.Name[:4] != "cat_" {
			t.Errorf("catalog item = %q", item.Name)
		}
	}

	plugins, err := w.ListPlugins()
	if err != nil {
		t.Fatalf("ListPlugins: %v", err)
	}
	item, err := plugins.Next()
	if err != nil || item == nil || item.Name != "plugin_a" {
		t.Fatalf("plugin = %v (%v)", item, err)
	}
}

func TestWorkerCollections(t *testing.T) {
	w, _ := newFakeWorker(t)
	page, err := w.Collections("", "", 0, 100)
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if page.Next || len(page.Items) != 1 {
		t.Fatalf("page = %+v", page)
	}
	endpoints := page.Items[0].Endpoints
	if endpoints&OgcEndpointMap == 0 || endpoints&OgcEndpointFeatures == 0 {
		t.Errorf("endpoints = %#x", endpoints)
	}
	if endpoints&OgcEndpointCoverage != 0 {
		t.Errorf("unexpected coverage endpoint in %#x", endpoints)
	}
}

func TestWorkerConfigRoundTrip(t *testing.T) {
	w, _ := newFakeWorker(t)
	if err := w.PutConfig(map[string]any{"max_projects": 25}); err != nil {
		t.Fatalf("PutConfig: %v", err)
	}
	cfg, err := w.GetConfig()
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if cfg == nil {
		t.Error("GetConfig returned nil")
	}
}

func TestWorkerMethodsFailWhenDead(t *testing.T) {
	w, peer := newFakeWorker(t)
	peer.child.exit()
	if _, err := w.Ping("hello"); !errors.Is(err, ErrWorkerProcessDead) {
		t.Errorf("expected ErrWorkerProcessDead, got %v", err)
	}
}

func TestWorkerCancelTimeoutWhenReady(t *testing.T) {
	w, _ := newFakeWorker(t)
	// The peer is idle and ready: a done-hinted cancel is a no-op.
	if err := w.CancelTimeout(true); err != nil {
		t.Fatalf("CancelTimeout: %v", err)
	}
	// Without the hint, leftover data is drained.
	if err := w.CancelTimeout(false); err != nil {
		t.Fatalf("CancelTimeout: %v", err)
	}
}

// spawnScript writes a minimal worker stand-in: it joins the
// rendez-vous and then sits on its stdio.
func spawnScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	script := `exec 3> "$RENDEZ_VOUS"
printf '\000' >&3
exec cat
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func TestSpawnAndTerminate(t *testing.T) {
	t.Setenv("PYTHON_EXEC", "/bin/sh")
	opts := DefaultOptions()
	opts.Name = "spawned"
	b := NewBuilderFromOptions(spawnScript(t), opts)

	w, err := b.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !w.IsAlive() {
		t.Error("worker not alive after spawn")
	}
	if w.Pid() == 0 {
		t.Error("worker has no pid")
	}
	if w.generation != 1 || w.lastUpdate != 0 {
		t.Errorf("generation/lastUpdate = %d/%d, want 1/0", w.generation, w.lastUpdate)
	}

	if err := w.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return !w.IsAlive() }) {
		t.Error("worker still alive after terminate")
	}
}

func TestSpawnFailsWhenChildExits(t *testing.T) {
	t.Setenv("PYTHON_EXEC", "/bin/sh")
	path := filepath.Join(t.TempDir(), "worker.sh")
	// Exits without joining the rendez-vous.
	if err := os.WriteFile(path, []byte("exit 1\n"), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	opts := DefaultOptions()
	opts.Name = "failing"
	opts.ProcessStartTimeout = 2
	b := NewBuilderFromOptions(path, opts)

	if _, err := b.Start(context.Background()); !errors.Is(err, ErrWorkerProcessFailure) {
		t.Errorf("expected ErrWorkerProcessFailure, got %v", err)
	}
}
