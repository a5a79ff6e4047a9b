package worker

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// fakeChild stands in for the spawned process in tests.
type fakeChild struct {
	mu      sync.Mutex
	exited  chan struct{}
	signals []syscall.Signal
}

func newFakeChild() *fakeChild {
	return &fakeChild{exited: make(chan struct{})}
}

func (c *fakeChild) pid() int { return 4242 }

func (c *fakeChild) isAlive() bool {
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

func (c *fakeChild) signal(sig syscall.Signal) error {
	if !c.isAlive() {
		return ErrWorkerProcessDead
	}
	c.mu.Lock()
	c.signals = append(c.signals, sig)
	c.mu.Unlock()
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		c.exit()
	}
	return nil
}

func (c *fakeChild) wait(ctx context.Context) error {
	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

func (c *fakeChild) kill() error {
	c.exit()
	return nil
}

func (c *fakeChild) exit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.exited:
	default:
		close(c.exited)
	}
}

// fakePeer speaks the worker wire protocol from the other side of the
// pipes, driven by a goroutine.
type fakePeer struct {
	t     *testing.T
	child *fakeChild

	reqRead   *os.File // peer side of the request pipe
	replWrite *os.File // peer side of the reply pipe
	fifo      *os.File // write end of the rendez-vous fifo

	mu       sync.Mutex
	received []map[string]any
}

// msgID extracts the message id of a decoded request frame.
func msgID(m map[string]any) int64 {
	switch v := m["msg_id"].(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	default:
		return -1
	}
}

// Received returns the ids of the messages seen so far.
func (p *fakePeer) Received() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, len(p.received))
	for i, m := range p.received {
		ids[i] = msgID(m)
	}
	return ids
}

// ReceivedURIs returns the uri field of every message with the given
// id.
func (p *fakePeer) ReceivedURIs(id int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var uris []string
	for _, m := range p.received {
		if msgID(m) == id {
			if uri, ok := m["uri"].(string); ok {
				uris = append(uris, uri)
			}
		}
	}
	return uris
}

func (p *fakePeer) writeFrame(v any) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		p.t.Errorf("peer: encoding reply: %v", err)
		return
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := p.replWrite.Write(hdr[:]); err != nil {
		return
	}
	p.replWrite.Write(payload)
}

func (p *fakePeer) writeRaw(b []byte) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := p.replWrite.Write(hdr[:]); err != nil {
		return
	}
	p.replWrite.Write(b)
}

func (p *fakePeer) setBusy()  { p.fifo.Write([]byte{rendezVousBusy}) }
func (p *fakePeer) setReady() { p.fifo.Write([]byte{rendezVousReady}) }

func (p *fakePeer) serve() {
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(p.reqRead, hdr[:]); err != nil {
			return
		}
		size := int(binary.BigEndian.Uint32(hdr[:]))
		payload := make([]byte, size)
		if _, err := io.ReadFull(p.reqRead, payload); err != nil {
			return
		}
		var msg map[string]any
		if err := msgpack.Unmarshal(payload, &msg); err != nil {
			p.t.Errorf("peer: decoding request: %v", err)
			return
		}
		p.mu.Lock()
		p.received = append(p.received, msg)
		p.mu.Unlock()

		p.setBusy()
		p.reply(msg)
		p.setReady()
	}
}

func (p *fakePeer) reply(msg map[string]any) {
	switch msgID(msg) {
	case msgPing:
		p.writeFrame([]any{200, msg["echo"]})
	case msgCheckoutProject:
		p.writeFrame([]any{200, CacheInfo{
			URI:     msg["uri"].(string),
			Name:    msg["uri"].(string),
			Status:  CheckoutNew,
			InCache: true,
			CacheID: "test",
			Pinned:  true,
		}})
	case msgDropProject:
		p.writeFrame([]any{200, CacheInfo{
			URI:     msg["uri"].(string),
			Name:    msg["uri"].(string),
			Status:  CheckoutRemoved,
			CacheID: "test",
		}})
	case msgClearCache, msgUpdateCache, msgPutConfig, msgSleep:
		p.writeFrame(204)
	case msgGetConfig, msgGetEnv:
		p.writeFrame([]any{200, map[string]string{"name": "test"}})
	case msgListCache:
		p.writeFrame([]any{206, CacheInfo{URI: "/a", CacheID: "test", Pinned: true}})
		p.writeFrame([]any{206, CacheInfo{URI: "/b", CacheID: "test", Pinned: true}})
		p.writeFrame(204)
	case msgPlugins:
		p.writeFrame([]any{206, PluginInfo{Name: "plugin_a", PluginType: "server"}})
		p.writeFrame(204)
	case msgCatalog:
		p.writeFrame([]any{206, CatalogItem{URI: "/cat/a", Name: "cat_a"}})
		p.writeFrame([]any{206, CatalogItem{URI: "/cat/b", Name: "cat_b"}})
		p.writeFrame(204)
	case msgProjectInfo:
		p.writeFrame([]any{200, ProjectInfo{
			URI:     msg["uri"].(string),
			Layers:  []LayerInfo{{Name: "Layer", IsValid: true}},
			CacheID: "test",
		}})
	case msgCollections:
		p.writeFrame([]any{200, CollectionsPage{
			Schema: "collections",
			Items: []CollectionsItem{{
				Name:      "france_parts",
				Endpoints: OgcEndpointMap | OgcEndpointFeatures,
			}},
		}})
	case msgOwsRequest, msgAPIRequest:
		p.writeFrame([]any{200, RequestReply{
			StatusCode:     200,
			Headers:        [][2]string{{"content-type", "text/xml"}},
			CheckoutStatus: CheckoutNew,
			CacheID:        "test",
		}})
		p.writeFrame(206)
		p.writeRaw([]byte("chunk1"))
		p.writeFrame(206)
		p.writeRaw([]byte("chunk2"))
		p.writeFrame(204)
	default:
		p.writeFrame([]any{500, map[string]string{"error": "unknown message"}})
	}
}

func (p *fakePeer) close() {
	p.reqRead.Close()
	p.replWrite.Close()
	p.fifo.Close()
	p.child.exit()
}

// newFakeWorker wires a Worker to an in-process peer goroutine.
func newFakeWorker(t *testing.T) (*Worker, *fakePeer) {
	t.Helper()

	reqRead, reqWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating request pipe: %v", err)
	}
	replRead, replWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating reply pipe: %v", err)
	}

	rv, err := newRendezVous()
	if err != nil {
		t.Fatalf("creating rendez-vous: %v", err)
	}
	if err := rv.start(); err != nil {
		t.Fatalf("starting rendez-vous: %v", err)
	}
	fifo, err := os.OpenFile(rv.Path(), os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening rendez-vous fifo: %v", err)
	}

	child := newFakeChild()
	peer := &fakePeer{
		t:         t,
		child:     child,
		reqRead:   reqRead,
		replWrite: replWrite,
		fifo:      fifo,
	}

	w := &Worker{
		name:          "test",
		rendezVous:    rv,
		cancelTimeout: 3 * time.Second,
		readyTimeout:  time.Second,
		process:       child,
		io:            newPipe(reqWrite, replRead, DefaultMaxChunkSize),
		uptime:        time.Now(),
		generation:    1,
	}

	peer.setReady()
	go peer.serve()

	t.Cleanup(func() {
		peer.close()
		rv.stop()
		reqWrite.Close()
		replRead.Close()
	})

	return w, peer
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
