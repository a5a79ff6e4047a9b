package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Byte values written by the worker on the rendez-vous pipe.
const (
	rendezVousReady = 0x00
	rendezVousBusy  = 0x01
)

// Number of consecutive empty reads after which the peer is considered
// gone.
const maxEOFReturn = 10

// rendezVous is the out-of-band readiness channel with the child process.
//
// The parent creates a named pipe in a private temp directory and hands
// its path to the child through the RENDEZ_VOUS environment variable. The
// child writes single bytes on it: 0x00 when ready for a message, 0x01
// when busy.
//
// The reply pipe cannot reliably signal "idle" because the worker may
// have arbitrary trailing output, hence this dedicated channel.
type rendezVous struct {
	dir  string
	path string

	// Read end of the fifo, non-blocking.
	file *os.File
	// Write end held by the parent until the child connects, so that
	// reads block instead of hitting EOF before the first byte.
	hold *os.File

	busy    atomic.Bool
	running atomic.Bool

	mu      sync.Mutex
	readyCh chan struct{}
}

func newRendezVous() (*rendezVous, error) {
	dir, err := os.MkdirTemp("", "qgate_")
	if err != nil {
		return nil, fmt.Errorf("creating rendez-vous dir: %w", err)
	}
	rv := &rendezVous{
		dir:     dir,
		path:    filepath.Join(dir, "_rendez_vous"),
		readyCh: make(chan struct{}),
	}
	// Start in BUSY state.
	rv.busy.Store(true)
	return rv, nil
}

// Path returns the named pipe path handed to the child.
func (rv *rendezVous) Path() string { return rv.path }

// isReady reports whether the worker declared itself ready.
func (rv *rendezVous) isReady() bool { return !rv.busy.Load() }

// isRunning reports whether the listener loop is active.
func (rv *rendezVous) isRunning() bool { return rv.running.Load() }

// waitReady blocks until the worker signals ready or ctx expires.
func (rv *rendezVous) waitReady(ctx context.Context) error {
	for {
		if rv.isReady() {
			return nil
		}
		if !rv.isRunning() {
			return ErrRendezVousDisconnected
		}
		rv.mu.Lock()
		ch := rv.readyCh
		rv.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ErrTimeout
		}
	}
}

func (rv *rendezVous) setReady() {
	rv.busy.Store(false)
	rv.mu.Lock()
	close(rv.readyCh)
	rv.readyCh = make(chan struct{})
	rv.mu.Unlock()
}

// start creates the fifo and launches the listener loop.
func (rv *rendezVous) start() error {
	if rv.running.Load() {
		return errors.New("rendez-vous has already been started")
	}
	if err := unix.Mkfifo(rv.path, 0o700); err != nil {
		return fmt.Errorf("creating rendez-vous fifo: %w", err)
	}
	fd, err := unix.Open(rv.path, unix.O_RDONLY|unix.O_NONBLOCK, 0o700)
	if err != nil {
		return fmt.Errorf("opening rendez-vous fifo: %w", err)
	}
	rv.file = os.NewFile(uintptr(fd), rv.path)

	// Keep a write end open until the child connects: without it the
	// read side returns EOF in a loop before the child had a chance to
	// open the pipe.
	wfd, err := unix.Open(rv.path, unix.O_WRONLY|unix.O_NONBLOCK, 0o700)
	if err != nil {
		rv.file.Close()
		return fmt.Errorf("opening rendez-vous fifo writer: %w", err)
	}
	rv.hold = os.NewFile(uintptr(wfd), rv.path)

	rv.running.Store(true)
	go rv.listen()
	return nil
}

func (rv *rendezVous) listen() {
	defer rv.running.Store(false)
	var (
		buf [1]byte
		eof int
	)
	for {
		n, err := rv.file.Read(buf[:])
		switch {
		case err == io.EOF || (err == nil && n == 0):
			eof++
			if eof > maxEOFReturn {
				// Set the BUSY state.
				rv.busy.Store(true)
				log.Error("Too many EOF detected, worker peer was probably closed")
				return
			}
			// Give the peer a chance to reconnect.
			time.Sleep(10 * time.Millisecond)
		case err != nil:
			if !errors.Is(err, os.ErrClosed) {
				log.Errorf("Rendez-vous i/o error: %v", err)
			}
			return
		default:
			eof = 0
			rv.releaseHold()
			switch buf[0] {
			case rendezVousReady:
				log.Trace("Rendez-vous: READY")
				rv.setReady()
			case rendezVousBusy:
				log.Trace("Rendez-vous: BUSY")
				rv.busy.Store(true)
			default:
				log.Errorf("Rendez-vous received invalid value %#x", buf[0])
			}
		}
	}
}

func (rv *rendezVous) releaseHold() {
	rv.mu.Lock()
	if rv.hold != nil {
		rv.hold.Close()
		rv.hold = nil
	}
	rv.mu.Unlock()
}

// stop terminates the listener and removes the fifo directory.
func (rv *rendezVous) stop() {
	if rv.file != nil {
		rv.file.Close()
	}
	rv.releaseHold()
	os.RemoveAll(rv.dir)
}
