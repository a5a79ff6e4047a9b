// Package monitor pipes request telemetry to a subprocess command.
//
// Reports are framed the same way as worker messages: a big-endian
// 32-bit length followed by a msgpack payload, written on the child's
// stdin.
package monitor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dsmmcken/qgate/internal/config"
)

// Time the respawned process must survive before being trusted again.
const stabilizeDelay = 5 * time.Second

// Delay between respawn attempts.
const respawnDelay = time.Minute

// ErrQueueFull is returned by Send when the report queue is saturated.
var ErrQueueFull = errors.New("monitor queue is full")

// Sender enqueues telemetry reports. The zero value is an unconfigured
// sender that drops everything.
type Sender struct {
	ch chan<- any
}

// IsConfigured reports whether a monitor is running behind the sender.
func (s Sender) IsConfigured() bool { return s.ch != nil }

// Send enqueues a report without blocking.
func (s Sender) Send(report any) error {
	if s.ch == nil {
		return nil
	}
	select {
	case s.ch <- report:
		return nil
	default:
		return ErrQueueFull
	}
}

// sink is one running instance of the monitor subprocess.
type sink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

func (s *sink) alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *sink) stop() {
	s.stdin.Close()
	if s.alive() {
		_ = s.cmd.Process.Kill()
	}
	<-s.exited
}

// Monitor owns the telemetry subprocess.
type Monitor struct {
	conf config.Monitor
	env  string
	ch   chan any
}

// New creates a monitor from its configuration.
func New(conf config.Monitor) (*Monitor, error) {
	env, err := json.Marshal(conf.Config)
	if err != nil {
		return nil, fmt.Errorf("encoding monitor config: %w", err)
	}
	return &Monitor{
		conf: conf,
		env:  "QGATE_MON_CONFIG=" + string(env),
		ch:   make(chan any, 128),
	}, nil
}

// Sender returns the report entry point.
func (m *Monitor) Sender() Sender { return Sender{ch: m.ch} }

// Run consumes reports until ctx is cancelled. An unrecoverable
// subprocess failure is returned to the caller, which is expected to
// treat it as fatal.
func (m *Monitor) Run(ctx context.Context) error {
	log.Info("Starting monitor listener")
	s, err := m.spawn()
	if err != nil {
		return fmt.Errorf("starting monitor process: %w", err)
	}
	defer func() { s.stop() }()

	for {
		var report any
		select {
		case <-ctx.Done():
			log.Info("Terminating monitor listener")
			return nil
		case report = <-m.ch:
		}

		payload, err := msgpack.Marshal(report)
		if err != nil {
			log.Errorf("Failed to encode report: %v", err)
			continue
		}
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

		_, werr := s.stdin.Write(hdr[:])
		if werr == nil {
			_, werr = s.stdin.Write(payload)
		}
		if werr != nil {
			if s.alive() {
				return fmt.Errorf("writing report: %w", werr)
			}
			log.Error("Monitor process exited, restarting...")
			s.stop()
			if s, err = m.respawn(ctx); err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) spawn() (*sink, error) {
	cmd := exec.Command(m.conf.Command, m.conf.Args...)
	cmd.Env = append(cmd.Environ(), m.env)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s := &sink{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(s.exited)
	}()
	return s, nil
}

func (m *Monitor) respawn(ctx context.Context) (*sink, error) {
	for {
		s, err := m.spawn()
		if err != nil {
			return nil, fmt.Errorf("restarting monitor process: %w", err)
		}
		// Wait for stability before trusting the process.
		select {
		case <-ctx.Done():
			s.stop()
			return nil, ctx.Err()
		case <-time.After(stabilizeDelay):
		}
		if s.alive() {
			return s, nil
		}
		log.Errorf("Failed to restart monitor, next attempt in %s", respawnDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(respawnDelay):
		}
	}
}
