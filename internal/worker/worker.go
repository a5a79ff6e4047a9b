package worker

import (
	"context"
	"fmt"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// SIGTERM grace before force-killing a worker.
const termTimeout = 5 * time.Second

// Worker is a handle to one child QGIS server process.
//
// Request methods are strictly serial: a Worker is owned either by the
// idle queue or by exactly one ScopedWorker, never both.
type Worker struct {
	name          string
	rendezVous    *rendezVous
	cancelTimeout time.Duration
	readyTimeout  time.Duration
	process       childProcess
	io            *pipe
	uptime        time.Time

	generation uint64
	lastUpdate uint64
}

// Name returns the display name of the worker.
func (w *Worker) Name() string { return w.name }

// Pid returns the OS pid of the child process.
func (w *Worker) Pid() int { return w.process.pid() }

// Uptime returns the time elapsed since the worker became ready.
func (w *Worker) Uptime() time.Duration { return time.Since(w.uptime) }

// IsAlive reports whether the child process is still running.
func (w *Worker) IsAlive() bool { return w.process.isAlive() }

// IsReady reports whether the worker is ready to process messages.
func (w *Worker) IsReady() bool { return w.rendezVous.isReady() }

// WaitReady blocks until the worker is ready to process messages.
func (w *Worker) WaitReady(ctx context.Context) error {
	if !w.rendezVous.isRunning() {
		return ErrRendezVousDisconnected
	}
	return w.rendezVous.waitReady(ctx)
}

// Terminate stops the worker: SIGTERM, then SIGKILL after a grace
// period. Safe to call on an already-exited worker.
func (w *Worker) Terminate() error {
	if !w.process.isAlive() {
		log.Infof("Worker %s already terminated", w.name)
		w.rendezVous.stop()
		return nil
	}
	log.Debugf("Terminating worker %s (pid %d)", w.name, w.Pid())
	w.rendezVous.stop()
	if err := w.process.signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminating worker %s: %w", w.name, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), termTimeout)
	defer cancel()
	if err := w.process.wait(ctx); err != nil {
		log.Warnf("Worker %s (pid %d) not terminated, kill forced", w.name, w.Pid())
		if err := w.process.kill(); err != nil {
			return fmt.Errorf("killing worker %s: %w", w.name, err)
		}
	}
	return nil
}

// drainUntilTaskDone pulls leftover data from the process until the
// rendez-vous reports ready.
func (w *Worker) drainUntilTaskDone(ctx context.Context) error {
	for {
		drained, err := w.io.drain()
		if err != nil {
			log.Debugf("Drain failed [%s]: %v", w.name, err)
			return err
		}
		if w.rendezVous.isReady() {
			// All data pushed by the process has been read.
			return nil
		}
		if !w.rendezVous.isRunning() {
			return ErrRendezVousDisconnected
		}
		if !drained {
			// Let the process finish the current job.
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return ErrTimeout
			}
		} else if ctx.Err() != nil {
			return ErrTimeout
		}
	}
}

// Cancel interrupts the current job with SIGHUP and discards its
// remaining output.
func (w *Worker) Cancel(ctx context.Context) error {
	log.Debugf("Cancelling job %s:%d", w.name, w.Pid())
	if err := w.process.signal(syscall.SIGHUP); err != nil {
		return err
	}
	if err := w.drainUntilTaskDone(ctx); err != nil {
		log.Debugf("Worker cancel error: %v", err)
		return err
	}
	return nil
}

// CancelTimeout attempts to bring the worker back to a clean ready
// state after a request.
//
// doneHint indicates that the complete response has been consumed; when
// false, leftover reply data is drained from the process. If the worker
// does not reach readiness in time a cancel is attempted, and failing
// that the worker is declared stalled.
func (w *Worker) CancelTimeout(doneHint bool) error {
	readyCtx, cancel := context.WithTimeout(context.Background(), w.readyTimeout)
	err := w.WaitReady(readyCtx)
	cancel()
	switch {
	case err == nil:
		if doneHint {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.cancelTimeout)
		defer cancel()
		return w.drainUntilTaskDone(ctx)
	case err == ErrRendezVousDisconnected:
		return err
	default:
		ctx, cancel := context.WithTimeout(context.Background(), w.cancelTimeout)
		defer cancel()
		if err := w.Cancel(ctx); err != nil {
			if err == ErrTimeout {
				return ErrWorkerStalled
			}
			return err
		}
		return nil
	}
}

// pipeIO returns the i/o channel, failing if the child has exited.
func (w *Worker) pipeIO() (*pipe, error) {
	if !w.process.isAlive() {
		return nil, ErrWorkerProcessDead
	}
	return w.io, nil
}

//
// Message stubs
//

// Ping sends an echo string through the worker.
func (w *Worker) Ping(echo string) (string, error) {
	io, err := w.pipeIO()
	if err != nil {
		return "", err
	}
	_, reply, err := sendMessage[string](io, &pingMsg{MsgID: msgPing, Echo: echo})
	return reply, err
}

// Sleep asks the worker to sleep for delay seconds. Test facility.
func (w *Worker) Sleep(delay int64) error {
	io, err := w.pipeIO()
	if err != nil {
		return err
	}
	return io.sendNoReplyMessage(&sleepMsg{MsgID: msgSleep, Delay: delay})
}

// GetEnv returns the worker environment.
func (w *Worker) GetEnv() (any, error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	_, reply, err := sendMessage[any](io, &emptyMsg{MsgID: msgGetEnv})
	return reply, err
}

// Request sends an OWS or API request. The reply body is retrieved
// afterwards with ByteStream.
func (w *Worker) Request(msg requestMsg) (*RequestReply, error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	msg.stamp()
	_, reply, err := sendMessage[RequestReply](io, msg)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// ByteStream returns the reply body stream of the last request.
func (w *Worker) ByteStream() (*ByteStream, error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	return &ByteStream{io: io}, nil
}

// GetReport reads the post-request telemetry report.
func (w *Worker) GetReport() (any, error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	_, report, err := readResponse[any](io)
	return report, err
}

// Collections returns a page of the collections listing.
func (w *Worker) Collections(location, resource string, start, end int64) (*CollectionsPage, error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	_, page, err := sendMessage[CollectionsPage](io, &collectionsMsg{
		MsgID:    msgCollections,
		Location: location,
		Resource: resource,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// CheckoutProject checks a project out of the worker cache, pulling it
// in if pull is set.
func (w *Worker) CheckoutProject(uri string, pull bool) (*CacheInfo, error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	_, info, err := sendMessage[CacheInfo](io, &checkoutProjectMsg{
		MsgID: msgCheckoutProject,
		URI:   uri,
		Pull:  pull,
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// DropProject removes a project from the worker cache.
func (w *Worker) DropProject(uri string) (*CacheInfo, error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	_, info, err := sendMessage[CacheInfo](io, &dropProjectMsg{MsgID: msgDropProject, URI: uri})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ClearCache removes all items from the worker cache.
func (w *Worker) ClearCache() error {
	io, err := w.pipeIO()
	if err != nil {
		return err
	}
	return io.sendNoReplyMessage(&emptyMsg{MsgID: msgClearCache})
}

// UpdateCache refreshes all projects in the worker cache.
func (w *Worker) UpdateCache() error {
	io, err := w.pipeIO()
	if err != nil {
		return err
	}
	return io.sendNoReplyMessage(&emptyMsg{MsgID: msgUpdateCache})
}

// ListCache streams the items of the worker cache.
func (w *Worker) ListCache() (*ObjectStream[CacheInfo], error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	if err := io.putMessage(&emptyMsg{MsgID: msgListCache}); err != nil {
		return nil, err
	}
	return &ObjectStream[CacheInfo]{io: io}, nil
}

// Catalog streams the projects available at location (all locations when
// empty).
func (w *Worker) Catalog(location string) (*ObjectStream[CatalogItem], error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	if err := io.putMessage(&catalogMsg{MsgID: msgCatalog, Location: location}); err != nil {
		return nil, err
	}
	return &ObjectStream[CatalogItem]{io: io}, nil
}

// ProjectInfo returns information about a project already in cache,
// without loading it.
func (w *Worker) ProjectInfo(uri string) (*ProjectInfo, error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	_, info, err := sendMessage[ProjectInfo](io, &projectInfoMsg{MsgID: msgProjectInfo, URI: uri})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ListPlugins streams the plugins loaded by the worker.
func (w *Worker) ListPlugins() (*ObjectStream[PluginInfo], error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	if err := io.putMessage(&emptyMsg{MsgID: msgPlugins}); err != nil {
		return nil, err
	}
	return &ObjectStream[PluginInfo]{io: io}, nil
}

// PutConfig updates the worker configuration.
func (w *Worker) PutConfig(config any) error {
	io, err := w.pipeIO()
	if err != nil {
		return err
	}
	return io.sendNoReplyMessage(&putConfigMsg{MsgID: msgPutConfig, Config: config})
}

// GetConfig retrieves the worker configuration.
func (w *Worker) GetConfig() (any, error) {
	io, err := w.pipeIO()
	if err != nil {
		return nil, err
	}
	_, cfg, err := sendMessage[any](io, &emptyMsg{MsgID: msgGetConfig})
	return cfg, err
}
