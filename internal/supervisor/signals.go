package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dsmmcken/qgate/internal/worker"
)

// Delay before acting on child-exit notifications, so that several
// children dying together trigger a single rescale.
const rescaleThrottle = 2 * time.Second

// HandleSignals watches process signals and keeps the pool at nominal
// size.
//
// SIGINT and SIGTERM cancel the server; SIGCHLD schedules a coalesced
// pool maintenance pass. If the failure pressure exceeds
// maxFailurePressure, or maintenance itself fails, the pool is poisoned
// and the server is cancelled.
func HandleSignals(ctx context.Context, pool *worker.Pool, cancel context.CancelFunc, maxFailurePressure float64) {
	signals := make(chan os.Signal, 8)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD)

	go func() {
		defer signal.Stop(signals)
		log.Debug("Installing signal handler")

		var rescaling atomic.Bool
		for {
			select {
			case <-ctx.Done():
				log.Trace("Releasing signal handler")
				return
			case sig := <-signals:
				switch sig {
				case syscall.SIGINT:
					log.Info("Server interrupted")
					cancel()
					return
				case syscall.SIGTERM:
					log.Info("Server terminated")
					cancel()
					return
				case syscall.SIGCHLD:
					log.Debug("SIGCHLD detected")
					if rescaling.CompareAndSwap(false, true) {
						time.AfterFunc(rescaleThrottle, func() {
							rescaling.Store(false)
							rescale(ctx, pool, cancel, maxFailurePressure)
						})
					}
				}
			}
		}
	}()
}

func rescale(ctx context.Context, pool *worker.Pool, cancel context.CancelFunc, maxFailurePressure float64) {
	if ctx.Err() != nil {
		return
	}
	pressure := pool.FailurePressure()
	log.Tracef("Failure pressure: %f", pressure)
	if pressure > maxFailurePressure {
		log.Error("Max failure pressure exceeded, terminating server")
		pool.SetError()
		cancel()
		return
	}
	if err := pool.MaintainPool(ctx); err != nil {
		log.Errorf("Pool scaling failed: %v, terminating server", err)
		pool.SetError()
		cancel()
	}
}
