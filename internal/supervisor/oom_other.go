//go:build !linux

package supervisor

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dsmmcken/qgate/internal/worker"
)

// HandleOOM is only implemented on Linux, where per-process memory is
// read from procfs.
func HandleOOM(ctx context.Context, pool *worker.Pool, highWaterMark float64, period time.Duration) error {
	log.Warn("OOM policing is not supported on this platform")
	return nil
}
