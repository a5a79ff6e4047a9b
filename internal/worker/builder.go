package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// pythonExecutable resolves the interpreter running worker processes.
// Overridable through the PYTHON_EXEC environment variable.
func pythonExecutable() string {
	if v := os.Getenv("PYTHON_EXEC"); v != "" {
		return v
	}
	return "python3"
}

// Builder is the spawn recipe for workers of a pool.
type Builder struct {
	args     string
	opts     Options
	logLevel string

	// Spawn hook, replaced in tests.
	spawn func(ctx context.Context, b *Builder) (*Worker, error)
}

// NewBuilder creates a builder running the given interpreter arguments
// with default options.
func NewBuilder(args string) *Builder {
	return NewBuilderFromOptions(args, DefaultOptions())
}

// NewBuilderFromOptions creates a builder from explicit options.
func NewBuilderFromOptions(args string, opts Options) *Builder {
	return &Builder{
		args:     args,
		opts:     opts,
		logLevel: levelString(log.GetLevel()),
		spawn:    launch,
	}
}

// Options returns the current worker options.
func (b *Builder) Options() Options { return b.opts }

// SetOptions replaces the worker options.
func (b *Builder) SetOptions(opts Options) { b.opts = opts }

// Start spawns one worker.
func (b *Builder) Start(ctx context.Context) (*Worker, error) {
	return b.spawn(ctx, b)
}

// Patch applies a JSON merge patch (RFC 7396) to the worker options.
// The log level is picked from the patch's logging.level value when
// present, case-insensitively.
func (b *Builder) Patch(patch map[string]any) error {
	if level, ok := logLevelFromPatch(patch); ok {
		b.logLevel = level
	}
	workerPatch, ok := patch["worker"]
	if !ok {
		return nil
	}
	doc, err := json.Marshal(&b.opts)
	if err != nil {
		return fmt.Errorf("patching worker options: %w", err)
	}
	var current map[string]any
	if err := json.Unmarshal(doc, &current); err != nil {
		return fmt.Errorf("patching worker options: %w", err)
	}
	merged := mergePatch(current, workerPatch)
	buf, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("patching worker options: %w", err)
	}
	var opts Options
	if err := json.Unmarshal(buf, &opts); err != nil {
		return fmt.Errorf("patching worker options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	b.opts = opts
	return nil
}

// mergePatch implements RFC 7396 JSON merge patch.
func mergePatch(target, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	targetObj, ok := target.(map[string]any)
	if !ok {
		targetObj = map[string]any{}
	}
	for k, v := range patchObj {
		if v == nil {
			delete(targetObj, k)
		} else {
			targetObj[k] = mergePatch(targetObj[k], v)
		}
	}
	return targetObj
}

func logLevelFromPatch(patch map[string]any) (string, bool) {
	logging, ok := patch["logging"].(map[string]any)
	if !ok {
		return "", false
	}
	level, ok := logging["level"].(string)
	if !ok {
		return "", false
	}
	switch strings.ToLower(level) {
	case "critical", "error", "warning", "info", "debug", "trace":
		return strings.ToLower(level), true
	default:
		return "", false
	}
}

func levelString(level log.Level) string {
	switch level {
	case log.PanicLevel, log.FatalLevel:
		return "critical"
	case log.ErrorLevel:
		return "error"
	case log.WarnLevel:
		return "warning"
	case log.InfoLevel:
		return "info"
	case log.DebugLevel:
		return "debug"
	default:
		return "trace"
	}
}

// launch spawns the child process, waits for the rendez-vous, and
// packages the worker handle.
func launch(ctx context.Context, b *Builder) (*Worker, error) {
	rv, err := newRendezVous()
	if err != nil {
		return nil, err
	}

	log.Debug("Starting child process")

	if err := rv.start(); err != nil {
		rv.stop()
		return nil, err
	}

	qgisOptions, err := json.Marshal(b.opts.Qgis)
	if err != nil {
		rv.stop()
		return nil, fmt.Errorf("encoding qgis options: %w", err)
	}

	args := strings.Fields(b.args)
	args = append(args, b.opts.Name)
	cmd := exec.Command(pythonExecutable(), args...)
	cmd.Env = append(os.Environ(),
		"RENDEZ_VOUS="+rv.Path(),
		"CONF_LOGGING__LEVEL="+b.logLevel,
		"CONF_WORKER__QGIS="+string(qgisOptions),
		"CONF_WORKER__QGIS__MAX_CHUNK_SIZE="+strconv.Itoa(b.opts.MaxChunkSize),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		rv.stop()
		return nil, fmt.Errorf("opening worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		rv.stop()
		return nil, fmt.Errorf("opening worker stdout: %w", err)
	}

	child, err := startChild(cmd)
	if err != nil {
		rv.stop()
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx,
		time.Duration(b.opts.ProcessStartTimeout)*time.Second)
	defer cancel()

	// Race child exit against the rendez-vous: whichever happens first
	// decides the spawn outcome.
	readyErr := make(chan error, 1)
	go func() { readyErr <- rv.waitReady(startCtx) }()
	exited := make(chan struct{})
	go func() {
		_ = child.wait(startCtx)
		close(exited)
	}()

	select {
	case err := <-readyErr:
		if err != nil {
			log.Error("Worker stalled at start, attempting to terminate")
			if kerr := child.kill(); kerr != nil {
				log.Errorf("Failed to kill process <%d>: %v", child.pid(), kerr)
			}
			rv.stop()
			return nil, ErrWorkerProcessFailure
		}
	case <-exited:
		if child.isAlive() {
			// The watcher ended on ctx expiry, not on child exit.
			_ = child.kill()
			rv.stop()
			return nil, ErrWorkerProcessFailure
		}
		log.Error("Worker exited prematurely")
		rv.stop()
		return nil, ErrWorkerProcessFailure
	}

	stdinFile, ok := stdin.(*os.File)
	if !ok {
		_ = child.kill()
		rv.stop()
		return nil, fmt.Errorf("%w: worker stdin is not a file", ErrTaskFailed)
	}
	stdoutFile, ok := stdout.(*os.File)
	if !ok {
		_ = child.kill()
		rv.stop()
		return nil, fmt.Errorf("%w: worker stdout is not a file", ErrTaskFailed)
	}

	return &Worker{
		name:          b.opts.Name,
		rendezVous:    rv,
		cancelTimeout: time.Duration(b.opts.CancelTimeout) * time.Second,
		readyTimeout:  time.Second,
		process:       child,
		io:            newPipe(stdinFile, stdoutFile, b.opts.MaxChunkSize),
		uptime:        time.Now(),
		generation:    1,
		lastUpdate:    0,
	}, nil
}
