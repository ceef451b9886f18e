package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/logging"
)

// ErrRunNotFound is returned by Stop for an unknown execution id.
var ErrRunNotFound = errors.New("run not found")

// MaxLineSize is the longest output line emitted as a whole.
const MaxLineSize = 1024 * 1024

// Options holds configuration overrides passed to New().
type Options struct {
	// DefaultTimeout bounds runs whose config has no timeout. Zero disables.
	DefaultTimeout time.Duration
	// EventBufferSize sets channel buffering for output events.
	EventBufferSize int
	// InheritEnv passes the daemon's environment to child processes.
	InheritEnv bool
	// Logging services.
	Logger logging.Logger
}

// ProcessRunner runs commands as local child processes. Public methods are
// safe for concurrent use.
type ProcessRunner struct {
	defaultTimeout  time.Duration
	eventBufferSize int
	inheritEnv      bool
	logger          logging.Logger

	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
}

var _ core.CodeRunner = (*ProcessRunner)(nil)

// New constructs a ProcessRunner with optional overrides.
func New(optFns ...func(o *Options)) *ProcessRunner {
	opts := Options{
		EventBufferSize: 100,
		InheritEnv:      true,
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &ProcessRunner{
		defaultTimeout:  opts.DefaultTimeout,
		eventBufferSize: opts.EventBufferSize,
		inheritEnv:      opts.InheritEnv,
		logger:          opts.Logger,
		activeRuns:      make(map[string]context.CancelFunc),
	}
}

// Run implements core.CodeRunner. The execution id is the invocation id.
func (r *ProcessRunner) Run(ctx context.Context, inv core.Invocation, cfg core.RunConfig) (<-chan core.ProcessStreamData, <-chan error) {
	dataCh := make(chan core.ProcessStreamData, r.eventBufferSize)
	errCh := make(chan error, 1)

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	r.mu.Lock()
	r.activeRuns[inv.ID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.activeRuns, inv.ID)
			r.mu.Unlock()
			cancel()
			close(dataCh)
			close(errCh)
		}()

		if err := r.execute(ctx, inv.ID, cfg, dataCh); err != nil {
			errCh <- err
		}
	}()

	return dataCh, errCh
}

// Stop implements core.CodeRunner by cancelling the run's process.
func (r *ProcessRunner) Stop(_ context.Context, executionID string) error {
	r.mu.RLock()
	cancel, exists := r.activeRuns[executionID]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("execution %s: %w", executionID, ErrRunNotFound)
	}

	cancel()

	r.logger.Info("Execution stop requested", "execution_id", executionID)

	return nil
}

// Active reports whether a run for executionID is in progress.
func (r *ProcessRunner) Active(executionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.activeRuns[executionID]
	return ok
}

// execute starts the process and blocks until it exits and both pipes are
// drained. Only failures to start are returned.
func (r *ProcessRunner) execute(ctx context.Context, executionID string, cfg core.RunConfig, dataCh chan<- core.ProcessStreamData) error {
	if cfg.Command == "" {
		return errors.New("run config has no command")
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = r.environ(cfg.Env)
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	r.logger.Debug("Process started", "execution_id", executionID, "command", cfg.Command, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() { defer wg.Done(); r.readLines(executionID, core.OriginStdout, stdout, dataCh) }()
	go func() { defer wg.Done(); r.readLines(executionID, core.OriginStderr, stderr, dataCh) }()
	wg.Wait()

	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		r.logger.Info("Process ended by cancellation", "execution_id", executionID, "cause", ctx.Err())
	case waitErr != nil:
		r.logger.Info("Process exited with error", "execution_id", executionID, "error", waitErr)
	default:
		r.logger.Debug("Process exited", "execution_id", executionID)
	}

	return nil
}

// readLines emits each line of rd with a trailing newline until rd ends.
// Lines longer than MaxLineSize are cut at MaxLineSize and the rest of the
// line is discarded, so the pipe keeps draining.
func (r *ProcessRunner) readLines(executionID string, origin core.Origin, rd io.Reader, dataCh chan<- core.ProcessStreamData) {
	br := bufio.NewReaderSize(rd, MaxLineSize)
	truncating := false

	for {
		line, err := br.ReadSlice('\n')

		switch {
		case err == nil:
			if !truncating {
				dataCh <- core.ProcessStreamData{Origin: origin, Str: trimEOL(line) + "\n"}
			}
			truncating = false
		case errors.Is(err, bufio.ErrBufferFull):
			if !truncating {
				r.logger.Warn("Output line exceeds limit, truncating",
					"execution_id", executionID, "origin", origin, "limit", MaxLineSize)
				dataCh <- core.ProcessStreamData{Origin: origin, Str: string(line) + "\n"}
			}
			truncating = true
		default:
			if len(line) > 0 && !truncating {
				dataCh <- core.ProcessStreamData{Origin: origin, Str: trimEOL(line) + "\n"}
			}
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("Output pipe read ended", "execution_id", executionID, "origin", origin, "error", err)
			}
			return
		}
	}
}

func trimEOL(line []byte) string {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line)
}

func (r *ProcessRunner) environ(extra map[string]string) []string {
	env := []string{}
	if r.inheritEnv {
		env = os.Environ()
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
