package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/execmesh/core"
)

// FakeRunner is a scripted core.CodeRunner. Each Run emits Lines in order,
// then optionally blocks until Stop is called for the invocation, then ends
// with Err.
type FakeRunner struct {
	Lines []core.ProcessStreamData
	Err   error
	// Block keeps the run alive after Lines until Stop or ctx cancellation.
	Block bool
	// StopErr is returned from Stop.
	StopErr error

	runs    []core.RunConfig
	runIDs  []string
	stops   []string
	blocked map[string]chan struct{}
	mu      sync.Mutex
}

// Stdout builds stdout lines for a FakeRunner.
func Stdout(lines ...string) []core.ProcessStreamData {
	out := make([]core.ProcessStreamData, len(lines))
	for i, l := range lines {
		out[i] = core.ProcessStreamData{Origin: core.OriginStdout, Str: l}
	}
	return out
}

// Run implements core.CodeRunner.
func (f *FakeRunner) Run(ctx context.Context, inv core.Invocation, cfg core.RunConfig) (<-chan core.ProcessStreamData, <-chan error) {
	dataCh := make(chan core.ProcessStreamData)
	errCh := make(chan error, 1)

	release := make(chan struct{})

	f.mu.Lock()
	f.runs = append(f.runs, cfg)
	f.runIDs = append(f.runIDs, inv.ID)
	if f.blocked == nil {
		f.blocked = make(map[string]chan struct{})
	}
	f.blocked[inv.ID] = release
	lines, runErr, block := f.Lines, f.Err, f.Block
	f.mu.Unlock()

	go func() {
		defer func() { close(dataCh); close(errCh) }()

		for _, l := range lines {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case dataCh <- l:
			}
		}

		if block {
			select {
			case <-ctx.Done():
			case <-release:
			}
		}

		if runErr != nil {
			errCh <- runErr
		}
	}()

	return dataCh, errCh
}

// Stop implements core.CodeRunner and releases a blocked run.
func (f *FakeRunner) Stop(_ context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stops = append(f.stops, executionID)
	if ch, ok := f.blocked[executionID]; ok {
		close(ch)
		delete(f.blocked, executionID)
	}

	return f.StopErr
}

// SetErr changes the terminal error of subsequent runs.
func (f *FakeRunner) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// Runs returns the invocation ids passed to Run.
func (f *FakeRunner) Runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runIDs...)
}

// Configs returns the run configurations passed to Run.
func (f *FakeRunner) Configs() []core.RunConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.RunConfig(nil), f.runs...)
}

// Stops returns the execution ids passed to Stop.
func (f *FakeRunner) Stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}
