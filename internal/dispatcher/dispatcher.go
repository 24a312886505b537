package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

// Mode selects which Executor handles an invocation.
type Mode string

const (
	ModeLocal       Mode = "local"
	ModeDistributed Mode = "distributed"
)

// Dispatcher is the process's single public entry point: it routes by
// mode, bounds overall concurrency, and normalises whatever an Executor
// returns into the error taxonomy the HTTP layer maps to status codes.
//
// A Dispatcher is safe for concurrent use; the semaphore it owns is the
// only shared mutable state beyond its (immutable after construction)
// collaborators.
type Dispatcher struct {
	local       Executor
	distributed Executor
	sem         chan struct{}
}

// New builds a Dispatcher. Either executor may be nil if the process was
// not configured to support that mode; routing a request to a nil executor
// is a configuration error, surfaced as EnvironmentSetup.
func New(local, distributed Executor, maxConcurrency int) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	return &Dispatcher{
		local:       local,
		distributed: distributed,
		sem:         make(chan struct{}, maxConcurrency),
	}
}

// Run executes one invocation under the given mode, honoring ctx
// cancellation and the dispatcher's concurrency limit. It returns a Go
// error only for infrastructure faults (wrapped as *Error); a module's own
// reported failure comes back as a Result with Phase Failed and a nil
// error, per spec.
func (d *Dispatcher) Run(ctx context.Context, mode Mode, req ExecRequest) (model.Result, error) {
	executor, err := d.executorFor(mode)
	if err != nil {
		return model.Result{}, err
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return model.Result{}, normalize(ctx.Err())
	}
	defer func() { <-d.sem }()

	result, err := executor.Run(ctx, req)
	if err != nil {
		return model.Result{}, normalize(err)
	}
	return result, nil
}

func (d *Dispatcher) executorFor(mode Mode) (Executor, error) {
	switch mode {
	case ModeLocal:
		if d.local == nil {
			return nil, wrap(KindEnvironmentSetup, fmt.Errorf("dispatcher: local mode not configured"))
		}
		return d.local, nil
	case ModeDistributed:
		if d.distributed == nil {
			return nil, wrap(KindEnvironmentSetup, fmt.Errorf("dispatcher: distributed mode not configured"))
		}
		return d.distributed, nil
	default:
		return nil, wrap(KindEnvironmentSetup, fmt.Errorf("dispatcher: unknown mode %q", mode))
	}
}

// normalize ensures every error leaving Run is an *Error; an Executor that
// returns a bare error (a bug, not expected in a correct implementation) is
// classified as Invocation rather than silently losing its taxonomy.
func normalize(err error) error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return wrap(KindInvocation, err)
}
