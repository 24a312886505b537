// Package dispatcher is the public entry point of the execution engine: it
// selects an Executor by mode, enforces the process-wide concurrency limit,
// and normalises executor failures into the error taxonomy the HTTP layer
// understands. Module resolution through the cache happens inside the
// Local executor, not here.
package dispatcher

import (
	"context"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

// ExecRequest is everything an Executor needs to run one invocation. It is
// constructed by the HTTP layer from the inbound request plus resolved
// process-wide config (S3 credentials), and passed through the Dispatcher.
type ExecRequest struct {
	Image       string
	Invocation  model.Invocation
	Permissions model.ModulePermissions
	S3          *model.S3Credentials
}

// Executor runs one invocation to completion and returns a normalised
// Result. It never returns a Go error for a module-level failure — that is
// represented as Result{Phase: Failed}. A non-nil error means an
// infrastructure fault occurred and should be classified with an ErrorKind
// by the caller.
//
// LocalExecutor and DistributedExecutor are the two implementations; they
// share nothing but this contract, mirroring a strategy/variant split
// rather than a shared base type.
type Executor interface {
	Run(ctx context.Context, req ExecRequest) (model.Result, error)
}
