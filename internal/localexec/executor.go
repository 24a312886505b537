// Package localexec implements the in-process Wasm sandbox: it resolves a
// module through the cache, builds a wazero sandbox with a preopened
// working directory and a capability-bounded HTTP client, and drives one
// scoped execution per invocation.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/artifactstore"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/dispatcher"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/modulecache"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/ociimage"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/workdir"
)

// entryPoint is the module's default export, called once per invocation. A
// module compiled as a WASI command exports this name.
const entryPoint = "_start"

// Executor is a dispatcher.Executor backed by an in-process wazero runtime.
// The runtime itself is shared across invocations (it is read-mostly); a
// fresh module instance is created per call. The capability-bounded HTTP
// bridge is registered on the runtime once (module names must be unique
// within a runtime, and invocations run concurrently), so per-invocation
// permission scoping is threaded through via context instead.
type Executor struct {
	runtime       wazero.Runtime
	cache         modulecache.Cache
	fetcher       ociimage.Fetcher
	insecureHosts []string
}

// New builds a LocalExecutor. runtime must already have
// wasi_snapshot_preview1 and the capability host module instantiated
// against it; callers can rely on NewRuntime to do both.
func New(runtime wazero.Runtime, cache modulecache.Cache, fetcher ociimage.Fetcher, insecureHosts []string) *Executor {
	return &Executor{runtime: runtime, cache: cache, fetcher: fetcher, insecureHosts: insecureHosts}
}

// NewRuntime builds a wazero.Runtime configured for asynchronous,
// cancellable host calls (the module may block on host-function calls, and
// a cancelled context must unwind it), with wasi_snapshot_preview1 and the
// "env" capability host module instantiated against it. Closing the
// returned runtime tears both down.
func NewRuntime(ctx context.Context) (wazero.Runtime, error) {
	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("localexec: instantiate wasi: %w", err)
	}
	if _, err := registerHostModule(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("localexec: register host module: %w", err)
	}
	return runtime, nil
}

var _ dispatcher.Executor = (*Executor)(nil)

// Run implements dispatcher.Executor. Step ordering is contractual:
// resolve and compile module → create working dir and write input →
// download input artifacts → build sandbox → invoke → translate trap, if
// any → read result → upload output artifacts.
func (e *Executor) Run(ctx context.Context, req dispatcher.ExecRequest) (model.Result, error) {
	moduleBytes, err := e.resolveModule(ctx, req.Image)
	if err != nil {
		return model.Result{}, err
	}

	compiled, err := e.runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindPrecompile, fmt.Errorf("compile module %s: %w", req.Image, err))
	}
	defer compiled.Close(ctx)

	wd, err := workdir.New()
	if err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindEnvironmentSetup, err)
	}
	defer wd.Close()

	if err := wd.SetInput(req.Invocation); err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindEnvironmentSetup, err)
	}

	var store artifactstore.Store
	if req.S3 != nil {
		store, err = artifactstore.New(ctx, *req.S3)
		if err != nil {
			return model.Result{}, wrapDispatch(dispatcher.KindEnvironmentSetup, err)
		}
	}

	if err := e.stageInputArtifacts(ctx, store, wd, req.Invocation.Artifacts); err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindEnvironmentSetup, err)
	}

	httpClient, closeHTTP := newCapabilityHTTPClient(req.Permissions.HTTP, e.insecureHostSet())
	defer closeHTTP()
	// Scope the capability-bounded client to this call's context: the host
	// module registered once on e.runtime reads it back out when the guest
	// calls http_fetch during fn.Call below.
	ctx = withHTTPClient(ctx, httpClient)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	// WithStartFunctions() with no arguments disables wazero's default
	// auto-run of _start at instantiation time, so the entry point below
	// runs exactly once. The instance is left anonymous (WithName("")):
	// non-empty module names must be unique within the shared runtime, and
	// concurrent invocations of the same image would otherwise collide.
	moduleConfig := wazero.NewModuleConfig().
		WithFSConfig(wazero.NewFSConfig().WithDirMount(wd.Path(), model.GuestWorkPath)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithName("").
		WithStartFunctions()

	instance, runErr := e.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if runErr == nil {
		fn := instance.ExportedFunction(entryPoint)
		if fn == nil {
			runErr = fmt.Errorf("module %s exports no %q function", req.Image, entryPoint)
		} else {
			_, runErr = fn.Call(ctx)
		}
		if instance != nil {
			_ = instance.Close(ctx)
		}
	}

	// A WASI command signals normal completion by calling proc_exit, which
	// surfaces here as a *sys.ExitError. Exit code 0 is success and falls
	// through to read the result the guest wrote; anything else is a trap.
	var exitErr *sys.ExitError
	if errors.As(runErr, &exitErr) && exitErr.ExitCode() == 0 {
		runErr = nil
	}

	if runErr != nil {
		if errors.As(runErr, &exitErr) || ctx.Err() != nil {
			return model.Result{
				Phase:   model.PhaseFailed,
				Message: trapMessage(runErr, stderr.String()),
			}, nil
		}
		return model.Result{}, wrapDispatch(dispatcher.KindInvocation, fmt.Errorf("invoke %s: %w", req.Image, runErr))
	}

	result, err := wd.Result()
	if err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindOutputProcessing, err)
	}

	result.Outputs.Artifacts, err = e.uploadOutputArtifacts(ctx, store, wd, req.Invocation.WorkflowName, result.Outputs.Artifacts)
	if err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindOutputProcessing, err)
	}

	return result, nil
}

// resolveModule returns the module bytes for image, consulting the cache
// first and populating it on a miss.
func (e *Executor) resolveModule(ctx context.Context, image string) ([]byte, error) {
	if data, ok, err := e.cache.Get(ctx, image); err != nil {
		return nil, wrapDispatch(dispatcher.KindRetrieve, fmt.Errorf("read cache for %s: %w", image, err))
	} else if ok {
		return data, nil
	}

	data, err := e.fetcher.Fetch(ctx, image, e.insecureHosts)
	if err != nil {
		return nil, wrapDispatch(dispatcher.KindRetrieve, fmt.Errorf("fetch %s: %w", image, err))
	}

	if err := e.cache.Put(ctx, image, data); err != nil {
		return nil, wrapDispatch(dispatcher.KindRetrieve, fmt.Errorf("populate cache for %s: %w", image, err))
	}
	return data, nil
}

func (e *Executor) insecureHostSet() map[string]bool {
	set := make(map[string]bool, len(e.insecureHosts))
	for _, h := range e.insecureHosts {
		set[h] = true
	}
	return set
}

// stageInputArtifacts downloads every invocation artifact into the working
// directory before module start. If store is nil (no S3 bundle configured),
// artifacts are silently ignored, per spec.
func (e *Executor) stageInputArtifacts(ctx context.Context, store artifactstore.Store, wd *workdir.WorkingDir, artifacts []model.ArtifactRef) error {
	if store == nil {
		return nil
	}
	for _, a := range artifacts {
		if err := store.Download(ctx, a, wd.InputArtifactPath(a)); err != nil {
			return fmt.Errorf("download artifact %q: %w", a.Name, err)
		}
	}
	return nil
}

// uploadOutputArtifacts uploads every output artifact the module declared
// and returns the rewritten list with resolved S3 keys. If store is nil,
// the declared artifacts are returned unchanged (no upload attempted).
func (e *Executor) uploadOutputArtifacts(ctx context.Context, store artifactstore.Store, wd *workdir.WorkingDir, workflowName string, artifacts []model.ArtifactRef) ([]model.ArtifactRef, error) {
	if store == nil || len(artifacts) == 0 {
		return artifacts, nil
	}
	uploaded := make([]model.ArtifactRef, len(artifacts))
	for i, a := range artifacts {
		result, err := store.Upload(ctx, workflowName, a, wd.OutputArtifactPath(a))
		if err != nil {
			return nil, fmt.Errorf("upload artifact %q: %w", a.Name, err)
		}
		uploaded[i] = result
	}
	return uploaded, nil
}

func trapMessage(runErr error, stderr string) string {
	if stderr != "" {
		return stderr
	}
	return runErr.Error()
}

func wrapDispatch(kind dispatcher.ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &dispatcher.Error{Kind: kind, Err: err}
}
