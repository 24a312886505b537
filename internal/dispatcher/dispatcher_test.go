package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

type fakeExecutor struct {
	result  model.Result
	err     error
	delay   time.Duration
	inFlight *int32
}

func (f *fakeExecutor) Run(ctx context.Context, req ExecRequest) (model.Result, error) {
	if f.inFlight != nil {
		atomic.AddInt32(f.inFlight, 1)
		defer atomic.AddInt32(f.inFlight, -1)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func TestRunRoutesByMode(t *testing.T) {
	local := &fakeExecutor{result: model.Result{Phase: model.PhaseSucceeded, Message: "local"}}
	distributed := &fakeExecutor{result: model.Result{Phase: model.PhaseSucceeded, Message: "distributed"}}
	d := New(local, distributed, 4)

	r, err := d.Run(context.Background(), ModeLocal, ExecRequest{})
	require.NoError(t, err)
	assert.Equal(t, "local", r.Message)

	r, err = d.Run(context.Background(), ModeDistributed, ExecRequest{})
	require.NoError(t, err)
	assert.Equal(t, "distributed", r.Message)
}

func TestRunUnknownModeIsEnvironmentSetup(t *testing.T) {
	d := New(&fakeExecutor{}, &fakeExecutor{}, 4)
	_, err := d.Run(context.Background(), Mode("bogus"), ExecRequest{})
	require.Error(t, err)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, KindEnvironmentSetup, de.Kind)
}

func TestRunNilExecutorIsEnvironmentSetup(t *testing.T) {
	d := New(nil, &fakeExecutor{}, 4)
	_, err := d.Run(context.Background(), ModeLocal, ExecRequest{})
	require.Error(t, err)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, KindEnvironmentSetup, de.Kind)
}

func TestRunPreservesExecutorErrorKind(t *testing.T) {
	local := &fakeExecutor{err: &Error{Kind: KindTimeout, Err: errors.New("boom")}}
	d := New(local, nil, 4)
	_, err := d.Run(context.Background(), ModeLocal, ExecRequest{})
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, KindTimeout, de.Kind)
}

func TestRunWrapsUnclassifiedExecutorError(t *testing.T) {
	local := &fakeExecutor{err: errors.New("unclassified boom")}
	d := New(local, nil, 4)
	_, err := d.Run(context.Background(), ModeLocal, ExecRequest{})
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, KindInvocation, de.Kind)
}

// blockingExecutor holds each call open until release is closed, so a test
// can observe exactly how many calls are in flight at once.
type blockingExecutor struct {
	entered  chan struct{}
	release  chan struct{}
}

func (b *blockingExecutor) Run(ctx context.Context, req ExecRequest) (model.Result, error) {
	b.entered <- struct{}{}
	<-b.release
	return model.Result{Phase: model.PhaseSucceeded}, nil
}

func TestRunEnforcesConcurrencyLimit(t *testing.T) {
	local := &blockingExecutor{entered: make(chan struct{}, 3), release: make(chan struct{})}
	d := New(local, nil, 2)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Run(context.Background(), ModeLocal, ExecRequest{})
		}()
	}

	// Exactly two of the three should be able to enter before release.
	<-local.entered
	<-local.entered
	select {
	case <-local.entered:
		t.Fatal("third invocation entered before a slot freed up")
	case <-time.After(50 * time.Millisecond):
	}

	close(local.release)
	wg.Wait()
}

func TestRunCancellation(t *testing.T) {
	local := &fakeExecutor{delay: time.Second}
	d := New(local, nil, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Run(ctx, ModeLocal, ExecRequest{})
	require.Error(t, err)
}
