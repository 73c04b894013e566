package runnerloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/sandboxd/internal/config"
	"github.com/oriys/sandboxd/internal/controlplane"
	"github.com/oriys/sandboxd/internal/runnererr"
)

var errBoom = errors.New("boom")

type fakeControlPlane struct {
	polls      int32
	claims     int32
	completes  int32
	jobs       []string // run IDs to hand out, one per successful Poll
	claimErr   error
	lastExit   int
	lastErrMsg string
}

func (f *fakeControlPlane) Poll(ctx context.Context, group string) (string, bool, error) {
	atomic.AddInt32(&f.polls, 1)
	if len(f.jobs) == 0 {
		return "", false, nil
	}
	id := f.jobs[0]
	f.jobs = f.jobs[1:]
	return id, true, nil
}

func (f *fakeControlPlane) Claim(ctx context.Context, runID string) (*controlplane.ExecutionContext, error) {
	atomic.AddInt32(&f.claims, 1)
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return &controlplane.ExecutionContext{RunID: runID}, nil
}

func (f *fakeControlPlane) Complete(ctx context.Context, runID string, exitCode int, errMsg string) error {
	atomic.AddInt32(&f.completes, 1)
	f.lastExit = exitCode
	f.lastErrMsg = errMsg
	return nil
}

type fakeExecutor struct {
	exitCode int
	err      error
	ran      int32
}

func (f *fakeExecutor) Run(ctx context.Context, execCtx *controlplane.ExecutionContext) (int, error) {
	atomic.AddInt32(&f.ran, 1)
	return f.exitCode, f.err
}

type fakePool struct{ size int }

func (f *fakePool) Size() int { return f.size }

func newTestLoop(cp controlPlane, exec jobExecutor, maxConcurrent int) *RunnerLoop {
	return &RunnerLoop{
		cfg: &config.RunnerConfig{
			Group:   "default",
			Server:  config.ServerConfig{Timeout: time.Second},
			Sandbox: config.SandboxConfig{MaxConcurrent: maxConcurrent, PollIntervalMs: 5},
		},
		cp:   cp,
		exec: exec,
		pool: &fakePool{size: 1},
		sem:  make(chan struct{}, maxConcurrent),
	}
}

func TestRunClaimsAndCompletesASingleJob(t *testing.T) {
	cp := &fakeControlPlane{jobs: []string{"run-1"}}
	exec := &fakeExecutor{exitCode: 0}
	loop := newTestLoop(cp, exec, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	if atomic.LoadInt32(&exec.ran) != 1 {
		t.Fatalf("expected executor to run once, ran %d times", exec.ran)
	}
	if atomic.LoadInt32(&cp.completes) != 1 {
		t.Fatalf("expected one Complete call, got %d", cp.completes)
	}
	if cp.lastExit != 0 || cp.lastErrMsg != "" {
		t.Fatalf("unexpected completion: exit=%d err=%q", cp.lastExit, cp.lastErrMsg)
	}
}

func TestRunReportsJobErrorOnComplete(t *testing.T) {
	cp := &fakeControlPlane{jobs: []string{"run-1"}}
	exec := &fakeExecutor{exitCode: 1, err: errBoom}
	loop := newTestLoop(cp, exec, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	if cp.lastErrMsg != errBoom.Error() {
		t.Fatalf("expected error message %q, got %q", errBoom.Error(), cp.lastErrMsg)
	}
}

func TestRunSkipsJobOnConflict(t *testing.T) {
	cp := &fakeControlPlane{jobs: []string{"run-1"}, claimErr: runnererr.ErrConflict}
	exec := &fakeExecutor{}
	loop := newTestLoop(cp, exec, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	if atomic.LoadInt32(&exec.ran) != 0 {
		t.Fatalf("expected executor never to run on conflict, ran %d times", exec.ran)
	}
	if atomic.LoadInt32(&cp.completes) != 0 {
		t.Fatalf("expected no Complete call on conflict")
	}
}

func TestRunWaitsForInFlightJobBeforeReturning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	cp := &fakeControlPlane{jobs: []string{"run-1"}}
	exec := &blockingExecutor{started: started, release: release}
	loop := newTestLoop(cp, exec, 1)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(runDone)
	}()

	<-started
	cancel()

	select {
	case <-runDone:
		t.Fatal("Run returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after in-flight job finished")
	}
}

type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingExecutor) Run(ctx context.Context, execCtx *controlplane.ExecutionContext) (int, error) {
	close(b.started)
	<-b.release
	return 0, nil
}

