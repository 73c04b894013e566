// Package runnerloop implements the poll→claim→spawn-executor concurrency
// loop (spec §4.9): RunnerLoop repeatedly polls the control plane for work,
// claims what it finds, and runs each claimed job on its own goroutine,
// bounded by the configured concurrency ceiling. Grounded on the teacher's
// cmd/nova daemon command's signal-driven main loop — same sigCh/ticker
// select shape, generalized from a warm-pool maintenance loop into a
// poll-claim-spawn loop.
package runnerloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oriys/sandboxd/internal/config"
	"github.com/oriys/sandboxd/internal/controlplane"
	"github.com/oriys/sandboxd/internal/executor"
	"github.com/oriys/sandboxd/internal/logging"
	"github.com/oriys/sandboxd/internal/metrics"
	"github.com/oriys/sandboxd/internal/netnspool"
	"github.com/oriys/sandboxd/internal/runnererr"
)

// controlPlane is the subset of *controlplane.Client the loop needs,
// narrowed to an interface so tests can drive it with a fake instead of a
// live HTTP server.
type controlPlane interface {
	Poll(ctx context.Context, group string) (string, bool, error)
	Claim(ctx context.Context, runID string) (*controlplane.ExecutionContext, error)
	Complete(ctx context.Context, runID string, exitCode int, errMsg string) error
}

// jobExecutor is the subset of *executor.Executor the loop needs.
type jobExecutor interface {
	Run(ctx context.Context, execCtx *controlplane.ExecutionContext) (int, error)
}

// poolSizer is the subset of *netnspool.Pool the loop needs for its status
// gauge; kept narrow so the pool doesn't need a real kernel namespace pool
// behind it in tests.
type poolSizer interface {
	Size() int
}

// RunnerLoop owns the set of in-flight jobs (spec §4.5 "Ownership"):
// cancelling the loop's context stops polling, but in-flight jobs are
// awaited to completion rather than aborted.
type RunnerLoop struct {
	cfg  *config.RunnerConfig
	cp   controlPlane
	exec jobExecutor
	pool poolSizer

	// sem is a counting semaphore of size MaxConcurrent: a send blocks the
	// poll loop until a running job frees a slot, giving the "await
	// completion of any job, then re-evaluate" behaviour for free.
	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a RunnerLoop bound to cfg, the control-plane client, the
// executor, and the namespace pool it reports gauge stats from.
func New(cfg *config.RunnerConfig, cp *controlplane.Client, exec *executor.Executor, pool *netnspool.Pool) *RunnerLoop {
	return &RunnerLoop{
		cfg:  cfg,
		cp:   cp,
		exec: exec,
		pool: pool,
		sem:  make(chan struct{}, cfg.Sandbox.MaxConcurrent),
	}
}

// Run polls and dispatches jobs until ctx is cancelled, then waits for every
// already-dispatched job to finish before returning. Jobs are handed their
// own context, independent of ctx, so a shutdown signal never aborts a job
// mid-flight (spec §4.9 step 6, §5 "Cancellation and timeouts").
func (r *RunnerLoop) Run(ctx context.Context) error {
	pollInterval := time.Duration(r.cfg.Sandbox.PollIntervalMs) * time.Millisecond
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	logging.Op().Info("runner loop started", "group", r.cfg.Group, "max_concurrent", r.cfg.Sandbox.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("runner loop stopping, waiting for in-flight jobs", "in_flight", len(r.sem))
			r.wg.Wait()
			logging.Op().Info("runner loop stopped")
			return nil
		case <-statsTicker.C:
			r.reportGauges()
		case r.sem <- struct{}{}:
			if !r.pollAndDispatch(ctx) {
				<-r.sem
				r.sleep(ctx, pollInterval)
			}
		}
	}
}

// pollAndDispatch polls once and, on a claimed job, spawns its executor
// goroutine. It returns false if the semaphore slot it was given should be
// released immediately (no job found, or the claim failed).
func (r *RunnerLoop) pollAndDispatch(ctx context.Context) bool {
	runID, ok, err := r.cp.Poll(ctx, r.cfg.Group)
	metrics.Global().RecordJobPolled()
	if err != nil {
		logging.Op().Warn("poll failed", "error", err)
		return false
	}
	if !ok {
		return false
	}

	execCtx, err := r.cp.Claim(ctx, runID)
	if err != nil {
		if errors.Is(err, runnererr.ErrConflict) {
			metrics.Global().RecordJobConflict()
			logging.Op().Info("job already claimed by another runner", "run_id", runID)
		} else {
			logging.Op().Warn("claim failed", "run_id", runID, "error", err)
		}
		return false
	}
	metrics.Global().RecordJobClaimed()

	r.spawn(execCtx)
	return true
}

// spawn runs one job to completion on its own goroutine, reporting its
// outcome to the control plane and freeing its semaphore slot on exit.
func (r *RunnerLoop) spawn(execCtx *controlplane.ExecutionContext) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()

		jobCtx := context.Background()
		exitCode, err := r.exec.Run(jobCtx, execCtx)

		errMsg := ""
		if err != nil {
			errMsg = err.Error()
			logging.Op().Error("job failed", "run_id", execCtx.RunID, "error", err)
		}

		completeCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.Timeout)
		defer cancel()
		if cerr := r.cp.Complete(completeCtx, execCtx.RunID, exitCode, errMsg); cerr != nil {
			logging.Op().Error("complete call failed", "run_id", execCtx.RunID, "error", cerr)
		}
	}()
}

// sleep waits d or until ctx is cancelled, whichever comes first.
func (r *RunnerLoop) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (r *RunnerLoop) reportGauges() {
	free := r.pool.Size()
	metrics.Global().SetNetnsPoolSize(free)
	metrics.Global().SetNetnsInUse(len(r.sem))
	logging.Op().Debug("runner loop status", "netns_free", free, "jobs_in_flight", len(r.sem))
}
