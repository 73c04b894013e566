// Package executor orchestrates a single job end to end (spec §4.6):
// acquire a namespace, boot a VM, stage the guest, run the agent, and tear
// everything down. Run is the only entry point the runner loop calls.
//
// # Pipeline
//
// State machine: AcquireNetns → CreateVM → Boot → Ready → StageGuest →
// RunAgent → Complete | Timeout | Error, with Cleanup on every exit.
//
// # Failure behaviour
//
// Run reports the error of the first pipeline step that failed. Cleanup
// (VM kill, namespace release) runs on every exit but reports no errors of
// its own: vm.Kill and Pool.Release return none.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/sandboxd/internal/controlplane"
	"github.com/oriys/sandboxd/internal/logging"
	"github.com/oriys/sandboxd/internal/metrics"
	"github.com/oriys/sandboxd/internal/netnspool"
	"github.com/oriys/sandboxd/internal/observability"
	"github.com/oriys/sandboxd/internal/runnererr"
	"github.com/oriys/sandboxd/internal/vm"
)

// nameservers are written into the guest's resolv.conf, overwriting
// whatever systemd-resolved left there at boot (spec §4.6 step 5).
var nameservers = []string{"1.1.1.1", "8.8.8.8", "9.9.9.9"}

const (
	sentinelPath = "/tmp/sandboxd-agent.exitcode"
	logPath      = "/tmp/sandboxd-agent.log"
	envPath      = "/tmp/sandboxd-agent-env.json"
	manifestPath = "/tmp/sandboxd-storage-manifest.json"
	scriptDir    = "/tmp/sandboxd-scripts"

	sentinelPollInterval = 2 * time.Second
)

// Config is the static, runner-wide part of VM configuration (derived
// from config.RunnerConfig) that every job's VM shares.
type Config struct {
	RunnerCWD      string
	VCPU           int
	MemoryMB       int
	FirecrackerBin string
	KernelPath     string
	RootfsPath     string
	SnapshotPath   string
	MemFilePath    string
	LogLevel       string

	BootTimeout  time.Duration
	AgentTimeout time.Duration
}

// Executor runs a job's full VM lifecycle. A RunnerLoop shares one
// Executor across all in-flight jobs; Run may be called concurrently and
// keeps every piece of per-job state local to the call.
type Executor struct {
	pool *netnspool.Pool
	cfg  Config
}

// New builds an Executor bound to pool and cfg.
func New(pool *netnspool.Pool, cfg Config) *Executor {
	return &Executor{pool: pool, cfg: cfg}
}

// Run executes one job to completion and always cleans up its VM and
// namespace, regardless of outcome.
func (e *Executor) Run(ctx context.Context, execCtx *controlplane.ExecutionContext) (exitCode int, err error) {
	vmID := deriveVMID(execCtx.RunID)

	ctx, jobSpan := observability.StartSpan(ctx, "run.execute",
		observability.AttrRunID.String(execCtx.RunID),
		observability.AttrVMID.String(vmID),
		observability.AttrCliAgentType.String(execCtx.CliAgentType),
	)
	defer jobSpan.End()

	_, nsSpan := observability.StartSpan(ctx, "netns.acquire")
	ns, err := e.pool.Acquire()
	nsSpan.End()
	if err != nil {
		observability.SetSpanError(jobSpan, err)
		return 1, fmt.Errorf("acquire namespace: %w", err)
	}
	defer e.pool.Release(ns)

	snapshotHit := e.cfg.SnapshotPath != "" && e.cfg.MemFilePath != ""

	v, err := vm.New(e.cfg.RunnerCWD, vmID, vm.Config{
		VCPU:           e.cfg.VCPU,
		MemoryMB:       e.cfg.MemoryMB,
		FirecrackerBin: e.cfg.FirecrackerBin,
		KernelPath:     e.cfg.KernelPath,
		RootfsPath:     e.cfg.RootfsPath,
		SnapshotPath:   e.cfg.SnapshotPath,
		MemFilePath:    e.cfg.MemFilePath,
		LogLevel:       e.cfg.LogLevel,
		BootTimeout:    e.cfg.BootTimeout,
	}, ns)
	if err != nil {
		observability.SetSpanError(jobSpan, err)
		return 1, fmt.Errorf("create vm: %w", err)
	}
	metrics.Global().RecordVMCreated()

	start := time.Now()
	defer func() {
		v.Kill(5 * time.Second)
		if exitCode == 0 {
			metrics.Global().RecordVMStopped()
		} else {
			metrics.Global().RecordVMCrashed()
		}
		metrics.Global().RecordJobCompletion(time.Since(start).Milliseconds(), exitCode == 0 && err == nil)
		logging.OpWithRun(execCtx.RunID, vmID).Info("executor: job finished",
			"exit_code", exitCode, "duration_ms", time.Since(start).Milliseconds())
	}()

	bootCtx, bootSpan := observability.StartSpan(ctx, "vm.boot",
		observability.AttrSnapshotHit.Bool(snapshotHit))
	bootCtx, cancel := context.WithTimeout(bootCtx, e.cfg.BootTimeout)
	defer cancel()

	if err := v.Start(bootCtx); err != nil {
		bootSpan.End()
		observability.SetSpanError(jobSpan, err)
		return 1, fmt.Errorf("start vm: %w", err)
	}
	if err := v.WaitReady(bootCtx, e.cfg.BootTimeout); err != nil {
		bootSpan.End()
		observability.SetSpanError(jobSpan, err)
		return 1, fmt.Errorf("wait ready: %w", err)
	}
	bootSpan.End()
	metrics.Global().RecordBootTime(time.Since(start).Milliseconds())
	if snapshotHit {
		metrics.Global().RecordSnapshotHit()
	}

	_, connectSpan := observability.StartSpan(ctx, "vm.guest_connect")
	guest := v.Guest()
	connectSpan.End()

	if err := configureDNS(ctx, guest); err != nil {
		observability.SetSpanError(jobSpan, err)
		return 1, fmt.Errorf("configure dns: %w", err)
	}

	if err := stageScriptBundle(ctx, guest); err != nil {
		observability.SetSpanError(jobSpan, err)
		return 1, fmt.Errorf("stage scripts: %w", err)
	}

	if execCtx.StorageManifest != nil {
		if err := downloadStorages(ctx, guest, execCtx.StorageManifest); err != nil {
			wrapped := fmt.Errorf("%w: %v", runnererr.ErrStorageDownload, err)
			observability.SetSpanError(jobSpan, wrapped)
			return 1, wrapped
		}
	}

	if execCtx.ResumeSession != "" {
		if err := restoreResumeSession(ctx, guest, execCtx); err != nil {
			logging.OpWithRun(execCtx.RunID, vmID).Warn("executor: resume session restore failed", "error", err)
		}
	}

	if err := writeAgentEnv(ctx, guest, execCtx); err != nil {
		observability.SetSpanError(jobSpan, err)
		return 1, fmt.Errorf("write agent env: %w", err)
	}

	agentCtx, execSpan := observability.StartSpan(ctx, "vm.exec")
	if err := launchAgent(agentCtx, guest, execCtx); err != nil {
		execSpan.End()
		observability.SetSpanError(jobSpan, err)
		return 1, fmt.Errorf("launch agent: %w", err)
	}

	code, err := pollSentinel(agentCtx, guest, e.cfg.AgentTimeout)
	execSpan.SetAttributes(observability.AttrExitCode.Int(code))
	execSpan.End()
	if err != nil {
		observability.SetSpanError(jobSpan, err)
		return 1, err
	}

	tail, _ := guest.ExecOrThrow(ctx, fmt.Sprintf("tail -c 4096 %s", logPath), 10*time.Second)
	if tail != "" {
		logging.OpWithRun(execCtx.RunID, vmID).Debug("executor: agent log tail", "tail", tail)
	}

	observability.SetSpanOK(jobSpan)
	return code, nil
}

// deriveVMID takes the first UUID segment of runID, per spec §3's VmId
// definition.
func deriveVMID(runID string) string {
	id := runID
	if idx := strings.IndexByte(runID, '-'); idx >= 0 {
		id = runID[:idx]
	}
	id = strings.ToLower(id)
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

func configureDNS(ctx context.Context, guest guestClient) error {
	content := "nameserver " + strings.Join(nameservers, "\nnameserver ") + "\n"
	return guest.WriteFileWithSudo(ctx, "/etc/resolv.conf", []byte(content))
}

func stageScriptBundle(ctx context.Context, guest guestClient) error {
	files, err := scriptBundle()
	if err != nil {
		return err
	}

	if err := guest.Mkdir(ctx, scriptDir); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range files {
		f := f
		g.Go(func() error {
			path := scriptDir + "/" + f.name
			if err := guest.WriteFile(gctx, path, f.content); err != nil {
				return fmt.Errorf("upload %s: %w", f.name, err)
			}
			if f.executable {
				if _, err := guest.ExecOrThrow(gctx, "chmod +x "+path, 5*time.Second); err != nil {
					return fmt.Errorf("chmod %s: %w", f.name, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func downloadStorages(ctx context.Context, guest guestClient, manifest *controlplane.StorageManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := guest.WriteFile(ctx, manifestPath, data); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	_, err = guest.ExecOrThrow(ctx, fmt.Sprintf("%s/download-storages.sh %s", scriptDir, manifestPath), 30*time.Minute)
	return err
}

// restoreResumeSession reconstructs the per-project session history path
// for Claude-style providers; other providers defer entirely to the
// in-guest checkpoint script, which reads resumeSession from the agent
// env file itself.
func restoreResumeSession(ctx context.Context, guest guestClient, execCtx *controlplane.ExecutionContext) error {
	if !strings.HasPrefix(execCtx.CliAgentType, "claude") {
		return nil
	}
	projectDir := "/root/.claude/projects/" + sanitizeProjectName(execCtx.WorkingDir)
	if err := guest.Mkdir(ctx, projectDir); err != nil {
		return err
	}
	return guest.WriteFile(ctx, projectDir+"/"+execCtx.ResumeSession+".jsonl", nil)
}

func sanitizeProjectName(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "-")
}

// writeAgentEnv writes the job's environment as a JSON file in the guest,
// per spec §4.6 step 9: this sidesteps shell-escaping problems that plain
// `export` statements would hit with arbitrary secret/prompt content.
func writeAgentEnv(ctx context.Context, guest guestClient, execCtx *controlplane.ExecutionContext) error {
	env := map[string]string{}
	for k, v := range execCtx.Environment {
		env[k] = v
	}
	for k, v := range execCtx.Vars {
		env[k] = v
	}
	for k, v := range execCtx.SecretValues {
		env[k] = v
	}
	env["AGENT_CMD"] = agentCommand(execCtx)
	env["SANDBOXD_PROMPT"] = execCtx.Prompt
	env["SANDBOXD_API_URL"] = execCtx.ApiURL
	env["SANDBOXD_WORKING_DIR"] = execCtx.WorkingDir
	if execCtx.ResumeSession != "" {
		env["SANDBOXD_RESUME_SESSION"] = execCtx.ResumeSession
	}

	// Thread the run's trace context into the guest so agent-side logs can
	// be correlated back to this job's run.execute span, even though the
	// guest has no vsock-level tracing of its own.
	tc := observability.ExtractTraceContext(ctx)
	if tc.TraceParent != "" {
		env["SANDBOXD_TRACEPARENT"] = tc.TraceParent
		if tc.TraceState != "" {
			env["SANDBOXD_TRACESTATE"] = tc.TraceState
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	return guest.WriteFile(ctx, envPath, data)
}

// agentCommand maps the requested CLI agent type to its guest-side
// invocation. The actual agent binaries are external collaborators; this
// only names how to invoke whichever one the base image ships.
func agentCommand(execCtx *controlplane.ExecutionContext) string {
	switch execCtx.CliAgentType {
	case "codex":
		return "codex exec --json"
	default:
		return "claude --dangerously-skip-permissions -p"
	}
}

func launchAgent(ctx context.Context, guest guestClient, execCtx *controlplane.ExecutionContext) error {
	_, _ = guest.Exec(ctx, fmt.Sprintf("rm -f %s", sentinelPath), 5*time.Second)

	launch := fmt.Sprintf("nohup %s/run-agent.sh %s %s %s %s >/dev/null 2>&1 & disown",
		scriptDir, envPath, shellQuoteWorkdir(execCtx.WorkingDir), sentinelPath, logPath)
	_, err := guest.ExecOrThrow(ctx, launch, 10*time.Second)
	return err
}

func shellQuoteWorkdir(dir string) string {
	if dir == "" {
		return "/root"
	}
	return dir
}

// pollSentinel waits for the sentinel exit-code file to appear, bounded by
// ceiling (spec §4.6 step 10's hard 24h ceiling).
func pollSentinel(ctx context.Context, guest guestClient, ceiling time.Duration) (int, error) {
	deadline := time.Now().Add(ceiling)
	ticker := time.NewTicker(sentinelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 1, ctx.Err()
		case <-ticker.C:
			exists, err := guest.Exists(ctx, sentinelPath)
			if err != nil {
				return 1, err
			}
			if exists {
				contents, err := guest.ReadFile(ctx, sentinelPath)
				if err != nil {
					return 1, err
				}
				return parseExitCode(string(contents)), nil
			}
			if time.Now().After(deadline) {
				return 1, fmt.Errorf("agent did not complete within %s", ceiling)
			}
		}
	}
}

func parseExitCode(s string) int {
	s = strings.TrimSpace(s)
	var code int
	if _, err := fmt.Sscanf(s, "%d", &code); err != nil {
		return 1
	}
	return code
}
