package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/sandboxd/internal/config"
	"github.com/oriys/sandboxd/internal/controlplane"
	"github.com/oriys/sandboxd/internal/executor"
	"github.com/oriys/sandboxd/internal/ipregistry"
	"github.com/oriys/sandboxd/internal/logging"
	"github.com/oriys/sandboxd/internal/metrics"
	"github.com/oriys/sandboxd/internal/netnspool"
	"github.com/oriys/sandboxd/internal/observability"
	"github.com/oriys/sandboxd/internal/reaper"
	"github.com/oriys/sandboxd/internal/runnererr"
	"github.com/oriys/sandboxd/internal/runnerloop"
)

// version is set via -ldflags at release build time; left as "dev" for
// local builds, matching the teacher's cmd/nova version handling.
var version = "dev"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "sandboxd",
		Short: "sandboxd runs sandboxed AI-agent jobs in Firecracker microVMs",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to runner.yaml (optional, env vars still apply)")

	rootCmd.AddCommand(runCmd(), doctorCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.RunnerConfig, error) {
	var cfg *config.RunnerConfig
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the poll-claim-execute loop until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := checkPrerequisites(cfg); err != nil {
				return fmt.Errorf("%w: %v", runnererr.ErrNetwork, err)
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:        cfg.Observability.Tracing.Enabled,
				Exporter:       cfg.Observability.Tracing.Exporter,
				Endpoint:       cfg.Observability.Tracing.Endpoint,
				ServiceName:    cfg.Observability.Tracing.ServiceName,
				ServiceVersion: version,
				SampleRate:     cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace)
			}

			ipRegPath := filepath.Join(cfg.Runtime.Dir, "ip-registry.json")
			if ipReg, err := ipregistry.Open(ipRegPath); err != nil {
				logging.Op().Warn("startup reap skipped: ip registry unreadable", "path", ipRegPath, "error", err)
			} else if _, err := reaper.Run(ipReg); err != nil {
				logging.Op().Warn("startup reap failed", "error", err)
			}

			pool, err := netnspool.New(netnspool.Config{
				RunnerName:   cfg.Name,
				Prefix:       cfg.Runtime.RunnerPrefix,
				Size:         cfg.Sandbox.MaxConcurrent,
				ProxyPort:    cfg.Sandbox.ProxyPort,
				RegistryPath: filepath.Join(cfg.Runtime.Dir, "netns-registry.json"),
			})
			if err != nil {
				return fmt.Errorf("init netns pool: %w", err)
			}
			defer pool.Cleanup()

			cp := controlplane.New(cfg.Server.BaseURL, cfg.Server.SandboxToken)

			exec := executor.New(pool, executor.Config{
				RunnerCWD:      cfg.Sandbox.WorkspaceDir,
				VCPU:           cfg.Sandbox.VCPU,
				MemoryMB:       cfg.Sandbox.MemoryMB,
				FirecrackerBin: cfg.Firecracker.Binary,
				KernelPath:     cfg.Firecracker.KernelPath,
				RootfsPath:     cfg.Firecracker.RootfsPath,
				SnapshotPath:   snapshotFilePath(cfg.Firecracker.SnapshotDir),
				MemFilePath:    memFilePath(cfg.Firecracker.SnapshotDir),
				LogLevel:       cfg.Firecracker.LogLevel,
				BootTimeout:    cfg.Sandbox.BootTimeout,
				AgentTimeout:   cfg.Sandbox.AgentTimeout,
			})

			loop := runnerloop.New(cfg, cp, exec, pool)

			var metricsServer *http.Server
			if cfg.Observability.Metrics.Enabled {
				metricsServer = startMetricsServer(cfg.Observability.Metrics.Addr)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					metricsServer.Shutdown(shutdownCtx)
				}()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logging.Op().Info("sandboxd runner started", "name", cfg.Name, "group", cfg.Group, "version", version)
			return loop.Run(ctx)
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites, reap orphaned VMs and stale ip-registry entries, and print registry/image status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("sandboxd doctor")
			fmt.Println("===============")

			if err := checkPrerequisites(cfg); err != nil {
				fmt.Printf("network prerequisites: FAIL (%v)\n", err)
			} else {
				fmt.Println("network prerequisites: OK")
			}

			ipRegPath := filepath.Join(cfg.Runtime.Dir, "ip-registry.json")
			ipReg, err := ipregistry.Open(ipRegPath)
			if err != nil {
				fmt.Printf("ip registry (%s): unreadable (%v)\n", ipRegPath, err)
			} else {
				result, err := reaper.Run(ipReg)
				if err != nil {
					fmt.Printf("ip registry reap: error (%v)\n", err)
				} else {
					fmt.Printf("ip registry: %d orphaned process(es) killed, %d tap(s) reclaimed\n",
						len(result.KilledOrphanPIDs), len(result.DeletedTaps))
				}
			}

			fmt.Printf("netns registry: %s\n", filepath.Join(cfg.Runtime.Dir, "netns-registry.json"))
			fmt.Printf("firecracker binary: %s\n", describeExists(cfg.Firecracker.Binary))
			fmt.Printf("kernel image: %s\n", describeExists(cfg.Firecracker.KernelPath))
			fmt.Printf("rootfs image: %s\n", describeExists(cfg.Firecracker.RootfsPath))
			if cfg.Firecracker.SnapshotDir != "" {
				fmt.Printf("snapshot: %s\n", describeExists(snapshotFilePath(cfg.Firecracker.SnapshotDir)))
			} else {
				fmt.Println("snapshot: disabled (cold boot only)")
			}

			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runner version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

// checkPrerequisites validates the host has what RunnerLoop step 2
// requires before it will attempt to boot any VM (spec §4.9 step 2).
func checkPrerequisites(cfg *config.RunnerConfig) error {
	for _, bin := range []string{"ip", "iptables"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q: %w", bin, err)
		}
	}
	if _, err := os.Stat(cfg.Firecracker.Binary); err != nil {
		return fmt.Errorf("firecracker binary: %w", err)
	}
	if _, err := os.Stat(cfg.Firecracker.KernelPath); err != nil {
		return fmt.Errorf("kernel image: %w", err)
	}
	if _, err := os.Stat(cfg.Firecracker.RootfsPath); err != nil {
		return fmt.Errorf("rootfs image: %w", err)
	}
	if err := os.MkdirAll(cfg.Runtime.Dir, 0o755); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}
	return nil
}

func describeExists(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path + " (missing)"
	}
	return path + " (present)"
}

func snapshotFilePath(snapshotDir string) string {
	if snapshotDir == "" {
		return ""
	}
	return filepath.Join(snapshotDir, "snapshot.snap")
}

func memFilePath(snapshotDir string) string {
	if snapshotDir == "" {
		return ""
	}
	return filepath.Join(snapshotDir, "snapshot.mem")
}

// startMetricsServer exposes the JSON metrics snapshot and, if enabled,
// the Prometheus exposition endpoint, plus a liveness check. Grounded on
// the teacher's daemon command's startHTTPServer for the admin-endpoint
// shape (GET /health, ServeMux-based routing).
func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", observability.TracingHandler("admin.healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	mux.Handle("GET /metrics.json", observability.TracingHandler("admin.metrics_json", metrics.Global().JSONHandler().ServeHTTP))
	mux.Handle("GET /metrics", observability.TracingHandler("admin.metrics", metrics.Handler().ServeHTTP))

	srv := &http.Server{Addr: addr, Handler: observability.HTTPMiddleware(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
