// Package config loads the runner's configuration: defaults, then an
// optional YAML file, then environment variable overrides, in that order.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig points at the control plane.
type ServerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	SandboxToken string        `yaml:"sandbox_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SandboxConfig holds per-VM sizing and the concurrency/polling knobs for
// the runner loop.
type SandboxConfig struct {
	VCPU            int           `yaml:"vcpu"`
	MemoryMB        int           `yaml:"memory_mb"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	PollIntervalMs  int           `yaml:"poll_interval_ms"`
	WorkspaceDir    string        `yaml:"workspace_dir"`
	BootTimeout     time.Duration `yaml:"boot_timeout"`
	AgentTimeout    time.Duration `yaml:"agent_timeout"` // ceiling for sentinel polling
	ProxyPort       int           `yaml:"proxy_port"`    // 0 disables PREROUTING REDIRECT
}

// FirecrackerConfig points at the binary and guest images.
type FirecrackerConfig struct {
	Binary      string `yaml:"binary"`
	KernelPath  string `yaml:"kernel_path"`
	RootfsPath  string `yaml:"rootfs_path"`
	SnapshotDir string `yaml:"snapshot_dir"` // non-empty ⇒ snapshot-restore boot path
	LogLevel    string `yaml:"log_level"`
}

// RuntimeConfig holds the process-wide runtime directories for registries
// and per-runner namespace bookkeeping.
type RuntimeConfig struct {
	Dir          string `yaml:"dir"` // holds ip-registry.json, netns-registry.json
	RunnerPrefix string `yaml:"runner_prefix"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// ObservabilityConfig groups the ambient-stack settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// RunnerConfig is the top-level configuration document, matching the shape
// from the component design: {name, group, server, sandbox, firecracker}.
type RunnerConfig struct {
	Name          string              `yaml:"name"`
	Group         string              `yaml:"group"`
	Server        ServerConfig        `yaml:"server"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Firecracker   FirecrackerConfig   `yaml:"firecracker"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a RunnerConfig with sensible defaults, mirroring the
// component defaults described in §4.9 and §5.
func DefaultConfig() *RunnerConfig {
	hostname, _ := os.Hostname()
	return &RunnerConfig{
		Name:  hostname,
		Group: "default",
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			VCPU:           2,
			MemoryMB:       2048,
			MaxConcurrent:  4,
			PollIntervalMs: 2000,
			WorkspaceDir:   "workspaces",
			BootTimeout:    120 * time.Second,
			AgentTimeout:   24 * time.Hour,
			ProxyPort:      0,
		},
		Firecracker: FirecrackerConfig{
			Binary:      "/usr/local/bin/firecracker",
			KernelPath:  "/opt/runner/kernel/vmlinux",
			RootfsPath:  "/opt/runner/rootfs/rootfs.ext4",
			SnapshotDir: "",
			LogLevel:    "Warning",
		},
		Runtime: RuntimeConfig{
			Dir:          "/var/lib/sandboxd",
			RunnerPrefix: "vm0",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "sandboxd",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Addr:      ":9090",
				Namespace: "sandboxd",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile overlays a YAML document on top of DefaultConfig.
func LoadFromFile(path string) (*RunnerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies RUNNER_* environment variable overrides, following the
// precedence order: defaults < file < env. No command-line flag overrides
// individual settings.
func LoadFromEnv(cfg *RunnerConfig) {
	if v := os.Getenv("RUNNER_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("RUNNER_GROUP"); v != "" {
		cfg.Group = v
	}
	if v := os.Getenv("RUNNER_SERVER_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("RUNNER_SANDBOX_TOKEN"); v != "" {
		cfg.Server.SandboxToken = v
	}
	if v := os.Getenv("RUNNER_SERVER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.Timeout = d
		}
	}

	if v := os.Getenv("RUNNER_VCPU"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.VCPU = n
		}
	}
	if v := os.Getenv("RUNNER_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.MemoryMB = n
		}
	}
	if v := os.Getenv("RUNNER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.MaxConcurrent = n
		}
	}
	if v := os.Getenv("RUNNER_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.PollIntervalMs = n
		}
	}
	if v := os.Getenv("RUNNER_WORKSPACE_DIR"); v != "" {
		cfg.Sandbox.WorkspaceDir = v
	}
	if v := os.Getenv("RUNNER_BOOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sandbox.BootTimeout = d
		}
	}
	if v := os.Getenv("RUNNER_PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.ProxyPort = n
		}
	}

	if v := os.Getenv("RUNNER_FIRECRACKER_BIN"); v != "" {
		cfg.Firecracker.Binary = v
	}
	if v := os.Getenv("RUNNER_KERNEL_PATH"); v != "" {
		cfg.Firecracker.KernelPath = v
	}
	if v := os.Getenv("RUNNER_ROOTFS_PATH"); v != "" {
		cfg.Firecracker.RootfsPath = v
	}
	if v := os.Getenv("RUNNER_SNAPSHOT_DIR"); v != "" {
		cfg.Firecracker.SnapshotDir = v
	}
	if v := os.Getenv("RUNNER_FC_LOG_LEVEL"); v != "" {
		cfg.Firecracker.LogLevel = v
	}

	if v := os.Getenv("RUNNER_RUNTIME_DIR"); v != "" {
		cfg.Runtime.Dir = v
	}

	if v := os.Getenv("RUNNER_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("RUNNER_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("RUNNER_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("RUNNER_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("RUNNER_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
	if v := os.Getenv("RUNNER_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("RUNNER_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
