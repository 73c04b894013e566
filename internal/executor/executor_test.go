package executor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/oriys/sandboxd/internal/controlplane"
	"github.com/oriys/sandboxd/internal/vsockrpc"
)

// fakeGuest is an in-memory guestClient for pipeline-stage tests, so none
// of this package's tests need a live vsock connection.
type fakeGuest struct {
	files        map[string][]byte
	existsAnswer map[string]bool
	execErr      error
}

func newFakeGuest() *fakeGuest {
	return &fakeGuest{files: map[string][]byte{}, existsAnswer: map[string]bool{}}
}

func (f *fakeGuest) Exec(ctx context.Context, cmd string, timeout time.Duration) (*vsockrpc.ExecResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &vsockrpc.ExecResult{ExitCode: 0}, nil
}

func (f *fakeGuest) ExecOrThrow(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	return "", f.execErr
}

func (f *fakeGuest) Mkdir(ctx context.Context, path string) error { return f.execErr }

func (f *fakeGuest) Exists(ctx context.Context, path string) (bool, error) {
	return f.existsAnswer[path], nil
}

func (f *fakeGuest) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return f.files[path], nil
}

func (f *fakeGuest) WriteFile(ctx context.Context, path string, data []byte) error {
	f.files[path] = data
	return f.execErr
}

func (f *fakeGuest) WriteFileWithSudo(ctx context.Context, path string, data []byte) error {
	return f.WriteFile(ctx, path, data)
}

func TestDeriveVMIDTakesFirstUUIDSegment(t *testing.T) {
	got := deriveVMID("DEADBEEF-1234-5678-9abc-def012345678")
	if got != "deadbeef" {
		t.Fatalf("got %q, want deadbeef", got)
	}
}

func TestDeriveVMIDTruncatesNoHyphenCase(t *testing.T) {
	got := deriveVMID("abcdefabcdefabcdef")
	if got != "abcdefab" || len(got) != 8 {
		t.Fatalf("got %q", got)
	}
}

func TestAgentCommandMapsKnownProviders(t *testing.T) {
	if cmd := agentCommand(&controlplane.ExecutionContext{CliAgentType: "codex"}); !strings.HasPrefix(cmd, "codex") {
		t.Fatalf("got %q", cmd)
	}
	if cmd := agentCommand(&controlplane.ExecutionContext{CliAgentType: "claude"}); !strings.HasPrefix(cmd, "claude") {
		t.Fatalf("got %q", cmd)
	}
}

func TestWriteAgentEnvMergesAllSources(t *testing.T) {
	guest := newFakeGuest()
	execCtx := &controlplane.ExecutionContext{
		RunID:        "run-1",
		CliAgentType: "claude",
		Environment:  map[string]string{"FOO": "bar"},
		Vars:         map[string]string{"USER_VAR": "1"},
		SecretValues: map[string]string{"TOKEN": "shh"},
	}

	if err := writeAgentEnv(context.Background(), guest, execCtx); err != nil {
		t.Fatal(err)
	}

	var env map[string]string
	if err := json.Unmarshal(guest.files[envPath], &env); err != nil {
		t.Fatal(err)
	}
	if env["FOO"] != "bar" || env["USER_VAR"] != "1" || env["TOKEN"] != "shh" {
		t.Fatalf("unexpected env: %+v", env)
	}
	if !strings.HasPrefix(env["AGENT_CMD"], "claude") {
		t.Fatalf("unexpected agent cmd: %q", env["AGENT_CMD"])
	}
}

func TestSanitizeProjectName(t *testing.T) {
	if got := sanitizeProjectName("/home/agent/work"); got != "home-agent-work" {
		t.Fatalf("got %q", got)
	}
}

func TestParseExitCode(t *testing.T) {
	if got := parseExitCode(" 0 \n"); got != 0 {
		t.Fatalf("got %d", got)
	}
	if got := parseExitCode("7"); got != 7 {
		t.Fatalf("got %d", got)
	}
	if got := parseExitCode("not-a-number"); got != 1 {
		t.Fatalf("got %d, want fallback 1", got)
	}
}

func TestPollSentinelReturnsExitCodeOnceFilePresent(t *testing.T) {
	guest := newFakeGuest()
	guest.existsAnswer[sentinelPath] = true
	guest.files[sentinelPath] = []byte("3")

	code, err := pollSentinel(context.Background(), guest, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Fatalf("got %d, want 3", code)
	}
}

func TestScriptBundleContainsExpectedFiles(t *testing.T) {
	files, err := scriptBundle()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 bundle files, got %d", len(files))
	}
	for _, f := range files {
		if len(f.content) == 0 {
			t.Fatalf("file %s has no content", f.name)
		}
		if !f.executable {
			t.Fatalf("file %s should be executable", f.name)
		}
	}
}
