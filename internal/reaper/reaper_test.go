package reaper

import (
	"path/filepath"
	"testing"

	"github.com/oriys/sandboxd/internal/ipregistry"
)

func TestRunOnEmptyRegistryIsNoop(t *testing.T) {
	reg, err := ipregistry.Open(filepath.Join(t.TempDir(), "ip-registry.json"))
	if err != nil {
		t.Fatal(err)
	}

	result, err := Run(reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.DeletedTaps) != 0 {
		t.Fatalf("expected no taps deleted against an empty registry, got %v", result.DeletedTaps)
	}
}

func TestPidAliveRejectsInvalidPIDs(t *testing.T) {
	if pidAlive(0) || pidAlive(-1) {
		t.Fatal("pid <= 0 must never be reported alive")
	}
}
