package executor

import (
	"context"
	"time"

	"github.com/oriys/sandboxd/internal/vsockrpc"
)

// guestClient is the subset of vsockrpc.GuestClient the executor drives.
// Staging it behind an interface keeps the pipeline steps unit-testable
// against a fake guest instead of a live vsock connection.
type guestClient interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (*vsockrpc.ExecResult, error)
	ExecOrThrow(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	Mkdir(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	WriteFileWithSudo(ctx context.Context, path string, data []byte) error
}
