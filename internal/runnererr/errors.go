// Package runnererr defines the sentinel error kinds shared across the
// runner's components. Callers wrap these with fmt.Errorf("...: %w", ...)
// rather than inventing ad-hoc error strings, so callers up the stack can
// branch on errors.Is.
package runnererr

import "errors"

var (
	ErrConfig              = errors.New("invalid configuration")
	ErrRegistryCorrupt     = errors.New("registry file corrupt")
	ErrNoFreeIP             = errors.New("no free ip in range")
	ErrNamespaceLimit       = errors.New("namespace limit reached for runner")
	ErrRunnerLimit          = errors.New("runner limit reached on host")
	ErrProcessSpawn         = errors.New("failed to spawn process")
	ErrGuestConnectTimeout  = errors.New("guest connection timeout")
	ErrRequestTimeout       = errors.New("vsock request timeout")
	ErrProtocol             = errors.New("vsock protocol error")
	ErrCommandFailed        = errors.New("guest command failed")
	ErrReadFailed           = errors.New("guest file read failed")
	ErrStorageDownload      = errors.New("storage download failed")
	ErrConflict             = errors.New("job already claimed")
	ErrNetwork              = errors.New("network prerequisite missing")
	ErrFatal                = errors.New("fatal runner error")
	ErrConnectionClosed     = errors.New("vsock connection closed")
)
