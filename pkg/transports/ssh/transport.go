// Package ssh provides the SSH transport the VM-fleet target uses to push
// gateway configuration and read logs on its compute units.
package ssh

import (
	"context"
	"os"
	"time"
)

// Transport is the remote surface consumed by targets.
type Transport interface {
	// Connect establishes the connection. Connecting an already connected
	// transport is a no-op.
	Connect(ctx context.Context) error

	// Close releases the connection.
	Close() error

	IsConnected() bool

	// Run executes cmd and returns its output. A non-zero exit status is
	// reported as an error alongside the populated result.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// RunSudo executes cmd through sudo. An empty password requires NOPASSWD.
	RunSudo(ctx context.Context, cmd string, password string) (*ExecResult, error)

	// Upload writes data to remotePath atomically, creating parent directories.
	Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error

	// ReadFile returns the contents of remotePath.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
