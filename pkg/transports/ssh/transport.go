// Package ssh runs commands and manages files on remote hosts over SSH and
// SFTP.
package ssh

import (
	"context"
	"errors"
	"os"
	"time"
)

// Transport is the set of remote operations units need.
type Transport interface {
	// Connect establishes the connection. Connecting an already connected
	// transport verifies the connection and redials when it is dead.
	Connect(ctx context.Context) error

	// Close releases the connection.
	Close() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Run executes a shell command. A non-zero exit status is reported in
	// the result, not as an error.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// Stat describes a remote path. Missing paths return an error matching
	// os.ErrNotExist.
	Stat(ctx context.Context, path string) (os.FileInfo, error)

	// ReadFile reads a remote file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces a remote file, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error

	// Remove deletes a remote file.
	Remove(ctx context.Context, path string) error

	// Info returns information about the current connection.
	Info() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run", "write")
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

// Temporary reports whether retrying on a fresh connection may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a temporary transport error.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
