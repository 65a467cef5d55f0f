// Package ssh provides the SSH transport behind the remote execution
// provider: command execution over SSH sessions and file transfer over
// SFTP, against targets declared in a YAML inventory.
package ssh

import (
	"context"
	"time"
)

// Transport is the connection a remote target is driven through.
type Transport interface {
	// Connect establishes the SSH connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases its resources.
	Disconnect() error

	// IsConnected reports whether the transport holds a live connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still responsive.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs a command on the target. A non-zero exit status
	// is reported in the result, not as an error; errors are reserved for
	// transport failures.
	ExecuteCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error)

	// UploadFile copies a local file to the target over SFTP. A non-zero
	// mode is applied to the uploaded file.
	UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error

	// DownloadFile copies a file from the target over SFTP.
	DownloadFile(ctx context.Context, remotePath, localPath string) error

	// ComputeChecksum returns the SHA256 checksum of a remote file.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	// ConnectionInfo describes the current connection.
	ConnectionInfo() ConnectionInfo
}

// ExecOptions shapes one command execution.
type ExecOptions struct {
	// Sudo runs the command under sudo.
	Sudo bool

	// SudoPassword is fed to sudo's stdin; empty assumes NOPASSWD.
	SudoPassword string

	// Timeout bounds the execution; zero falls back to the target's
	// command timeout.
	Timeout time.Duration
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	// Stdout is the command's standard output, trailing whitespace trimmed.
	Stdout string `json:"stdout"`

	// Stderr is the command's standard error, trailing whitespace trimmed.
	Stderr string `json:"stderr"`

	// ExitCode is the command's exit status.
	ExitCode int `json:"exit_code"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration"`
}

// ConnectionInfo describes an established connection.
type ConnectionInfo struct {
	// Host is the target hostname or address.
	Host string

	// Port is the SSH port.
	Port int

	// User is the authenticated user.
	User string

	// ConnectedAt is when the connection was established.
	ConnectedAt time.Time

	// LastActivity is when the connection last carried traffic.
	LastActivity time.Time
}

// TransportError classifies a transport failure.
type TransportError struct {
	// Op is the operation that failed, e.g. "connect" or "upload".
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary marks failures worth retrying.
	IsTemporary bool

	// IsAuthError marks authentication and host-key failures.
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
