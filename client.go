package disser

import (
	"context"
	"os"
)

// Client is an open connection to one target. A Client is owned by a
// single worker and is never shared.
type Client interface {
	// Put uploads a single file. With confirm set, the remote size is checked
	// after the upload. Transient I/O errors are retried up to retries times.
	Put(ctx context.Context, local, remote string, confirm bool, retries int) error
	// PutRecursive uploads a directory tree, preserving file modes.
	PutRecursive(ctx context.Context, localDir, remoteDir string, confirm bool, retries int) error
	// MkdirAll creates path and any missing parents. Existing directories are fine.
	MkdirAll(ctx context.Context, path string) error
	Chmod(ctx context.Context, path string, mode os.FileMode) error
	// Execute runs command remotely and returns its combined output lines.
	Execute(ctx context.Context, command string) ([]string, error)
	Close() error
}

// Dialer opens connections to targets. Errors should carry a
// ConnectionFailure or AuthFailure kind; unclassified errors are treated as
// ConnectionFailure.
type Dialer interface {
	Dial(ctx context.Context, target TargetServer) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target TargetServer) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, target TargetServer) (Client, error) {
	return f(ctx, target)
}
