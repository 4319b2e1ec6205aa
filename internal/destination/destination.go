// Package destination implements the uniform object-store interface
// (spec §4.1) over five backends: local, sftp, smb, webdav and a
// shelled-out multi-cloud mover.
package destination

import (
	"context"
	"io"
)

// ProgressFunc is called periodically during Put/Get with the number of
// bytes transferred so far.
type ProgressFunc func(bytesTransferred int64)

// Entry is one item returned by List.
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
}

// Stat is the result of a Stat call.
type Stat struct {
	Exists bool
	Size   int64
}

// Interface is the uniform object store contract every backend
// implements. Implementations are not assumed thread-safe; each backup
// or restore run owns its own instance and connection.
type Interface interface {
	// Connect establishes any session state needed by subsequent calls.
	// Idempotent.
	Connect(ctx context.Context) error
	// Disconnect tears down session state. Idempotent.
	Disconnect() error

	// PutStream creates or replaces remotePath, creating intermediate
	// directory levels as needed. It must consume r lazily and never
	// buffer the whole payload. Returns the number of bytes stored.
	PutStream(ctx context.Context, remotePath string, r io.Reader, progress ProgressFunc) (int64, error)
	// GetStream streams remotePath's content into w.
	GetStream(ctx context.Context, remotePath string, w io.Writer, progress ProgressFunc) error

	// List returns entries directly under prefix (not recursive).
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Delete removes a single object.
	Delete(ctx context.Context, remotePath string) error
	// DeleteTree removes every object under remotePrefix.
	DeleteTree(ctx context.Context, remotePrefix string) error
	// StatPath reports whether remotePath exists and its size.
	StatPath(ctx context.Context, remotePath string) (Stat, error)
	// FreeSpace reports bytes available at the destination root, or nil
	// when the backend cannot determine this.
	FreeSpace(ctx context.Context) (*int64, error)
	// Test round-trips a small object to verify reachability and write
	// permission.
	Test(ctx context.Context) error

	// Staged reports whether this backend stages each uploaded object in
	// a local temporary file before sending it (webdav, shelled_multi_cloud)
	// rather than writing to the remote as bytes arrive. The engine does
	// not consult it.
	Staged() bool
}
