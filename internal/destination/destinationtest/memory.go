// Package destinationtest provides an in-memory destination.Interface
// implementation for engine and scheduler tests, in the spirit of the
// teacher's MockFilesystemManager and MemoryVault test doubles.
package destinationtest

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"scrat-backup/internal/destination"
)

// Memory is an in-memory destination.Interface. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	objects  map[string][]byte
	Staged_  bool
	FreeBytes *int64

	FailConnect bool
	FailPut     bool
	FailGet     bool
}

func New() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

var _ destination.Interface = (*Memory)(nil)

func (m *Memory) Connect(ctx context.Context) error {
	if m.FailConnect {
		return errConnect
	}
	return nil
}

func (m *Memory) Disconnect() error { return nil }

func (m *Memory) PutStream(ctx context.Context, remotePath string, r io.Reader, progress destination.ProgressFunc) (int64, error) {
	if m.FailPut {
		return 0, errPut
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if progress != nil {
		progress(int64(len(buf)))
	}
	m.mu.Lock()
	m.objects[remotePath] = buf
	m.mu.Unlock()
	return int64(len(buf)), nil
}

func (m *Memory) GetStream(ctx context.Context, remotePath string, w io.Writer, progress destination.ProgressFunc) error {
	if m.FailGet {
		return errGet
	}
	m.mu.Lock()
	buf, ok := m.objects[remotePath]
	m.mu.Unlock()
	if !ok {
		return errNotFound
	}
	n, err := io.Copy(w, bytes.NewReader(buf))
	if progress != nil {
		progress(n)
	}
	return err
}

func (m *Memory) List(ctx context.Context, prefix string) ([]destination.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []destination.Entry
	seen := make(map[string]bool)
	for name, content := range m.objects {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(name, prefix), "/")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			dir := rest[:idx]
			if !seen[dir] {
				seen[dir] = true
				result = append(result, destination.Entry{Name: dir, IsDir: true})
			}
			continue
		}
		result = append(result, destination.Entry{Name: rest, Size: int64(len(content))})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *Memory) Delete(ctx context.Context, remotePath string) error {
	m.mu.Lock()
	delete(m.objects, remotePath)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteTree(ctx context.Context, remotePrefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.objects {
		if strings.HasPrefix(name, remotePrefix) {
			delete(m.objects, name)
		}
	}
	return nil
}

func (m *Memory) StatPath(ctx context.Context, remotePath string) (destination.Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[remotePath]
	if !ok {
		return destination.Stat{Exists: false}, nil
	}
	return destination.Stat{Exists: true, Size: int64(len(content))}, nil
}

func (m *Memory) FreeSpace(ctx context.Context) (*int64, error) {
	return m.FreeBytes, nil
}

func (m *Memory) Test(ctx context.Context) error { return nil }

func (m *Memory) Staged() bool { return m.Staged_ }

// Objects returns a copy of the stored object names, for assertions.
func (m *Memory) Objects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	errConnect  sentinelError = "destinationtest: connect failed"
	errPut      sentinelError = "destinationtest: put failed"
	errGet      sentinelError = "destinationtest: get failed"
	errNotFound sentinelError = "destinationtest: object not found"
)
