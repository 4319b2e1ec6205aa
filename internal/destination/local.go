package destination

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"scrat-backup/internal/scratbackup"
)

// Local is a filesystem-rooted destination, used for local disks and
// mounted removable media. Writes are atomic: content lands in a
// sibling temp file first and is renamed into place, the same idiom the
// teacher's vault uses for its content-addressed writes.
type Local struct {
	root string
}

// NewLocal returns a destination rooted at root. root need not exist yet;
// Connect creates it.
func NewLocal(root string) *Local {
	return &Local{root: root}
}

var _ Interface = (*Local)(nil)

func (l *Local) Connect(ctx context.Context) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return scratbackup.Destination("local.connect", err)
	}
	return nil
}

func (l *Local) Disconnect() error { return nil }

func (l *Local) resolve(remotePath string) string {
	return filepath.Join(l.root, filepath.FromSlash(remotePath))
}

func (l *Local) PutStream(ctx context.Context, remotePath string, r io.Reader, progress ProgressFunc) (int64, error) {
	dest := l.resolve(remotePath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, scratbackup.Destination("local.put_stream", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".scrat-upload-*")
	if err != nil {
		return 0, scratbackup.Destination("local.put_stream", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	n, err := copyWithProgress(tmp, r, progress)
	if err != nil {
		return n, scratbackup.TransientIO("local.put_stream", err)
	}
	if err := tmp.Close(); err != nil {
		return n, scratbackup.Destination("local.put_stream", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return n, scratbackup.Destination("local.put_stream", err)
	}
	return n, nil
}

func (l *Local) GetStream(ctx context.Context, remotePath string, w io.Writer, progress ProgressFunc) error {
	f, err := os.Open(l.resolve(remotePath))
	if err != nil {
		return scratbackup.Destination("local.get_stream", err)
	}
	defer f.Close()
	if _, err := copyWithProgress(w, f, progress); err != nil {
		return scratbackup.TransientIO("local.get_stream", err)
	}
	return nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]Entry, error) {
	dir := l.resolve(prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, scratbackup.Destination("local.list", err)
	}
	result := make([]Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, scratbackup.Destination("local.list", err)
		}
		result = append(result, Entry{Name: e.Name(), Size: info.Size(), IsDir: e.IsDir()})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (l *Local) Delete(ctx context.Context, remotePath string) error {
	if err := os.Remove(l.resolve(remotePath)); err != nil && !os.IsNotExist(err) {
		return scratbackup.Destination("local.delete", err)
	}
	return nil
}

func (l *Local) DeleteTree(ctx context.Context, remotePrefix string) error {
	if err := os.RemoveAll(l.resolve(remotePrefix)); err != nil {
		return scratbackup.Destination("local.delete_tree", err)
	}
	return nil
}

func (l *Local) StatPath(ctx context.Context, remotePath string) (Stat, error) {
	info, err := os.Stat(l.resolve(remotePath))
	if err != nil {
		if os.IsNotExist(err) {
			return Stat{Exists: false}, nil
		}
		return Stat{}, scratbackup.Destination("local.stat", err)
	}
	return Stat{Exists: true, Size: info.Size()}, nil
}

func (l *Local) FreeSpace(ctx context.Context) (*int64, error) {
	return statfsFreeBytes(l.root)
}

func (l *Local) Test(ctx context.Context) error {
	const probe = ".scrat-backup-test-probe"
	if _, err := l.PutStream(ctx, probe, strings.NewReader("ok"), nil); err != nil {
		return err
	}
	return l.Delete(ctx, probe)
}

func (l *Local) Staged() bool { return false }

func copyWithProgress(dst io.Writer, src io.Reader, progress ProgressFunc) (int64, error) {
	if progress == nil {
		return io.Copy(dst, src)
	}
	var total int64
	buf := make([]byte, 1<<20)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			progress(total)
			if werr != nil {
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// JoinRemote builds a forward-slash remote path from parts, used by all
// backends and by the engine when addressing
// scrat-backup/backups/<backup_id>/....
func JoinRemote(parts ...string) string {
	return strings.Join(parts, "/")
}
