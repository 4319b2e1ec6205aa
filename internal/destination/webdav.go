package destination

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/studio-b12/gowebdav"

	"scrat-backup/internal/scratbackup"
)

// WebDAVConfig holds the fields needed to reach a WebDAV destination.
type WebDAVConfig struct {
	URL      string
	User     string
	Password string
	Root     string
	// StagingDir is where uploads are assembled on local disk before
	// being pushed in one shot, per the staged-upload requirement for
	// WebDAV destinations.
	StagingDir string
}

// WebDAV is a destination backed by a WebDAV server. gowebdav has no
// true streaming PUT with progress, so uploads are staged to a local
// temp file first and pushed whole, matching the teacher's staging area
// idiom for backends that can't accept a live stream.
type WebDAV struct {
	cfg WebDAVConfig
	cl  *gowebdav.Client
}

func NewWebDAV(cfg WebDAVConfig) *WebDAV { return &WebDAV{cfg: cfg} }

var _ Interface = (*WebDAV)(nil)

func (w *WebDAV) Connect(ctx context.Context) error {
	if w.cl != nil {
		return nil
	}
	cl := gowebdav.NewClient(w.cfg.URL, w.cfg.User, w.cfg.Password)
	if err := cl.Connect(); err != nil {
		return scratbackup.Destination("webdav.connect", err)
	}
	if err := os.MkdirAll(w.cfg.StagingDir, 0o755); err != nil {
		return scratbackup.Destination("webdav.connect", err)
	}
	w.cl = cl
	return w.cl.MkdirAll(w.cfg.Root, 0o755)
}

func (w *WebDAV) Disconnect() error {
	w.cl = nil
	return nil
}

func (w *WebDAV) resolve(remotePath string) string {
	return path.Join(w.cfg.Root, remotePath)
}

func (w *WebDAV) PutStream(ctx context.Context, remotePath string, r io.Reader, progress ProgressFunc) (int64, error) {
	tmp, err := os.CreateTemp(w.cfg.StagingDir, ".scrat-webdav-*")
	if err != nil {
		return 0, scratbackup.Destination("webdav.put_stream", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := copyWithProgress(tmp, r, progress)
	tmp.Close()
	if err != nil {
		return n, scratbackup.TransientIO("webdav.put_stream", err)
	}

	staged, err := os.Open(tmpPath)
	if err != nil {
		return n, scratbackup.Destination("webdav.put_stream", err)
	}
	defer staged.Close()

	full := w.resolve(remotePath)
	if err := w.cl.MkdirAll(path.Dir(full), 0o755); err != nil {
		return n, scratbackup.Destination("webdav.put_stream", err)
	}
	if err := w.cl.WriteStream(full, staged, 0o644); err != nil {
		return n, scratbackup.Destination("webdav.put_stream", err)
	}
	return n, nil
}

func (w *WebDAV) GetStream(ctx context.Context, remotePath string, wr io.Writer, progress ProgressFunc) error {
	rc, err := w.cl.ReadStream(w.resolve(remotePath))
	if err != nil {
		return scratbackup.Destination("webdav.get_stream", err)
	}
	defer rc.Close()
	if _, err := copyWithProgress(wr, rc, progress); err != nil {
		return scratbackup.TransientIO("webdav.get_stream", err)
	}
	return nil
}

func (w *WebDAV) List(ctx context.Context, prefix string) ([]Entry, error) {
	infos, err := w.cl.ReadDir(w.resolve(prefix))
	if err != nil {
		return nil, scratbackup.Destination("webdav.list", err)
	}
	result := make([]Entry, 0, len(infos))
	for _, info := range infos {
		result = append(result, Entry{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir()})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (w *WebDAV) Delete(ctx context.Context, remotePath string) error {
	if err := w.cl.Remove(w.resolve(remotePath)); err != nil {
		return scratbackup.Destination("webdav.delete", err)
	}
	return nil
}

func (w *WebDAV) DeleteTree(ctx context.Context, remotePrefix string) error {
	if err := w.cl.RemoveAll(w.resolve(remotePrefix)); err != nil {
		return scratbackup.Destination("webdav.delete_tree", err)
	}
	return nil
}

func (w *WebDAV) StatPath(ctx context.Context, remotePath string) (Stat, error) {
	info, err := w.cl.Stat(w.resolve(remotePath))
	if err != nil {
		return Stat{Exists: false}, nil
	}
	return Stat{Exists: true, Size: info.Size()}, nil
}

// FreeSpace is unknown over WebDAV; RFC 4918 quota properties are rarely
// implemented by servers this destination targets.
func (w *WebDAV) FreeSpace(ctx context.Context) (*int64, error) {
	return nil, nil
}

func (w *WebDAV) Test(ctx context.Context) error {
	const probe = ".scrat-backup-test-probe"
	if _, err := w.PutStream(ctx, probe, strings.NewReader("ok"), nil); err != nil {
		return err
	}
	return w.Delete(ctx, probe)
}

func (w *WebDAV) Staged() bool { return true }
