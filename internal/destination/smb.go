package destination

import (
	"context"
	"io"
	"net"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"

	"scrat-backup/internal/scratbackup"
)

// SMBConfig holds the fields needed to reach a SMB/CIFS share.
type SMBConfig struct {
	Host     string
	Port     int
	Share    string
	Domain   string
	User     string
	Password string
	Root     string
}

// SMB is a destination backed by a mounted SMB/CIFS share, reached
// directly over the wire rather than through the OS's mount layer.
type SMB struct {
	cfg  SMBConfig
	conn net.Conn
	sess *smb2.Session
	fs   *smb2.Share
}

func NewSMB(cfg SMBConfig) *SMB { return &SMB{cfg: cfg} }

var _ Interface = (*SMB)(nil)

func (s *SMB) Connect(ctx context.Context) error {
	if s.fs != nil {
		return nil
	}
	addr := net.JoinHostPort(s.cfg.Host, portOrDefault(s.cfg.Port, 445))
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return scratbackup.Destination("smb.connect", err)
	}
	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     s.cfg.User,
			Password: s.cfg.Password,
			Domain:   s.cfg.Domain,
		},
	}
	sess, err := d.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return scratbackup.Destination("smb.connect", err)
	}
	fs, err := sess.Mount(s.cfg.Share)
	if err != nil {
		sess.Logoff()
		conn.Close()
		return scratbackup.Destination("smb.connect", err)
	}
	s.conn = conn
	s.sess = sess
	s.fs = fs
	return fs.MkdirAll(s.cfg.Root, 0o755)
}

func (s *SMB) Disconnect() error {
	if s.fs != nil {
		s.fs.Umount()
		s.fs = nil
	}
	if s.sess != nil {
		s.sess.Logoff()
		s.sess = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *SMB) resolve(remotePath string) string {
	return path.Join(s.cfg.Root, remotePath)
}

func (s *SMB) PutStream(ctx context.Context, remotePath string, r io.Reader, progress ProgressFunc) (int64, error) {
	full := s.resolve(remotePath)
	if err := s.fs.MkdirAll(path.Dir(full), 0o755); err != nil {
		return 0, scratbackup.Destination("smb.put_stream", err)
	}
	f, err := s.fs.Create(full)
	if err != nil {
		return 0, scratbackup.Destination("smb.put_stream", err)
	}
	defer f.Close()
	n, err := copyWithProgress(f, r, progress)
	if err != nil {
		return n, scratbackup.TransientIO("smb.put_stream", err)
	}
	return n, nil
}

func (s *SMB) GetStream(ctx context.Context, remotePath string, w io.Writer, progress ProgressFunc) error {
	f, err := s.fs.Open(s.resolve(remotePath))
	if err != nil {
		return scratbackup.Destination("smb.get_stream", err)
	}
	defer f.Close()
	if _, err := copyWithProgress(w, f, progress); err != nil {
		return scratbackup.TransientIO("smb.get_stream", err)
	}
	return nil
}

func (s *SMB) List(ctx context.Context, prefix string) ([]Entry, error) {
	infos, err := s.fs.ReadDir(s.resolve(prefix))
	if err != nil {
		return nil, scratbackup.Destination("smb.list", err)
	}
	result := make([]Entry, 0, len(infos))
	for _, info := range infos {
		result = append(result, Entry{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir()})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *SMB) Delete(ctx context.Context, remotePath string) error {
	if err := s.fs.Remove(s.resolve(remotePath)); err != nil {
		return scratbackup.Destination("smb.delete", err)
	}
	return nil
}

func (s *SMB) DeleteTree(ctx context.Context, remotePrefix string) error {
	if err := s.fs.RemoveAll(s.resolve(remotePrefix)); err != nil {
		return scratbackup.Destination("smb.delete_tree", err)
	}
	return nil
}

func (s *SMB) StatPath(ctx context.Context, remotePath string) (Stat, error) {
	info, err := s.fs.Stat(s.resolve(remotePath))
	if err != nil {
		return Stat{Exists: false}, nil
	}
	return Stat{Exists: true, Size: info.Size()}, nil
}

// FreeSpace has no portable surface in go-smb2; SMB shares report quota
// information through FSCTL codes the library does not expose.
func (s *SMB) FreeSpace(ctx context.Context) (*int64, error) {
	return nil, nil
}

func (s *SMB) Test(ctx context.Context) error {
	const probe = ".scrat-backup-test-probe"
	if _, err := s.PutStream(ctx, probe, strings.NewReader("ok"), nil); err != nil {
		return err
	}
	return s.Delete(ctx, probe)
}

func (s *SMB) Staged() bool { return false }
