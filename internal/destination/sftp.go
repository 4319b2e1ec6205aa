package destination

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"scrat-backup/internal/scratbackup"
)

// SFTPConfig holds the fields needed to reach an SFTP destination,
// mirroring the teacher's tagged-union destination config pattern.
type SFTPConfig struct {
	Host           string
	Port           int
	User           string
	Password       string // used when PrivateKeyPEM is empty
	PrivateKeyPEM  []byte
	Root           string
	HostKeyPEM     []byte // pinned host key; required unless InsecureSkipVerify
	InsecureSkipVerify bool
}

// SFTP is a destination backed by an SSH/SFTP session.
type SFTP struct {
	cfg  SFTPConfig
	conn *ssh.Client
	cl   *sftp.Client
}

func NewSFTP(cfg SFTPConfig) *SFTP { return &SFTP{cfg: cfg} }

var _ Interface = (*SFTP)(nil)

func (s *SFTP) Connect(ctx context.Context) error {
	if s.cl != nil {
		return nil
	}
	auth := []ssh.AuthMethod{}
	if len(s.cfg.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(s.cfg.PrivateKeyPEM)
		if err != nil {
			return scratbackup.Validation("sftp.connect", fmt.Errorf("parsing private key: %w", err))
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}

	if !s.cfg.InsecureSkipVerify && len(s.cfg.HostKeyPEM) == 0 {
		return scratbackup.Validation("sftp.connect", fmt.Errorf("no pinned host key configured and InsecureSkipVerify is not set"))
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !s.cfg.InsecureSkipVerify {
		pinned, _, _, _, err := ssh.ParseAuthorizedKey(s.cfg.HostKeyPEM)
		if err != nil {
			return scratbackup.Validation("sftp.connect", fmt.Errorf("parsing pinned host key: %w", err))
		}
		hostKeyCallback = ssh.FixedHostKey(pinned)
	}

	addr := net.JoinHostPort(s.cfg.Host, portOrDefault(s.cfg.Port, 22))
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return scratbackup.Destination("sftp.connect", err)
	}
	cl, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return scratbackup.Destination("sftp.connect", err)
	}
	s.conn = conn
	s.cl = cl
	return s.cl.MkdirAll(s.cfg.Root)
}

func (s *SFTP) Disconnect() error {
	if s.cl != nil {
		s.cl.Close()
		s.cl = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *SFTP) resolve(remotePath string) string {
	return path.Join(s.cfg.Root, remotePath)
}

func (s *SFTP) PutStream(ctx context.Context, remotePath string, r io.Reader, progress ProgressFunc) (int64, error) {
	full := s.resolve(remotePath)
	if err := s.cl.MkdirAll(path.Dir(full)); err != nil {
		return 0, scratbackup.Destination("sftp.put_stream", err)
	}
	f, err := s.cl.Create(full)
	if err != nil {
		return 0, scratbackup.Destination("sftp.put_stream", err)
	}
	defer f.Close()
	n, err := copyWithProgress(f, r, progress)
	if err != nil {
		return n, scratbackup.TransientIO("sftp.put_stream", err)
	}
	return n, nil
}

func (s *SFTP) GetStream(ctx context.Context, remotePath string, w io.Writer, progress ProgressFunc) error {
	f, err := s.cl.Open(s.resolve(remotePath))
	if err != nil {
		return scratbackup.Destination("sftp.get_stream", err)
	}
	defer f.Close()
	if _, err := copyWithProgress(w, f, progress); err != nil {
		return scratbackup.TransientIO("sftp.get_stream", err)
	}
	return nil
}

func (s *SFTP) List(ctx context.Context, prefix string) ([]Entry, error) {
	infos, err := s.cl.ReadDir(s.resolve(prefix))
	if err != nil {
		return nil, scratbackup.Destination("sftp.list", err)
	}
	result := make([]Entry, 0, len(infos))
	for _, info := range infos {
		result = append(result, Entry{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir()})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *SFTP) Delete(ctx context.Context, remotePath string) error {
	if err := s.cl.Remove(s.resolve(remotePath)); err != nil {
		return scratbackup.Destination("sftp.delete", err)
	}
	return nil
}

func (s *SFTP) DeleteTree(ctx context.Context, remotePrefix string) error {
	if err := s.cl.RemoveAll(s.resolve(remotePrefix)); err != nil {
		return scratbackup.Destination("sftp.delete_tree", err)
	}
	return nil
}

func (s *SFTP) StatPath(ctx context.Context, remotePath string) (Stat, error) {
	info, err := s.cl.Stat(s.resolve(remotePath))
	if err != nil {
		return Stat{Exists: false}, nil
	}
	return Stat{Exists: true, Size: info.Size()}, nil
}

func (s *SFTP) FreeSpace(ctx context.Context) (*int64, error) {
	vfs, err := s.cl.StatVFS(s.cfg.Root)
	if err != nil {
		return nil, nil // best-effort; not all servers expose statvfs@openssh.com
	}
	free := int64(vfs.Bavail) * int64(vfs.Bsize)
	return &free, nil
}

func (s *SFTP) Test(ctx context.Context) error {
	const probe = ".scrat-backup-test-probe"
	if _, err := s.PutStream(ctx, probe, strings.NewReader("ok"), nil); err != nil {
		return err
	}
	return s.Delete(ctx, probe)
}

func (s *SFTP) Staged() bool { return false }

func portOrDefault(p, def int) string {
	if p == 0 {
		p = def
	}
	return fmt.Sprintf("%d", p)
}
