package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"scrat-backup/internal/scratbackup"
)

// ShelledConfig holds the fields needed to drive a multi-cloud mover
// child process, e.g. an rclone wrapper script.
type ShelledConfig struct {
	Command    string
	Args       []string
	StagingDir string
}

type rpcEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

type rpcResponse struct {
	OK      bool       `json:"ok"`
	Error   string     `json:"error,omitempty"`
	Size    *int64     `json:"size,omitempty"`
	Entries []rpcEntry `json:"entries,omitempty"`
}

// Shelled drives an external command as a multi-cloud object mover,
// one invocation per operation, exchanging a small JSON RPC surface on
// stdout and bytes through a local staging file rather than stdio.
type Shelled struct {
	cfg ShelledConfig
}

func NewShelled(cfg ShelledConfig) *Shelled { return &Shelled{cfg: cfg} }

var _ Interface = (*Shelled)(nil)

func (s *Shelled) Connect(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.StagingDir, 0o755); err != nil {
		return scratbackup.Destination("shelled.connect", err)
	}
	return nil
}

func (s *Shelled) Disconnect() error { return nil }

func (s *Shelled) invoke(ctx context.Context, args ...string) (rpcResponse, error) {
	fullArgs := append(append([]string{}, s.cfg.Args...), args...)
	cmd := exec.CommandContext(ctx, s.cfg.Command, fullArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return rpcResponse{}, scratbackup.Destination("shelled.invoke",
			fmt.Errorf("%s %v: %w: %s", s.cfg.Command, fullArgs, err, stderr.String()))
	}
	var resp rpcResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return rpcResponse{}, scratbackup.Destination("shelled.invoke",
			fmt.Errorf("parsing rpc response: %w", err))
	}
	if !resp.OK {
		return rpcResponse{}, scratbackup.Destination("shelled.invoke", fmt.Errorf("%s", resp.Error))
	}
	return resp, nil
}

func (s *Shelled) PutStream(ctx context.Context, remotePath string, r io.Reader, progress ProgressFunc) (int64, error) {
	tmp, err := os.CreateTemp(s.cfg.StagingDir, ".scrat-shelled-*")
	if err != nil {
		return 0, scratbackup.Destination("shelled.put_stream", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := copyWithProgress(tmp, r, progress)
	tmp.Close()
	if err != nil {
		return n, scratbackup.TransientIO("shelled.put_stream", err)
	}

	if _, err := s.invoke(ctx, "put", "--path", remotePath, "--local", tmpPath); err != nil {
		return n, err
	}
	return n, nil
}

func (s *Shelled) GetStream(ctx context.Context, remotePath string, w io.Writer, progress ProgressFunc) error {
	tmp, err := os.CreateTemp(s.cfg.StagingDir, ".scrat-shelled-*")
	if err != nil {
		return scratbackup.Destination("shelled.get_stream", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := s.invoke(ctx, "get", "--path", remotePath, "--local", tmpPath); err != nil {
		return err
	}

	staged, err := os.Open(tmpPath)
	if err != nil {
		return scratbackup.Destination("shelled.get_stream", err)
	}
	defer staged.Close()
	if _, err := copyWithProgress(w, staged, progress); err != nil {
		return scratbackup.TransientIO("shelled.get_stream", err)
	}
	return nil
}

func (s *Shelled) List(ctx context.Context, prefix string) ([]Entry, error) {
	resp, err := s.invoke(ctx, "list", "--path", prefix)
	if err != nil {
		return nil, err
	}
	result := make([]Entry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		result = append(result, Entry{Name: e.Name, Size: e.Size, IsDir: e.IsDir})
	}
	return result, nil
}

func (s *Shelled) Delete(ctx context.Context, remotePath string) error {
	_, err := s.invoke(ctx, "delete", "--path", remotePath)
	return err
}

func (s *Shelled) DeleteTree(ctx context.Context, remotePrefix string) error {
	_, err := s.invoke(ctx, "delete", "--path", remotePrefix)
	return err
}

func (s *Shelled) StatPath(ctx context.Context, remotePath string) (Stat, error) {
	resp, err := s.invoke(ctx, "stat", "--path", remotePath)
	if err != nil {
		return Stat{Exists: false}, nil
	}
	size := int64(0)
	if resp.Size != nil {
		size = *resp.Size
	}
	return Stat{Exists: true, Size: size}, nil
}

func (s *Shelled) FreeSpace(ctx context.Context) (*int64, error) {
	resp, err := s.invoke(ctx, "free-space", "--path", "/")
	if err != nil {
		return nil, nil
	}
	return resp.Size, nil
}

func (s *Shelled) Test(ctx context.Context) error {
	_, err := s.invoke(ctx, "test", "--path", "/")
	return err
}

func (s *Shelled) Staged() bool { return true }
