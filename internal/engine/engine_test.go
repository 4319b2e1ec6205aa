package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"scrat-backup/internal/archive"
	"scrat-backup/internal/clock"
	"scrat-backup/internal/destination"
	"scrat-backup/internal/eventbus"
	"scrat-backup/internal/metastore"
)

// stubClock lets backup timestamps advance deterministically across
// successive calls within one test, the way the teacher's tests drive
// BTService with a fixed-step fake clock.
type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(time.Second)
	return t
}

func newTestEngine(t *testing.T) (*Engine, *metastore.Store) {
	t.Helper()
	store, err := metastore.Open(":memory:")
	if err != nil {
		t.Fatalf("metastore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	e := New(store, bus, &stubClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, clock.UUIDGenerator{}, nil)
	return e, store
}

func newLocalDestination(t *testing.T, s *metastore.Store) metastore.Destination {
	t.Helper()
	root := t.TempDir()
	dst, err := s.CreateDestination(context.Background(), metastore.Destination{
		ID:        uuid.NewString(),
		Name:      "local-test",
		Type:      destination.TypeLocal,
		Config:    fmt.Sprintf("type = %q\n\n[local]\nroot = %q\n", destination.TypeLocal, root),
		Enabled:   true,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateDestination() error = %v", err)
	}
	return dst
}

func writeSourceFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func newTestSource(t *testing.T, s *metastore.Store, name string) (metastore.Source, string) {
	t.Helper()
	root := t.TempDir()
	src, err := s.CreateSource(context.Background(), metastore.Source{
		ID: uuid.NewString(), Name: name, RootPath: root, Enabled: true, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateSource() error = %v", err)
	}
	return src, root
}

func TestEngine_Backup_FullThenIncremental(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	dst := newLocalDestination(t, s)
	src, root := newTestSource(t, s, "docs")

	writeSourceFile(t, root, "a.txt", "hello")
	writeSourceFile(t, root, "sub/b.txt", "world")

	full, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindAuto,
		Passphrase: "correct horse battery staple", Compression: archive.CompressionFast,
	})
	if err != nil {
		t.Fatalf("Backup(full) error = %v", err)
	}
	if full.Type != metastore.BackupFull {
		t.Errorf("Type = %q, want full", full.Type)
	}
	if full.Status != metastore.BackupCompleted {
		t.Errorf("Status = %q, want completed", full.Status)
	}

	files, err := s.ListBackupFilesForBackup(ctx, full.ID)
	if err != nil {
		t.Fatalf("ListBackupFilesForBackup() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ListBackupFilesForBackup() returned %d files, want 2", len(files))
	}

	// Modify one file, add another, leave the rest untouched.
	writeSourceFile(t, root, "a.txt", "hello again")
	writeSourceFile(t, root, "c.txt", "new file")

	inc, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindAuto,
		Passphrase: "correct horse battery staple", Compression: archive.CompressionFast,
	})
	if err != nil {
		t.Fatalf("Backup(incremental) error = %v", err)
	}
	if inc.Type != metastore.BackupIncremental {
		t.Errorf("Type = %q, want incremental", inc.Type)
	}
	if !inc.BaseBackupID.Valid || inc.BaseBackupID.String != full.ID {
		t.Errorf("BaseBackupID = %+v, want %s", inc.BaseBackupID, full.ID)
	}

	incFiles, err := s.ListBackupFilesForBackup(ctx, inc.ID)
	if err != nil {
		t.Fatalf("ListBackupFilesForBackup(inc) error = %v", err)
	}
	if len(incFiles) != 2 {
		t.Fatalf("ListBackupFilesForBackup(inc) returned %d files, want 2 (a.txt changed, c.txt new)", len(incFiles))
	}
}

func TestEngine_Backup_IncrementalWithoutBase_IsValidationError(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	dst := newLocalDestination(t, s)
	src, root := newTestSource(t, s, "docs")
	writeSourceFile(t, root, "a.txt", "hello")

	_, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindIncremental, Passphrase: "pw",
	})
	if err == nil {
		t.Fatal("Backup(incremental, no base) error = nil, want ValidationError")
	}

	backups, listErr := s.ListBackupsForRotation(ctx, dst.ID)
	if listErr != nil {
		t.Fatalf("ListBackupsForRotation() error = %v", listErr)
	}
	if len(backups) != 0 {
		t.Errorf("a Backup row was created for a rejected incremental request: %d rows", len(backups))
	}
}

func TestEngine_Backup_EmptySourceSet_CompletesWithZeroFiles(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	dst := newLocalDestination(t, s)
	src, _ := newTestSource(t, s, "empty")

	b, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindFull, Passphrase: "pw",
	})
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if b.Status != metastore.BackupCompleted {
		t.Errorf("Status = %q, want completed", b.Status)
	}

	archives, err := s.ListArchivesForBackup(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListArchivesForBackup() error = %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("ListArchivesForBackup() returned %d segments, want 1 (a single empty data segment)", len(archives))
	}
}

func TestEngine_BackupAndRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	dst := newLocalDestination(t, s)
	src, root := newTestSource(t, s, "docs")

	writeSourceFile(t, root, "a.txt", "hello world")
	writeSourceFile(t, root, "nested/b.txt", "nested content")

	b, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindFull,
		Passphrase: "hunter2", Compression: archive.CompressionBalanced,
	})
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	targetDir := t.TempDir()
	result, err := e.Restore(ctx, RestoreRequest{
		Destination: dst, At: time.Now().Add(time.Hour), Passphrase: "hunter2", TargetDir: targetDir,
	})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if result.FilesRestored != 2 {
		t.Fatalf("FilesRestored = %d, want 2", result.FilesRestored)
	}

	got, err := os.ReadFile(filepath.Join(targetDir, "docs", "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile(a.txt) error = %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("a.txt content = %q, want %q", got, "hello world")
	}

	gotNested, err := os.ReadFile(filepath.Join(targetDir, "docs", "nested", "b.txt"))
	if err != nil {
		t.Fatalf("ReadFile(nested/b.txt) error = %v", err)
	}
	if string(gotNested) != "nested content" {
		t.Errorf("nested/b.txt content = %q, want %q", gotNested, "nested content")
	}

	_ = b
}

func TestEngine_Restore_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	dst := newLocalDestination(t, s)
	src, root := newTestSource(t, s, "docs")
	writeSourceFile(t, root, "a.txt", "secret")

	if _, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindFull, Passphrase: "right-pass",
	}); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	_, err := e.Restore(ctx, RestoreRequest{
		Destination: dst, At: time.Now().Add(time.Hour), Passphrase: "wrong-pass", TargetDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("Restore() with wrong passphrase error = nil, want PassphraseError")
	}
}

func TestEngine_Rotation_KeepsNewestChainsOnly(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	dst := newLocalDestination(t, s)
	src, root := newTestSource(t, s, "docs")

	var ids []string
	for i := 0; i < 3; i++ {
		writeSourceFile(t, root, "a.txt", fmt.Sprintf("version %d", i))
		b, err := e.Backup(ctx, BackupRequest{
			Sources: []metastore.Source{src}, Destination: dst, Kind: KindFull,
			Passphrase: "pw", Policy: Policy{MaxVersions: 2},
		})
		if err != nil {
			t.Fatalf("Backup() iteration %d error = %v", i, err)
		}
		ids = append(ids, b.ID)
	}

	remaining, err := s.ListBackupsForRotation(ctx, dst.ID)
	if err != nil {
		t.Fatalf("ListBackupsForRotation() error = %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("ListBackupsForRotation() returned %d backups, want 2 after rotation", len(remaining))
	}
	for _, b := range remaining {
		if b.ID == ids[0] {
			t.Errorf("oldest backup %s should have been rotated away", ids[0])
		}
	}
}

func newLocalDestinationAt(t *testing.T, s *metastore.Store, root string) metastore.Destination {
	t.Helper()
	dst, err := s.CreateDestination(context.Background(), metastore.Destination{
		ID:        uuid.NewString(),
		Name:      "local-test",
		Type:      destination.TypeLocal,
		Config:    fmt.Sprintf("type = %q\n\n[local]\nroot = %q\n", destination.TypeLocal, root),
		Enabled:   true,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateDestination() error = %v", err)
	}
	return dst
}

func TestEngine_Backup_WritesManifestAndRecoveryInfo(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	destRoot := t.TempDir()
	dst := newLocalDestinationAt(t, s, destRoot)
	src, root := newTestSource(t, s, "docs")
	writeSourceFile(t, root, "a.txt", "hello")

	b, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindFull, Passphrase: "pw",
	})
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	manifestPath := filepath.Join(destRoot, "scrat-backup", "backups", b.ID, "manifest.json.enc")
	if _, err := os.Stat(manifestPath); err != nil {
		t.Errorf("manifest not found at %s: %v", manifestPath, err)
	}
	archivePath := filepath.Join(destRoot, "scrat-backup", "backups", b.ID, "data.001.scrat")
	if _, err := os.Stat(archivePath); err != nil {
		t.Errorf("archive segment not found at %s: %v", archivePath, err)
	}

	recoveryPath := filepath.Join(destRoot, "scrat-backup", "recovery_info.txt")
	firstInfo, err := os.Stat(recoveryPath)
	if err != nil {
		t.Fatalf("recovery_info.txt not found at %s: %v", recoveryPath, err)
	}

	writeSourceFile(t, root, "b.txt", "world")
	if _, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindAuto, Passphrase: "pw",
	}); err != nil {
		t.Fatalf("Backup(second) error = %v", err)
	}
	secondInfo, err := os.Stat(recoveryPath)
	if err != nil {
		t.Fatalf("recovery_info.txt missing after second backup: %v", err)
	}
	if !secondInfo.ModTime().Equal(firstInfo.ModTime()) || secondInfo.Size() != firstInfo.Size() {
		t.Errorf("recovery_info.txt was overwritten by a later backup")
	}
}

func TestEngine_Backup_SplitSizeProducesOneBasedContiguousOrdinals(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	dst := newLocalDestination(t, s)
	src, root := newTestSource(t, s, "docs")

	writeSourceFile(t, root, "a.txt", strings.Repeat("a", 1000))
	writeSourceFile(t, root, "b.txt", strings.Repeat("b", 1000))
	writeSourceFile(t, root, "c.txt", strings.Repeat("c", 1000))

	b, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindFull, Passphrase: "pw",
		Policy: Policy{SplitSize: 500}, Compression: archive.CompressionNone,
	})
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	archives, err := s.ListArchivesForBackup(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListArchivesForBackup() error = %v", err)
	}
	if len(archives) < 2 {
		t.Fatalf("ListArchivesForBackup() returned %d segments, want at least 2 with a small split size", len(archives))
	}
	for i, a := range archives {
		want := i + 1
		if a.SegmentIndex != want {
			t.Errorf("archive[%d].SegmentIndex = %d, want %d (1-based, contiguous)", i, a.SegmentIndex, want)
		}
	}
}

func TestEngine_Restore_PreservesPermissionBits(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	dst := newLocalDestination(t, s)
	src, root := newTestSource(t, s, "docs")
	writeSourceFile(t, root, "secret.sh", "echo hi")
	if err := os.Chmod(filepath.Join(root, "secret.sh"), 0o740); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}

	if _, err := e.Backup(ctx, BackupRequest{
		Sources: []metastore.Source{src}, Destination: dst, Kind: KindFull, Passphrase: "pw",
	}); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	targetDir := t.TempDir()
	if _, err := e.Restore(ctx, RestoreRequest{
		Destination: dst, At: time.Now().Add(time.Hour), Passphrase: "pw", TargetDir: targetDir,
	}); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(targetDir, "docs", "secret.sh"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o740 {
		t.Errorf("restored file mode = %o, want %o", info.Mode().Perm(), 0o740)
	}
}
