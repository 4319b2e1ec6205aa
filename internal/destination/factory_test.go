package destination

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		wantNil bool
	}{
		{
			name:    "local destination",
			cfg:     Config{Type: TypeLocal, Local: &LocalConfig{Root: t.TempDir()}},
			wantErr: false,
			wantNil: false,
		},
		{
			name:    "local destination missing config",
			cfg:     Config{Type: TypeLocal},
			wantErr: true,
			wantNil: true,
		},
		{
			name:    "sftp destination",
			cfg:     Config{Type: TypeSFTP, SFTP: &SFTPConfig{Host: "example.invalid", User: "u"}},
			wantErr: false,
			wantNil: false,
		},
		{
			name:    "unknown destination type",
			cfg:     Config{Type: "ftp"},
			wantErr: true,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.cfg)

			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if (got == nil) != tt.wantNil {
				t.Errorf("New() returned nil = %v, wantNil %v", got == nil, tt.wantNil)
			}
		})
	}
}

func TestNew_StagedFlags(t *testing.T) {
	local, err := New(Config{Type: TypeLocal, Local: &LocalConfig{Root: t.TempDir()}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if local.Staged() {
		t.Error("local.Staged() = true, want false")
	}

	web, err := New(Config{Type: TypeWebDAV, WebDAV: &WebDAVConfig{URL: "https://example.invalid", StagingDir: t.TempDir()}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !web.Staged() {
		t.Error("webdav.Staged() = false, want true")
	}

	shelled, err := New(Config{Type: TypeShelled, Shelled: &ShelledConfig{Command: "rclone-mover", StagingDir: t.TempDir()}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !shelled.Staged() {
		t.Error("shelled.Staged() = false, want true")
	}
}
