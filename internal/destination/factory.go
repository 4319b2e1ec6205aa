package destination

import (
	"fmt"

	"scrat-backup/internal/scratbackup"
)

// Config is the tagged union of destination configurations, keyed by
// Type, mirroring the teacher's vault/staging config pattern.
type Config struct {
	Type string `toml:"type"`

	Local *LocalConfig `toml:"local,omitempty"`

	SFTP    *SFTPConfig    `toml:"sftp,omitempty"`
	SMB     *SMBConfig     `toml:"smb,omitempty"`
	WebDAV  *WebDAVConfig  `toml:"webdav,omitempty"`
	Shelled *ShelledConfig `toml:"shelled_multi_cloud,omitempty"`
}

// LocalConfig holds the fields needed to reach a local-disk destination.
type LocalConfig struct {
	Root string `toml:"root"`
}

const (
	TypeLocal   = "local"
	TypeSFTP    = "sftp"
	TypeSMB     = "smb"
	TypeWebDAV  = "webdav"
	TypeShelled = "shelled_multi_cloud"
)

// New builds a destination.Interface from a tagged-union config,
// following the teacher's NewVaultFromConfig/NewStagingAreaFromConfig
// factory shape.
func New(cfg Config) (Interface, error) {
	switch cfg.Type {
	case TypeLocal:
		if cfg.Local == nil {
			return nil, scratbackup.Validation("destination.new", fmt.Errorf("local destination missing [local] config"))
		}
		return NewLocal(cfg.Local.Root), nil
	case TypeSFTP:
		if cfg.SFTP == nil {
			return nil, scratbackup.Validation("destination.new", fmt.Errorf("sftp destination missing [sftp] config"))
		}
		return NewSFTP(*cfg.SFTP), nil
	case TypeSMB:
		if cfg.SMB == nil {
			return nil, scratbackup.Validation("destination.new", fmt.Errorf("smb destination missing [smb] config"))
		}
		return NewSMB(*cfg.SMB), nil
	case TypeWebDAV:
		if cfg.WebDAV == nil {
			return nil, scratbackup.Validation("destination.new", fmt.Errorf("webdav destination missing [webdav] config"))
		}
		return NewWebDAV(*cfg.WebDAV), nil
	case TypeShelled:
		if cfg.Shelled == nil {
			return nil, scratbackup.Validation("destination.new", fmt.Errorf("shelled_multi_cloud destination missing [shelled_multi_cloud] config"))
		}
		return NewShelled(*cfg.Shelled), nil
	default:
		return nil, scratbackup.Validation("destination.new", fmt.Errorf("unknown destination type %q", cfg.Type))
	}
}
