// Package scanner walks source trees and diffs them against the prior
// backup's catalog using size and mtime alone — hashing is explicitly
// out of scope.
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// MtimeResolution is the tolerance applied when comparing a file's mtime
// against the base backup's recorded mtime. A 1-second window absorbs
// common FAT/SMB-mounted-share timestamp truncation.
const MtimeResolution = time.Second

// FileRecord is one file found by a scan.
type FileRecord struct {
	SourceRoot   string
	RelativePath string // forward-slash separated, relative to SourceRoot
	Size         int64
	Mtime        time.Time
	Mode         fs.FileMode
}

// BaseState is the (size, mtime) of a file as recorded by the backup
// being diffed against.
type BaseState struct {
	Size  int64
	Mtime time.Time
}

// Scan walks root, skipping anything matched by excludes, and returns
// FileRecords in stable lexicographic order by RelativePath. Symlinks,
// devices, named pipes and sockets are skipped, not followed.
func Scan(sourceName, root string, excludes *Matcher) ([]FileRecord, error) {
	var records []FileRecord
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return fmt.Errorf("computing relative path for %s: %w", path, relErr)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if excludes.MatchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if excludes.MatchFile(rel) {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		records = append(records, FileRecord{
			SourceRoot:   sourceName,
			RelativePath: rel,
			Size:         info.Size(),
			Mtime:        info.ModTime(),
			Mode:         info.Mode(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].RelativePath < records[j].RelativePath })
	return records, nil
}

// DiffResult separates a scan into files needing a fresh capture and
// files no longer present that must be recorded as deleted.
type DiffResult struct {
	Changed []FileRecord
	Deleted []string // relative paths present in base but absent now
}

// Diff compares current against base (the prior backup's present-file
// state, keyed by relative path) using size+mtime only, per the
// change-detection rule: a file is a change iff the base has no record,
// or size differs, or mtime differs by more than MtimeResolution.
func Diff(current []FileRecord, base map[string]BaseState) DiffResult {
	var result DiffResult
	seen := make(map[string]bool, len(current))
	for _, rec := range current {
		seen[rec.RelativePath] = true
		prior, ok := base[rec.RelativePath]
		if !ok || prior.Size != rec.Size || mtimeDiffers(prior.Mtime, rec.Mtime) {
			result.Changed = append(result.Changed, rec)
		}
	}
	for relPath := range base {
		if !seen[relPath] {
			result.Deleted = append(result.Deleted, relPath)
		}
	}
	sort.Strings(result.Deleted)
	return result
}

func mtimeDiffers(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d > MtimeResolution
}

// StatFile re-stats a single file, used by the engine to re-check a file
// hasn't changed between scan and read (mirrors the staleness checks the
// teacher's staging area performs before trusting a scanned size).
func StatFile(absPath string) (fs.FileInfo, error) {
	return os.Lstat(absPath)
}
