package engine

import (
	"context"
	"sort"

	"scrat-backup/internal/destination"
	"scrat-backup/internal/metastore"
	"scrat-backup/internal/scratbackup"
)

// chain is one full backup plus every incremental descending from it,
// the unit the retention policy keeps or discards as a whole.
type chain struct {
	rootID  string
	backups []metastore.Backup
	newest  metastore.Backup
}

// rotate enforces Policy.MaxVersions by deleting the oldest chains on
// destinationID, never touching a backup a surviving chain still
// points to as its base. A MaxVersions of zero or less disables
// rotation.
func (e *Engine) rotate(ctx context.Context, dst metastore.Destination, policy Policy, store destination.Interface) error {
	if policy.MaxVersions <= 0 {
		return nil
	}

	backups, err := e.store.ListBackupsForRotation(ctx, dst.ID)
	if err != nil {
		return scratbackup.Internal("engine.rotate", err)
	}
	if len(backups) == 0 {
		return nil
	}

	chains, err := e.groupChains(ctx, backups)
	if err != nil {
		return err
	}
	if len(chains) <= policy.MaxVersions {
		return nil
	}

	sort.Slice(chains, func(i, j int) bool {
		return chains[i].newest.StartedAt.After(chains[j].newest.StartedAt)
	})

	kept := make(map[string]bool)
	for _, c := range chains[:policy.MaxVersions] {
		for _, b := range c.backups {
			kept[b.ID] = true
		}
	}

	for _, c := range chains[policy.MaxVersions:] {
		for _, b := range c.backups {
			if kept[b.ID] {
				continue
			}
			if err := e.deleteBackup(ctx, store, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// groupChains partitions backups (oldest-first) by the full backup
// each ultimately descends from.
func (e *Engine) groupChains(ctx context.Context, backups []metastore.Backup) ([]chain, error) {
	byID := make(map[string]metastore.Backup, len(backups))
	for _, b := range backups {
		byID[b.ID] = b
	}

	rootOf := func(b metastore.Backup) string {
		cur := b
		for cur.Type != metastore.BackupFull && cur.BaseBackupID.Valid {
			next, ok := byID[cur.BaseBackupID.String]
			if !ok {
				break
			}
			cur = next
		}
		return cur.ID
	}

	order := make([]string, 0)
	grouped := make(map[string]*chain)
	for _, b := range backups {
		root := rootOf(b)
		c, ok := grouped[root]
		if !ok {
			c = &chain{rootID: root, newest: b}
			grouped[root] = c
			order = append(order, root)
		}
		c.backups = append(c.backups, b)
		if b.StartedAt.After(c.newest.StartedAt) {
			c.newest = b
		}
	}

	result := make([]chain, 0, len(order))
	for _, root := range order {
		result = append(result, *grouped[root])
	}
	return result, nil
}

// deleteBackup removes a backup's archive objects from the destination
// then its catalog row, which cascades to its archives and
// backup_files rows.
func (e *Engine) deleteBackup(ctx context.Context, store destination.Interface, b metastore.Backup) error {
	if err := store.DeleteTree(ctx, backupDir(b.ID)); err != nil {
		return scratbackup.Destination("engine.rotate.delete_archives", err)
	}
	if err := e.store.DeleteBackup(ctx, b.ID); err != nil {
		return scratbackup.Internal("engine.rotate.delete_backup", err)
	}
	return nil
}
