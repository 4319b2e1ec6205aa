package app

import "scrat-backup/internal/metastore"

// BackupOperation tracks one CLI invocation that may mutate the
// catalog. It is created in memory with ID=0; only commands that write
// to the catalog persist it, giving it an auto-increment ID and making
// it visible to crash recovery.
type BackupOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     metastore.OperationStatus
}

// NewBackupOperation creates a new in-memory operation, optimistically
// marked successful until fail says otherwise.
func NewBackupOperation(operation, parameters string) *BackupOperation {
	return &BackupOperation{
		Operation:  operation,
		Parameters: parameters,
		Status:     metastore.OperationSuccess,
	}
}

// Persisted reports whether this operation has been saved to the catalog.
func (op *BackupOperation) Persisted() bool {
	return op.ID != 0
}
