package engine

import (
	"context"
	"sync"

	"github.com/ecairns22/mydb/internal/catalog"
)

// BackupRecorder keeps backup log rows in memory. Exported for use by
// adapter tests.
type BackupRecorder struct {
	mu      sync.Mutex
	Entries []catalog.BackupEntry
	Err     error
}

func (r *BackupRecorder) AppendBackupLog(_ context.Context, e catalog.BackupEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Entries = append(r.Entries, e)
	return nil
}

// Rows returns a copy of the recorded rows.
func (r *BackupRecorder) Rows() []catalog.BackupEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]catalog.BackupEntry(nil), r.Entries...)
}

var _ BackupLogger = (*BackupRecorder)(nil)
