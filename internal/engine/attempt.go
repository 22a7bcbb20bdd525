package engine

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/report"
)

// Attempt is one backup of one instance: a start row when it begins and an
// end row when it finishes, sharing an identifier.
type Attempt struct {
	base      *Base
	container *catalog.Container
	ID        string
	Type      string
	// Prefix is the blob key prefix every artifact of the attempt is
	// written under.
	Prefix string
}

// BeginBackup records the start of an attempt. command is the first command
// the attempt runs, already redacted.
func (b *Base) BeginBackup(ctx context.Context, c *catalog.Container, backupType, command string) (*Attempt, error) {
	if err := ValidBackupType(backupType); err != nil {
		return nil, err
	}
	id := b.Layout.BackupID(b.Clock.Now())
	a := &Attempt{
		base:      b,
		container: c,
		ID:        id,
		Type:      backupType,
		Prefix:    b.Layout.BackupPrefix(c.Info.Name, id),
	}
	err := b.Log.AppendBackupLog(ctx, catalog.BackupEntry{
		CID:        c.ID,
		Name:       c.Info.Name,
		State:      catalog.BackupStart,
		BackupID:   id,
		BackupType: backupType,
		URL:        b.Layout.Locator(a.Prefix),
		Command:    b.Redact(command),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "recording backup start of %s", c.Info.Name)
	}
	logger.Infof("%s backup %s of %s started", backupType, id, c.Info.Name)
	return a, nil
}

// AbortBackup records an attempt that failed before its dump could start.
// It writes the start row and an end row carrying log's failure, and
// notifies the operators like any failed attempt.
func (b *Base) AbortBackup(ctx context.Context, c *catalog.Container, backupType, command string, log *report.Log) error {
	a, err := b.BeginBackup(ctx, c, backupType, command)
	if err != nil {
		return err
	}
	return a.End(ctx, command, log)
}

// Key returns the artifact key for file.
func (a *Attempt) Key(file string) string {
	return a.Prefix + file
}

// End records the end of the attempt whatever its outcome. A failed log
// notifies the operators and is returned as an error; the end row carries
// the failure text.
func (a *Attempt) End(ctx context.Context, command string, log *report.Log) error {
	b := a.base
	name := a.container.Info.Name
	var errMsg string
	if log.Failed() {
		errMsg = b.Redact(log.Errors())
	}
	err := b.Log.AppendBackupLog(ctx, catalog.BackupEntry{
		CID:        a.container.ID,
		Name:       name,
		State:      catalog.BackupEnd,
		BackupID:   a.ID,
		BackupType: a.Type,
		URL:        b.Layout.Locator(a.Prefix),
		Command:    b.Redact(command),
		ErrMsg:     errMsg,
	})
	if err != nil {
		logger.Errorf("recording backup end of %s: %v", name, err)
	}

	if errMsg == "" {
		logger.Infof("backup %s of %s complete", a.ID, name)
		return errors.Annotatef(err, "recording backup end of %s", name)
	}
	logger.Errorf("backup %s of %s failed: %s", a.ID, name, errMsg)
	if b.Notifier != nil {
		body := fmt.Sprintf("%s backup error. Container: %s\nBackup: %s\n\n%s",
			b.kind, name, b.Layout.Locator(a.Prefix), b.Redact(log.String()))
		b.Notifier.Notify(ctx, fmt.Sprintf("MyDB: %s backup error", b.kind), body)
	}
	return errors.Errorf("backup of %s failed: %s", name, errMsg)
}
