package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/engine"
	"github.com/ecairns22/mydb/internal/report"
)

// Backup dumps one active instance to the blob store. The adapter records
// the attempt in the backup log and notifies on failure.
func (m *Manager) Backup(ctx context.Context, name, backupType, actor string) (*report.Log, error) {
	if err := engine.ValidBackupType(backupType); err != nil {
		return nil, err
	}
	c, err := m.active(ctx, name)
	if err != nil {
		return nil, err
	}
	adapter, err := m.opts.Adapters.Get(c.Info.Engine)
	if err != nil {
		return nil, err
	}
	log, err := adapter.Backup(ctx, c, backupType)
	if err != nil {
		return log, err
	}
	m.logAction(ctx, c, "backup", fmt.Sprintf("%s backup by %s", backupType, actorOrDefault(actor)))
	return log, nil
}

// BackupAll backs up every active instance in turn. A failed instance does
// not stop the others; the returned error names every failure.
func (m *Manager) BackupAll(ctx context.Context, backupType, actor string) (*report.Log, error) {
	if err := engine.ValidBackupType(backupType); err != nil {
		return nil, err
	}
	names, err := m.opts.Catalog.ListActiveNames(ctx)
	if err != nil {
		return nil, err
	}
	all := &report.Log{}
	var failed []string
	for _, name := range names {
		log, err := m.Backup(ctx, name, backupType, actor)
		all.Append(log)
		if err != nil {
			logger.Errorf("backup of %s: %v", name, err)
			all.Fail("backup "+name, err)
			failed = append(failed, name)
			continue
		}
		all.OK("backup "+name, "")
	}
	if len(failed) > 0 {
		return all, errors.Errorf("%d of %d backups failed: %v", len(failed), len(names), failed)
	}
	return all, nil
}

// Restore loads a backup into an active instance. An empty locator picks
// the newest successful backup recorded for the instance.
func (m *Manager) Restore(ctx context.Context, name, locator, actor string) (*report.Log, error) {
	c, err := m.active(ctx, name)
	if err != nil {
		return nil, err
	}
	adapter, err := m.opts.Adapters.Get(c.Info.Engine)
	if err != nil {
		return nil, err
	}
	prefix, err := m.locate(ctx, m.opts.Catalog, m.opts.Layout, name, locator)
	if err != nil {
		return nil, err
	}
	log, err := adapter.Restore(ctx, &c.Info, prefix)
	if err != nil {
		m.notify(ctx, fmt.Sprintf("MyDB: restore of %s failed", name), fmt.Sprintf("%v\n\n%s", err, log))
		return log, err
	}
	m.logAction(ctx, c, "restore", fmt.Sprintf("restored %s by %s", m.opts.Layout.Locator(prefix), actorOrDefault(actor)))
	return log, nil
}

// Migrate rebuilds an instance recorded in the migrate catalog: it
// provisions a fresh service from the legacy metadata and restores the
// newest legacy backup into it. Port 0 keeps the legacy port.
func (m *Manager) Migrate(ctx context.Context, name string, port int, actor string) (*report.Log, error) {
	if m.opts.Migrate == nil {
		return nil, errors.NotSupportedf("migrate without a migrate catalog")
	}
	raw, err := m.opts.Migrate.RawInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	kind, err := legacyEngine(engine.LegacyString(raw, "dbengine", "Engine"))
	if err != nil {
		return nil, errors.Annotatef(err, "legacy instance %s", name)
	}
	adapter, err := m.opts.Adapters.Get(kind)
	if err != nil {
		return nil, err
	}
	p, err := adapter.FromLegacy(raw)
	if err != nil {
		return nil, err
	}
	if port != 0 {
		p.Port = port
	}
	// Find the backup before provisioning so a missing backup costs nothing.
	prefix, err := m.locate(ctx, m.opts.Migrate, m.opts.LegacyLayout, name, "")
	if err != nil {
		return nil, errors.Annotatef(err, "locating legacy backup of %s", name)
	}

	log := &report.Log{}
	c, err := m.provision(ctx, kind, p, actor, log)
	if err != nil {
		return log, err
	}
	fail := func(step string, err error) error {
		err = &StepError{Step: step, Committed: log.Completed(), Err: log.Fail(step, err)}
		m.notify(ctx, fmt.Sprintf("MyDB: migrate %s failed", name), fmt.Sprintf("%v\n\n%s", err, log))
		return err
	}

	if err := m.opts.Catalog.UpdateState(ctx, c.ID, catalog.StateMigrating, actor); err != nil {
		return log, fail("mark migrating", err)
	}
	log.OK("mark migrating", "")

	restored, err := adapter.Restore(ctx, &c.Info, prefix)
	log.Append(restored)
	if err != nil {
		return log, fail("restore", err)
	}

	if err := m.opts.Catalog.UpdateState(ctx, c.ID, catalog.StateRunning, actor); err != nil {
		return log, fail("mark running", err)
	}
	log.OK("mark running", "")
	m.logAction(ctx, c, "migrate", fmt.Sprintf("migrated from %s by %s", m.opts.LegacyLayout.Locator(prefix), actorOrDefault(actor)))
	return log, nil
}

// legacyEngine reads an engine name as the previous generation wrote it,
// in any case.
func legacyEngine(s string) (catalog.Engine, error) {
	for _, e := range []catalog.Engine{catalog.Postgres, catalog.MariaDB, catalog.MongoDB} {
		if strings.EqualFold(s, string(e)) {
			return e, nil
		}
	}
	return "", errors.NotValidf("engine %q", s)
}
