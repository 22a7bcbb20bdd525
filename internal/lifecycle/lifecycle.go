// Package lifecycle drives the multi-step workflows that provision,
// restart, back up, restore, migrate and delete database instances.
//
// No transaction spans the catalog and the swarm. Every workflow returns a
// report.Log naming each step it committed, and a failure part way through
// leaves the committed steps in place for an operator to reconcile.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ecairns22/mydb/internal/authz"
	"github.com/ecairns22/mydb/internal/blob"
	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/engine"
	"github.com/ecairns22/mydb/internal/notify"
	"github.com/ecairns22/mydb/internal/ports"
	"github.com/ecairns22/mydb/internal/runner"
	"github.com/ecairns22/mydb/internal/swarm"
)

var logger = loggo.GetLogger("mydb.lifecycle")

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateName checks that name is usable as a service, volume and
// database name.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return errors.NotValidf("instance name %q: must match %s", name, validName.String())
	}
	return nil
}

// EngineSpec is how an engine's service is shaped on the swarm.
type EngineSpec struct {
	Image       string
	Port        int
	MountPath   string
	ServiceUser string
	AdminPass   string
}

// portPollInterval is how often a restarted instance's port is probed.
const portPollInterval = 2 * time.Second

// Options wires a Manager. Migrate and LegacyLayout are only needed by
// Migrate. When Host is set, restart waits up to PortTimeout for the
// instance's published port on Host before marking it running.
type Options struct {
	Catalog      *catalog.Store
	Migrate      *catalog.Store
	Swarm        *swarm.Client
	Adapters     engine.Registry
	Engines      map[catalog.Engine]EngineSpec
	Ports        *ports.Allocator
	Blob         blob.Store
	Layout       blob.Layout
	LegacyLayout blob.Layout
	Notifier     notify.Notifier
	Clock        clock.Clock
	Host         string
	PortTimeout  time.Duration
}

// Manager runs lifecycle workflows. Each call runs to completion within
// the caller's request; nothing runs in the background.
type Manager struct {
	opts Options
	gate *authz.Gate
}

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.PortTimeout == 0 {
		opts.PortTimeout = 120 * time.Second
	}
	return &Manager{
		opts: opts,
		gate: authz.New(opts.Catalog, opts.Adapters),
	}
}

// StepError reports a workflow that failed after earlier steps committed.
// Nothing is rolled back.
type StepError struct {
	Step      string
	Committed []string
	Err       error
}

func (e *StepError) Error() string {
	if len(e.Committed) == 0 {
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v (already done: %s)", e.Step, e.Err, strings.Join(e.Committed, ", "))
}

func (e *StepError) Unwrap() error { return e.Err }

// active returns the record of an active instance.
func (m *Manager) active(ctx context.Context, name string) (*catalog.Container, error) {
	st, err := m.opts.Catalog.GetState(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.opts.Catalog.GetContainer(ctx, st.CID)
}

func (m *Manager) engineSpec(kind catalog.Engine) (EngineSpec, error) {
	spec, ok := m.opts.Engines[kind]
	if !ok {
		return EngineSpec{}, errors.NotSupportedf("engine %s is not configured", kind)
	}
	return spec, nil
}

func (m *Manager) logAction(ctx context.Context, c *catalog.Container, action, description string) {
	err := m.opts.Catalog.AppendLog(ctx, catalog.LogEntry{
		CID:         c.ID,
		Name:        c.Info.Name,
		Action:      action,
		Description: description,
	})
	if err != nil {
		logger.Errorf("recording %s of %s: %v", action, c.Info.Name, err)
	}
}

func (m *Manager) notify(ctx context.Context, subject, body string) {
	if m.opts.Notifier != nil {
		m.opts.Notifier.Notify(ctx, subject, body)
	}
}

// redactDescriptor encodes the swarm's service descriptor for the catalog
// with every secret removed from it.
func redactDescriptor(svc any, secrets ...string) (json.RawMessage, error) {
	data, err := json.Marshal(svc)
	if err != nil {
		return nil, errors.Annotate(err, "encoding service descriptor")
	}
	quoted := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s == "" {
			continue
		}
		q, _ := json.Marshal(s)
		quoted = append(quoted, strings.Trim(string(q), `"`))
	}
	return json.RawMessage(runner.Redact(string(data), quoted...)), nil
}

// locate resolves a backup locator of name to a key prefix in the store.
// An empty locator means the newest backup: the last one the catalog
// recorded, else the newest prefix in the store.
func (m *Manager) locate(ctx context.Context, cat *catalog.Store, layout blob.Layout, name, locator string) (string, error) {
	if locator == "" && cat != nil {
		url, err := cat.LastBackupURL(ctx, name)
		switch {
		case err == nil:
			locator = url
		case !errors.Is(err, errors.NotFound):
			return "", err
		}
	}
	if locator == "" {
		prefix, err := blob.LatestBackup(ctx, m.opts.Blob, layout, name)
		if err != nil {
			return "", err
		}
		return prefix, nil
	}
	bucket, key, err := blob.ParseLocator(locator)
	if err != nil {
		return "", err
	}
	if bucket != m.opts.Blob.Bucket() {
		return "", errors.NotValidf("locator %s outside bucket %s", locator, m.opts.Blob.Bucket())
	}
	return blob.Dir(key), nil
}
