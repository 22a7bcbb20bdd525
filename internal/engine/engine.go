// Package engine holds what the database adapters share: the adapter
// contract, the backup attempt bookkeeping and the streaming pipelines
// between dump tools and the blob store.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ecairns22/mydb/internal/blob"
	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/notify"
	"github.com/ecairns22/mydb/internal/poll"
	"github.com/ecairns22/mydb/internal/report"
	"github.com/ecairns22/mydb/internal/runner"
)

var logger = loggo.GetLogger("mydb.engine")

// InitTarget is the directory the engine images run init scripts from.
const InitTarget = "/docker-entrypoint-initdb.d/"

// Params are the inputs of a new instance.
type Params struct {
	Name        string
	DBName      string
	DBUser      string
	DBUserPass  string
	Port        int
	Owner       string
	Contact     string
	BackupFreq  string
	Description string
	// Legacy marks an instance rebuilt from first-generation metadata.
	Legacy bool
}

// InitScript is rendered content stored as a swarm config and mounted into
// the service at Target.
type InitScript struct {
	ConfigName string
	Target     string
	Content    string
}

// Adapter is the per-engine capability set.
type Adapter interface {
	Kind() catalog.Engine
	InitScript(p Params) (InitScript, error)
	Env(p Params) []string
	// Annotate fills the engine payload of a new instance's Info.
	Annotate(info *catalog.Info, p Params)
	// Authenticate opens and closes a connection. Any failure to connect
	// counts as a failed check.
	Authenticate(ctx context.Context, port int, user, password string) bool
	// AdminAuthenticate checks the admin account, used for readiness.
	AdminAuthenticate(ctx context.Context, port int) bool
	Backup(ctx context.Context, c *catalog.Container, backupType string) (*report.Log, error)
	// Restore applies the backup stored under prefix to the instance.
	Restore(ctx context.Context, info *catalog.Info, prefix string) (*report.Log, error)
	Audit(ctx context.Context, info *catalog.Info) string
	FromLegacy(raw map[string]any) (Params, error)
	ConnectionHelp(info *catalog.Info) string
}

// Registry maps engine names to adapters.
type Registry map[catalog.Engine]Adapter

// NewRegistry indexes adapters by kind.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Kind()] = a
	}
	return r
}

// Get returns the adapter for e.
func (r Registry) Get(e catalog.Engine) (Adapter, error) {
	a, ok := r[e]
	if !ok {
		return nil, errors.NotSupportedf("engine %q", e)
	}
	return a, nil
}

// Kinds lists the configured engines, sorted.
func (r Registry) Kinds() []catalog.Engine {
	out := make([]catalog.Engine, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BackupLogger records backup attempts. The catalog store satisfies it.
type BackupLogger interface {
	AppendBackupLog(ctx context.Context, e catalog.BackupEntry) error
}

// Timeouts bound the long-running steps.
type Timeouts struct {
	Script        time.Duration
	Dump          time.Duration
	Ready         time.Duration
	ReadyInterval time.Duration
}

// Options configure an adapter. AdminUser and AdminPass are the engine's
// administrative account, used for backups, restores and audits.
type Options struct {
	Host      string
	AdminUser string
	AdminPass string
	TZ        string
	// TempDir receives short-lived credential files. Empty means the
	// system default.
	TempDir  string
	Runner   runner.CommandRunner
	Blob     blob.Store
	Layout   blob.Layout
	Log      BackupLogger
	Notifier notify.Notifier
	Clock    clock.Clock
	Timeouts Timeouts
}

// Base carries the options and the behavior every adapter shares.
type Base struct {
	Options
	kind catalog.Engine
}

// NewBase applies defaults to opts.
func NewBase(kind catalog.Engine, opts Options) *Base {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Runner == nil {
		opts.Runner = &runner.OSRunner{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Timeouts.Script == 0 {
		opts.Timeouts.Script = 30 * time.Minute
	}
	if opts.Timeouts.Dump == 0 {
		opts.Timeouts.Dump = 30 * time.Minute
	}
	if opts.Timeouts.Ready == 0 {
		opts.Timeouts.Ready = 2 * time.Minute
	}
	if opts.Timeouts.ReadyInterval == 0 {
		opts.Timeouts.ReadyInterval = 2 * time.Second
	}
	return &Base{Options: opts, kind: kind}
}

// Kind names the adapter's engine.
func (b *Base) Kind() catalog.Engine { return b.kind }

// Redact hides the admin password in text.
func (b *Base) Redact(text string) string {
	return runner.Redact(text, b.AdminPass)
}

// WaitReady polls ready until it succeeds or the readiness timeout passes.
func (b *Base) WaitReady(ctx context.Context, port int, ready func(ctx context.Context) bool) error {
	err := poll.Until(ctx, poll.Options{
		Interval: b.Timeouts.ReadyInterval,
		Timeout:  b.Timeouts.Ready,
		Clock:    b.Clock,
	}, fmt.Sprintf("%s on port %d", b.kind, port), func(ctx context.Context) (bool, error) {
		return ready(ctx), nil
	})
	if err != nil {
		return errors.Annotate(err, "service not ready")
	}
	return nil
}

// Artifacts lists the keys under prefix ending in suffix, sorted.
func (b *Base) Artifacts(ctx context.Context, prefix, suffix string) ([]string, error) {
	objs, err := b.Blob.List(ctx, prefix)
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s", prefix)
	}
	return blob.Select(objs, suffix), nil
}

// Latest returns the lexicographically greatest key under prefix ending in
// suffix.
func (b *Base) Latest(ctx context.Context, prefix, suffix string) (string, error) {
	keys, err := b.Artifacts(ctx, prefix, suffix)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", errors.NotFoundf("%s file under %s", suffix, b.Layout.Locator(prefix))
	}
	if len(keys) > 1 {
		logger.Warningf("%d %s files under %s, using %s", len(keys), suffix, prefix, keys[len(keys)-1])
	}
	return keys[len(keys)-1], nil
}

// ValidBackupType rejects types other than User and Admin.
func ValidBackupType(t string) error {
	switch t {
	case catalog.BackupUser, catalog.BackupAdmin:
		return nil
	}
	return errors.NotValidf("backup type %q", t)
}
