package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"

	"github.com/ecairns22/mydb/internal/blob"
	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/config"
	"github.com/ecairns22/mydb/internal/engine"
	"github.com/ecairns22/mydb/internal/engine/mariadb"
	"github.com/ecairns22/mydb/internal/engine/mongodb"
	"github.com/ecairns22/mydb/internal/engine/postgres"
	"github.com/ecairns22/mydb/internal/lifecycle"
	"github.com/ecairns22/mydb/internal/notify"
	"github.com/ecairns22/mydb/internal/ports"
	"github.com/ecairns22/mydb/internal/report"
	"github.com/ecairns22/mydb/internal/runner"
	"github.com/ecairns22/mydb/internal/swarm"
)

var logger = loggo.GetLogger("mydb.cli")

// app carries the handles one command works with. It is built once per
// invocation and closed when the command returns.
type app struct {
	cfg      *config.Config
	catalog  *catalog.Store
	migrate  *catalog.Store
	swarm    *swarm.Client
	blob     blob.Store
	layout   blob.Layout
	adapters engine.Registry
	notifier notify.Notifier
	manager  *lifecycle.Manager
}

func (a *app) Close() {
	if a.swarm != nil {
		a.swarm.Close()
	}
	if a.migrate != nil {
		a.migrate.Close()
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
}

// loadConfig reads the config file named by --config, or the default one,
// and applies the logger levels.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	spec := cfg.Log.Spec
	if logSpec != "" {
		spec = logSpec
	}
	if err := loggo.ConfigureLoggers(spec); err != nil {
		return nil, errors.Annotatef(err, "logger spec %q", spec)
	}
	logger.Debugf("config loaded from %s", path)
	return cfg, nil
}

// buildCatalog opens just the catalog, for read-only listings.
func buildCatalog(ctx context.Context) (*config.Config, *catalog.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := catalog.Open(ctx, cfg.Catalog.Path)
	if err != nil {
		return nil, nil, errors.Annotate(err, "opening catalog")
	}
	return cfg, store, nil
}

// buildSwarm connects to the swarm manager only, for orchestrator-level
// listings and cleanup.
func buildSwarm() (*swarm.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return swarm.NewFromEnv(cfg.Swarm.Host, swarmOptions(cfg, mailer(cfg)))
}

func swarmOptions(cfg *config.Config, n notify.Notifier) swarm.Options {
	return swarm.Options{
		ConfigUID:    cfg.Swarm.ConfigUID,
		ConfigGID:    cfg.Swarm.ConfigGID,
		Network:      cfg.Swarm.Network,
		StartTimeout: config.Seconds(cfg.Swarm.StartTimeoutSeconds),
		Notifier:     n,
	}
}

func mailer(cfg *config.Config) *notify.Mailer {
	return notify.NewMailer(cfg.Mail.Server, cfg.Mail.From, cfg.Mail.Admins)
}

// buildApp loads config and wires the catalogs, the swarm client, the
// backup store and the engine adapters into a lifecycle manager.
func buildApp(ctx context.Context) (*app, error) {
	cfg, store, err := buildCatalog(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, catalog: store}

	if cfg.Catalog.MigratePath != "" {
		a.migrate, err = catalog.Open(ctx, cfg.Catalog.MigratePath)
		if err != nil {
			a.Close()
			return nil, errors.Annotate(err, "opening migrate catalog")
		}
	}

	a.notifier = mailer(cfg)
	a.swarm, err = swarm.NewFromEnv(cfg.Swarm.Host, swarmOptions(cfg, a.notifier))
	if err != nil {
		a.Close()
		return nil, err
	}

	s3, err := blob.NewS3Store(ctx, blob.S3Options{
		Bucket:    cfg.Backup.Bucket,
		Region:    cfg.Backup.Region,
		Endpoint:  cfg.Backup.Endpoint,
		PathStyle: cfg.Backup.PathStyle,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.blob = s3
	a.layout = blob.Layout{Bucket: cfg.Backup.Bucket, Prefix: cfg.Backup.Prefix, Location: cfg.Location()}

	specs := make(map[catalog.Engine]lifecycle.EngineSpec)
	var adapters []engine.Adapter
	for _, kind := range cfg.EngineKinds() {
		ec := cfg.Engines[kind]
		opts := engine.Options{
			Host:      cfg.Swarm.ContainerHost,
			AdminUser: ec.AdminUser,
			AdminPass: ec.AdminPassword,
			TZ:        cfg.TZ,
			Runner:    &runner.OSRunner{},
			Blob:      a.blob,
			Layout:    a.layout,
			Log:       a.catalog,
			Notifier:  a.notifier,
			Clock:     clock.WallClock,
			Timeouts: engine.Timeouts{
				Script: config.Seconds(cfg.Backup.ScriptTimeoutSeconds),
				Dump:   config.Seconds(cfg.Backup.DumpTimeoutSeconds),
				Ready:  config.Seconds(cfg.Backup.ReadyTimeoutSeconds),
			},
		}
		var ad engine.Adapter
		switch catalog.Engine(kind) {
		case catalog.Postgres:
			ad = postgres.New(opts)
		case catalog.MariaDB:
			ad = mariadb.New(opts)
		case catalog.MongoDB:
			ad = mongodb.New(opts)
		default:
			a.Close()
			return nil, errors.NotSupportedf("engine %q", kind)
		}
		adapters = append(adapters, ad)
		specs[catalog.Engine(kind)] = lifecycle.EngineSpec{
			Image:       ec.Image,
			Port:        ec.DefaultPort,
			MountPath:   ec.MappedVolume,
			ServiceUser: ec.ServiceUser,
			AdminPass:   ec.AdminPassword,
		}
	}
	a.adapters = engine.NewRegistry(adapters...)
	logger.Debugf("engines: %v", a.adapters.Kinds())

	a.manager = lifecycle.New(lifecycle.Options{
		Catalog:      a.catalog,
		Migrate:      a.migrate,
		Swarm:        a.swarm,
		Adapters:     a.adapters,
		Engines:      specs,
		Ports:        ports.New(cfg.Ports.Base, cfg.Ports.Limit, a.catalog),
		Blob:         a.blob,
		Layout:       a.layout,
		LegacyLayout: blob.Layout{Bucket: cfg.Backup.Bucket, Prefix: cfg.Backup.LegacyPrefix, Location: cfg.Location()},
		Notifier:     a.notifier,
		Host:         cfg.Swarm.ContainerHost,
		PortTimeout:  config.Seconds(cfg.Backup.ReadyTimeoutSeconds),
	})
	return a, nil
}

// printLog writes a workflow's step log. A nil log prints nothing.
func printLog(w io.Writer, log *report.Log) {
	if log == nil {
		return
	}
	fmt.Fprint(w, log.String())
}

// asker reads answers from a command's input. One reader serves every
// question so buffered input is not lost between them.
type asker struct {
	r *bufio.Reader
	w io.Writer
}

func newAsker(cmd *cobra.Command) *asker {
	return &asker{r: bufio.NewReader(cmd.InOrStdin()), w: cmd.OutOrStdout()}
}

func (a *asker) line(label string) string {
	fmt.Fprintf(a.w, "%s: ", label)
	line, _ := a.r.ReadString('\n')
	return strings.TrimSpace(line)
}

func (a *asker) confirm(question string) bool {
	fmt.Fprintf(a.w, "%s [y/N] ", question)
	answer, _ := a.r.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

// parseAssignments turns KEY=VALUE arguments into an Info update.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.NotValidf("assignment %q: want KEY=VALUE", arg)
		}
		out[k] = v
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
