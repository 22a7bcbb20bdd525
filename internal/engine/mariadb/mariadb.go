// Package mariadb is the engine adapter for MariaDB instances.
package mariadb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/creds"
	"github.com/ecairns22/mydb/internal/engine"
	"github.com/ecairns22/mydb/internal/report"
	"github.com/ecairns22/mydb/internal/runner"
)

var logger = loggo.GetLogger("mydb.engine.mariadb")

const (
	connectTimeout = 10 * time.Second
	anyHost        = "%"
)

var initTemplate = engine.ParseTemplate("init.sql", `-- Create Database
CREATE DATABASE IF NOT EXISTS {{mysqlIdent .DBName}};

-- Create User
CREATE USER IF NOT EXISTS {{mysql .DBUser}}@'%' IDENTIFIED BY {{mysql .DBUserPass}};

-- Grant privileges
GRANT ALL PRIVILEGES ON {{mysqlIdent .DBName}}.* TO {{mysql .DBUser}}@'%' WITH GRANT OPTION;
FLUSH PRIVILEGES;
`)

// Adapter drives MariaDB instances. Client tools read the admin account
// from a scoped option file.
type Adapter struct {
	*engine.Base
	check func(ctx context.Context, port int, user, password string) bool
}

// New returns a MariaDB adapter.
func New(opts engine.Options) *Adapter {
	a := &Adapter{Base: engine.NewBase(catalog.MariaDB, opts)}
	a.check = a.login
	return a
}

func (a *Adapter) InitScript(p engine.Params) (engine.InitScript, error) {
	content, err := engine.Render(initTemplate, p)
	if err != nil {
		return engine.InitScript{}, err
	}
	return engine.InitScript{
		ConfigName: fmt.Sprintf("mydb_%s_init.sql", p.Name),
		Target:     engine.InitTarget + "init.sql",
		Content:    content,
	}, nil
}

// Env sets the root password. A non-root admin account is created by the
// image as well.
func (a *Adapter) Env(engine.Params) []string {
	env := []string{"MARIADB_ROOT_PASSWORD=" + a.AdminPass}
	if a.AdminUser != "" && a.AdminUser != "root" {
		env = append(env, "MARIADB_USER="+a.AdminUser, "MARIADB_PASSWORD="+a.AdminPass)
	}
	return append(env, "TZ="+a.TZ)
}

func (a *Adapter) Annotate(info *catalog.Info, _ engine.Params) {
	info.MariaDB = &catalog.MariaDBInfo{UserHost: anyHost}
}

func (a *Adapter) open(port int, user, password, db string) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(a.Host, strconv.Itoa(port))
	cfg.DBName = db
	cfg.Timeout = connectTimeout
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Annotate(err, "configuring connection")
	}
	return sql.OpenDB(connector), nil
}

func (a *Adapter) Authenticate(ctx context.Context, port int, user, password string) bool {
	return a.check(ctx, port, user, password)
}

func (a *Adapter) login(ctx context.Context, port int, user, password string) bool {
	db, err := a.open(port, user, password, "")
	if err == nil {
		defer db.Close()
		err = db.PingContext(ctx)
	}
	if err != nil {
		logger.Infof("authentication of %s on port %d failed: %v", user, port, runner.Redact(err.Error(), password))
		return false
	}
	return true
}

func (a *Adapter) AdminAuthenticate(ctx context.Context, port int) bool {
	return a.Authenticate(ctx, port, a.AdminUser, a.AdminPass)
}

// command builds a client command reading the admin account from opts,
// which must come first on the command line.
func (a *Adapter) command(name string, opts *creds.File, port int, args ...string) runner.Spec {
	base := []string{"--defaults-extra-file=" + opts.Path, "--host", a.Host, "--port", strconv.Itoa(port)}
	return runner.Spec{Name: name, Args: append(base, args...)}
}

// Backup dumps every database in one transaction-consistent {name}.sql.
func (a *Adapter) Backup(ctx context.Context, c *catalog.Container, backupType string) (*report.Log, error) {
	log := &report.Log{}
	opts, err := creds.WriteClientOptionFile(a.TempDir, a.AdminUser, a.AdminPass)
	if err != nil {
		log.Fail("write option file", err)
		return log, a.AbortBackup(ctx, c, backupType, "mariadb-dump", log)
	}
	defer opts.Remove()

	info := &c.Info
	spec := a.command("mariadb-dump", opts, info.Port, "--single-transaction", "--all-databases")
	attempt, err := a.BeginBackup(ctx, c, backupType, spec.String())
	if err != nil {
		return log, err
	}
	key := attempt.Key(info.Name + ".sql")
	if err := a.Dump(ctx, spec, key); err != nil {
		log.Fail("dump all databases", err)
	} else {
		log.OK("dump all databases", "%s", a.Layout.Locator(key))
	}
	return log, attempt.End(ctx, spec.String(), log)
}

// Restore feeds the dump to the client. The dump creates its own
// databases, so no database is selected.
func (a *Adapter) Restore(ctx context.Context, info *catalog.Info, prefix string) (*report.Log, error) {
	log := &report.Log{}
	err := a.WaitReady(ctx, info.Port, func(ctx context.Context) bool {
		return a.AdminAuthenticate(ctx, info.Port)
	})
	if err != nil {
		return log, log.Fail("wait for service", err)
	}
	log.OK("wait for service", "port %d accepts connections", info.Port)

	script, err := a.Latest(ctx, prefix, ".sql")
	if err != nil {
		return log, log.Fail("select script", err)
	}
	opts, err := creds.WriteClientOptionFile(a.TempDir, a.AdminUser, a.AdminPass)
	if err != nil {
		return log, log.Fail("write option file", err)
	}
	defer opts.Remove()

	spec := a.command("mariadb", opts, info.Port)
	spec.Timeout = a.Timeouts.Script
	warnings, err := a.Load(ctx, spec, script)
	if err != nil {
		return log, log.Fail("restore "+path.Base(script), err)
	}
	log.OK("restore "+path.Base(script), "%s", engine.Outcome(script, warnings))
	return log, nil
}

// Audit lists accounts, databases, tables and row counts. A table that
// cannot be counted is reported inline.
func (a *Adapter) Audit(ctx context.Context, info *catalog.Info) string {
	r := engine.NewAuditReport("MariaDB", info, a.Host)
	return r.Finish(a.audit(ctx, r, info))
}

func (a *Adapter) audit(ctx context.Context, r *engine.AuditReport, info *catalog.Info) error {
	db, err := a.open(info.Port, a.AdminUser, a.AdminPass, "")
	if err != nil {
		return err
	}
	defer db.Close()

	r.Section("USERS AND ACCOUNTS:")
	r.Printf("%-30s %-20s %-12s %-10s %-10s", "User", "Host", "SuperUser", "Create", "Grant")
	r.Rule()
	rows, err := db.QueryContext(ctx, `SELECT User, Host, Super_priv = 'Y', Create_priv = 'Y', Grant_priv = 'Y'
		FROM mysql.user ORDER BY User, Host`)
	if err != nil {
		return errors.New(a.Redact(err.Error()))
	}
	for rows.Next() {
		var user, host string
		var super, create, grant bool
		if err := rows.Scan(&user, &host, &super, &create, &grant); err != nil {
			rows.Close()
			return errors.Annotate(err, "reading accounts")
		}
		r.Printf("%-30s %-20s %-12t %-10t %-10t", user, host, super, create, grant)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Annotate(err, "listing accounts")
	}
	r.Line("")

	r.Section("DATABASES:")
	schemas, err := queryStrings(ctx, db, `SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('information_schema', 'performance_schema') ORDER BY schema_name`)
	if err != nil {
		return errors.Annotate(err, "listing databases")
	}
	if len(schemas) == 0 {
		r.Line("No user databases found.")
		return nil
	}
	for _, schema := range schemas {
		r.Line("")
		r.Line("Database: " + schema)
		r.Rule()
		tables, err := queryStrings(ctx, db, `SELECT table_name FROM information_schema.tables
			WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name`, schema)
		if err != nil {
			r.Printf("  ERROR: %v", err)
			continue
		}
		if len(tables) == 0 {
			r.Printf("  No tables found in database '%s'", schema)
			continue
		}
		r.Printf("%-30s %-40s %-15s", "Database", "Table", "Row Count")
		r.Rule()
		for _, table := range tables {
			var n int64
			q := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", quoteName(schema), quoteName(table))
			if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
				r.Printf("%-30s %-40s ERROR: %v", schema, table, err)
				continue
			}
			r.Printf("%-30s %-40s %-15d", schema, table, n)
		}
	}
	return nil
}

func quoteName(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func queryStrings(ctx context.Context, db *sql.DB, q string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (a *Adapter) FromLegacy(raw map[string]any) (engine.Params, error) {
	return engine.LegacyParams(raw, []string{"DB_USER", "MARIADB_USER"}, "admin")
}

func (a *Adapter) ConnectionHelp(info *catalog.Info) string {
	var b strings.Builder
	b.WriteString("Your MariaDB database server has been created. Use the following command ")
	b.WriteString("to connect from the Linux command line.\n\n")
	fmt.Fprintf(&b, "mariadb -h %s -P %d -D %s -u %s -p\n\n", a.Host, info.Port, info.DBName, info.DBUser)
	b.WriteString("You will be prompted to enter your password.\n")
	return b.String()
}

var _ engine.Adapter = (*Adapter)(nil)
