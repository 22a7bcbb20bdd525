// Package postgres is the engine adapter for PostgreSQL instances.
package postgres

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/engine"
	"github.com/ecairns22/mydb/internal/report"
	"github.com/ecairns22/mydb/internal/runner"
)

var logger = loggo.GetLogger("mydb.engine.postgres")

const (
	connectTimeout = 10 * time.Second
	// scriptTimeout bounds the restore of the globals script.
	scriptTimeout = 5 * time.Minute
	adminDB       = "postgres"
)

var initTemplate = engine.ParseTemplate("init.sql", `-- Create Role
CREATE ROLE {{ident .DBUser}} WITH LOGIN PASSWORD {{sql .DBUserPass}};
ALTER USER {{ident .DBUser}} WITH SUPERUSER;

-- Create Database
CREATE DATABASE {{ident .DBName}};

-- Grant privileges
GRANT ALL PRIVILEGES ON DATABASE {{ident .DBName}} TO {{ident .DBUser}};
`)

// Adapter drives PostgreSQL instances. Dump tools get the admin password
// through PGPASSWORD.
type Adapter struct {
	*engine.Base
	check         func(ctx context.Context, port int, user, password string) bool
	listDatabases func(ctx context.Context, port int) ([]string, error)
}

// New returns a PostgreSQL adapter.
func New(opts engine.Options) *Adapter {
	a := &Adapter{Base: engine.NewBase(catalog.Postgres, opts)}
	a.check = a.login
	a.listDatabases = a.databases
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

// Env creates the admin account and, for instances migrated from the first
// generation, keeps md5 host authentication so restored password hashes
// still work.
func (a *Adapter) Env(p engine.Params) []string {
	env := []string{
		"POSTGRES_USER=" + a.AdminUser,
		"POSTGRES_PASSWORD=" + a.AdminPass,
		"POSTGRES_DB=" + adminDB,
	}
	if p.Legacy {
		env = append(env, "POSTGRES_INITDB_ARGS=--auth-host=md5")
	}
	return append(env, "TZ="+a.TZ)
}

func (a *Adapter) Annotate(info *catalog.Info, p engine.Params) {
	info.Postgres = &catalog.PostgresInfo{}
	if p.Legacy {
		info.Postgres.AuthMethod = "md5"
	}
}

func (a *Adapter) dsn(port int, user, password, db string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   net.JoinHostPort(a.Host, strconv.Itoa(port)),
		Path:   "/" + db,
	}
	return u.String()
}

func (a *Adapter) connect(ctx context.Context, port int, user, password, db string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(a.dsn(port, user, password, db))
	if err != nil {
		return nil, errors.Annotate(err, "parsing connection settings")
	}
	cfg.ConnectTimeout = connectTimeout
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.New(runner.Redact(err.Error(), password))
	}
	return conn, nil
}

func (a *Adapter) Authenticate(ctx context.Context, port int, user, password string) bool {
	return a.check(ctx, port, user, password)
}

func (a *Adapter) login(ctx context.Context, port int, user, password string) bool {
	conn, err := a.connect(ctx, port, user, password, adminDB)
	if err != nil {
		logger.Infof("authentication of %s on port %d failed: %v", user, port, err)
		return false
	}
	conn.Close(ctx)
	return true
}

func (a *Adapter) AdminAuthenticate(ctx context.Context, port int) bool {
	return a.Authenticate(ctx, port, a.AdminUser, a.AdminPass)
}

func (a *Adapter) command(name string, port int, args ...string) runner.Spec {
	base := []string{"--host", a.Host, "--port", strconv.Itoa(port), "--username", a.AdminUser, "--no-password"}
	return runner.Spec{
		Name: name,
		Args: append(base, args...),
		Env:  []string{"PGPASSWORD=" + a.AdminPass},
	}
}

func (a *Adapter) databases(ctx context.Context, port int) ([]string, error) {
	conn, err := a.connect(ctx, port, a.AdminUser, a.AdminPass, adminDB)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)
	rows, err := conn.Query(ctx, `SELECT datname FROM pg_database WHERE datistemplate = false AND datname <> 'postgres' ORDER BY datname`)
	if err != nil {
		return nil, errors.Annotate(err, "listing databases")
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Backup dumps the globals (roles, tablespaces) as {name}.sql and every
// user database in custom format as {name}_{db}.dump. A failed database
// does not stop the others.
func (a *Adapter) Backup(ctx context.Context, c *catalog.Container, backupType string) (*report.Log, error) {
	log := &report.Log{}
	info := &c.Info
	globals := a.command("pg_dumpall", info.Port, "--globals-only", "--lock-wait-timeout=8000")
	attempt, err := a.BeginBackup(ctx, c, backupType, globals.String())
	if err != nil {
		return log, err
	}

	last := globals
	key := attempt.Key(info.Name + ".sql")
	if err := a.Dump(ctx, globals, key); err != nil {
		log.Fail("dump globals", err)
	} else {
		log.OK("dump globals", "%s", a.Layout.Locator(key))
	}

	dbs, err := a.listDatabases(ctx, info.Port)
	if err != nil {
		log.Fail("list databases", err)
	}
	for _, db := range dbs {
		spec := a.command("pg_dump", info.Port, "--dbname", db, "--lock-wait-timeout=5000", "--format=custom")
		last = spec
		key := attempt.Key(fmt.Sprintf("%s_%s.dump", info.Name, db))
		if err := a.Dump(ctx, spec, key); err != nil {
			log.Fail("dump "+db, err)
			continue
		}
		log.OK("dump "+db, "%s", a.Layout.Locator(key))
	}
	return log, attempt.End(ctx, last.String(), log)
}

// dumpDatabase recovers the database name from a {name}_{db}.dump key.
func dumpDatabase(instance, key string) string {
	base := strings.TrimSuffix(path.Base(key), ".dump")
	db, ok := strings.CutPrefix(base, instance+"_")
	if !ok {
		return ""
	}
	return db
}

// Restore applies the globals script, then each dump in key order. The
// instance's own database already exists; any other is created from its
// dump. A failed or timed out dump is reported and the rest continue.
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
	dumps, err := a.Artifacts(ctx, prefix, ".dump")
	if err != nil {
		return log, log.Fail("select dumps", err)
	}

	spec := a.command("psql", info.Port, "--dbname", info.DBName)
	spec.Timeout = scriptTimeout
	warnings, err := a.Load(ctx, spec, script)
	if err != nil {
		return log, log.Fail("restore "+path.Base(script), err)
	}
	log.OK("restore "+path.Base(script), "%s", engine.Outcome(script, warnings))

	for _, key := range dumps {
		args := []string{"--dbname", info.DBName}
		if db := dumpDatabase(info.Name, key); db != "" && db != info.DBName {
			args = []string{"--create", "--dbname", adminDB}
		}
		spec := a.command("pg_restore", info.Port, args...)
		spec.Timeout = a.Timeouts.Dump
		warnings, err := a.Load(ctx, spec, key)
		if err != nil {
			log.Fail("restore "+path.Base(key), err)
			continue
		}
		log.OK("restore "+path.Base(key), "%s", engine.Outcome(key, warnings))
	}
	if log.Failed() {
		return log, errors.Errorf("restore of %s incomplete: %s", info.Name, log.Errors())
	}
	return log, nil
}

// Audit lists roles, databases, tables and row counts. A table that cannot
// be counted is reported inline.
func (a *Adapter) Audit(ctx context.Context, info *catalog.Info) string {
	r := engine.NewAuditReport("PostgreSQL", info, a.Host)
	return r.Finish(a.audit(ctx, r, info))
}

func (a *Adapter) audit(ctx context.Context, r *engine.AuditReport, info *catalog.Info) error {
	conn, err := a.connect(ctx, info.Port, a.AdminUser, a.AdminPass, adminDB)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	r.Section("USERS AND ROLES:")
	r.Printf("%-30s %-12s %-10s %-12s %-10s", "Role Name", "Superuser", "CreateDB", "CreateRole", "CanLogin")
	r.Rule()
	rows, err := conn.Query(ctx, `SELECT rolname, rolsuper, rolcreatedb, rolcreaterole, rolcanlogin FROM pg_roles ORDER BY rolname`)
	if err != nil {
		return errors.Annotate(err, "listing roles")
	}
	for rows.Next() {
		var name string
		var super, createDB, createRole, login bool
		if err := rows.Scan(&name, &super, &createDB, &createRole, &login); err != nil {
			rows.Close()
			return errors.Annotate(err, "reading roles")
		}
		r.Printf("%-30s %-12t %-10t %-12t %-10t", name, super, createDB, createRole, login)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Annotate(err, "listing roles")
	}
	r.Line("")

	r.Section("DATABASES:")
	dbs, err := a.listDatabases(ctx, info.Port)
	if err != nil {
		return err
	}
	if len(dbs) == 0 {
		r.Line("No user databases found.")
		return nil
	}
	for _, db := range dbs {
		r.Line("")
		r.Line("Database: " + db)
		r.Rule()
		if err := a.auditDatabase(ctx, r, info.Port, db); err != nil {
			r.Printf("  ERROR: %v", err)
		}
	}
	return nil
}

func (a *Adapter) auditDatabase(ctx context.Context, r *engine.AuditReport, port int, db string) error {
	conn, err := a.connect(ctx, port, a.AdminUser, a.AdminPass, db)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, `SELECT schemaname, tablename FROM pg_tables
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema') ORDER BY schemaname, tablename`)
	if err != nil {
		return errors.Annotate(err, "listing tables")
	}
	type table struct{ schema, name string }
	tables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (table, error) {
		var t table
		err := row.Scan(&t.schema, &t.name)
		return t, err
	})
	if err != nil {
		return errors.Annotate(err, "listing tables")
	}
	if len(tables) == 0 {
		r.Printf("  No user tables found in database '%s'", db)
		return nil
	}
	r.Printf("%-30s %-40s %-15s", "Schema", "Table", "Row Count")
	r.Rule()
	for _, t := range tables {
		var n int64
		q := "SELECT count(*) FROM " + pgx.Identifier{t.schema, t.name}.Sanitize()
		if err := conn.QueryRow(ctx, q).Scan(&n); err != nil {
			r.Printf("%-30s %-40s ERROR: %v", t.schema, t.name, err)
			continue
		}
		r.Printf("%-30s %-40s %-15d", t.schema, t.name, n)
	}
	return nil
}

func (a *Adapter) FromLegacy(raw map[string]any) (engine.Params, error) {
	return engine.LegacyParams(raw, []string{"POSTGRES_USER", "DB_USER"}, "")
}

func (a *Adapter) ConnectionHelp(info *catalog.Info) string {
	var b strings.Builder
	b.WriteString("Your database server has been created. Use the following command ")
	b.WriteString("to connect from the Linux command line.\n\n")
	fmt.Fprintf(&b, "psql -h %s -p %d -d %s -U %s --password\n\n", a.Host, info.Port, info.DBName, info.DBUser)
	b.WriteString("If you would like to connect to the database without entering a ")
	b.WriteString("password, create a .pgpass file in your home directory.\n")
	b.WriteString("Set permissions to 600. Format is hostname:port:database:username:password.\n")
	b.WriteString("Cut/paste this line and place in your ~/.pgpass file.\n\n")
	fmt.Fprintf(&b, "%s:%d:%s:%s:PASSWORD\n", a.Host, info.Port, info.DBName, info.DBUser)
	return b.String()
}

var _ engine.Adapter = (*Adapter)(nil)
