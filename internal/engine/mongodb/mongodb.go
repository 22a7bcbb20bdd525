// Package mongodb is the engine adapter for MongoDB instances.
package mongodb

import (
	"context"
	"fmt"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/creds"
	"github.com/ecairns22/mydb/internal/engine"
	"github.com/ecairns22/mydb/internal/report"
	"github.com/ecairns22/mydb/internal/runner"
)

var logger = loggo.GetLogger("mydb.engine.mongodb")

const (
	dialTimeout = 10 * time.Second
	authSource  = "admin"
	// archiveSuffix also matches archives named plain "archive".
	archiveSuffix = "archive"
)

var systemDatabases = map[string]bool{"admin": true, "config": true, "local": true}

var initTemplate = engine.ParseTemplate("init_user.js", `// Create the application database and its owner
db = db.getSiblingDB({{js .DBName}});
db.createCollection("init");

db.getSiblingDB("admin").createUser({
  user: {{js .DBUser}},
  pwd: {{js .DBUserPass}},
  roles: [
    { role: "dbOwner", db: {{js .DBName}} },
    { role: "dbAdmin", db: {{js .DBName}} },
    { role: "userAdminAnyDatabase", db: "admin" },
    { role: "readWriteAnyDatabase", db: "admin" }
  ]
});
`)

// Adapter drives MongoDB instances. The dump tools read the admin password
// from a scoped YAML config file.
type Adapter struct {
	*engine.Base
	check func(ctx context.Context, port int, user, password string) bool
}

// New returns a MongoDB adapter.
func New(opts engine.Options) *Adapter {
	a := &Adapter{Base: engine.NewBase(catalog.MongoDB, opts)}
	a.check = a.login
	return a
}

func (a *Adapter) InitScript(p engine.Params) (engine.InitScript, error) {
	content, err := engine.Render(initTemplate, p)
	if err != nil {
		return engine.InitScript{}, err
	}
	return engine.InitScript{
		ConfigName: fmt.Sprintf("mydb_%s_init_user.js", p.Name),
		Target:     engine.InitTarget + "init_user.js",
		Content:    content,
	}, nil
}

func (a *Adapter) Env(p engine.Params) []string {
	return []string{
		"MONGO_INITDB_ROOT_USERNAME=" + a.AdminUser,
		"MONGO_INITDB_ROOT_PASSWORD=" + a.AdminPass,
		"MONGO_INITDB_DATABASE=" + p.DBName,
		"TZ=" + a.TZ,
	}
}

func (a *Adapter) Annotate(info *catalog.Info, _ engine.Params) {
	info.MongoDB = &catalog.MongoInfo{AuthSource: authSource}
}

func (a *Adapter) dial(port int, user, password string) (*mgo.Session, error) {
	session, err := mgo.DialWithInfo(&mgo.DialInfo{
		Addrs:    []string{net.JoinHostPort(a.Host, strconv.Itoa(port))},
		Direct:   true,
		Timeout:  dialTimeout,
		Source:   authSource,
		Username: user,
		Password: password,
	})
	if err != nil {
		return nil, errors.New(runner.Redact(err.Error(), password))
	}
	return session, nil
}

func (a *Adapter) Authenticate(ctx context.Context, port int, user, password string) bool {
	return a.check(ctx, port, user, password)
}

func (a *Adapter) login(_ context.Context, port int, user, password string) bool {
	session, err := a.dial(port, user, password)
	if err == nil {
		defer session.Close()
		err = session.Ping()
	}
	if err != nil {
		logger.Infof("authentication of %s on port %d failed: %v", user, port, err)
		return false
	}
	return true
}

func (a *Adapter) AdminAuthenticate(ctx context.Context, port int) bool {
	return a.Authenticate(ctx, port, a.AdminUser, a.AdminPass)
}

func (a *Adapter) command(name string, conf *creds.File, port int, args ...string) runner.Spec {
	base := []string{
		"--config=" + conf.Path,
		"--username", a.AdminUser,
		"--authenticationDatabase", authSource,
		"--host", a.Host,
		"--port", strconv.Itoa(port),
	}
	return runner.Spec{Name: name, Args: append(base, args...)}
}

// Backup writes a single archive of every database to {name}.archive.
func (a *Adapter) Backup(ctx context.Context, c *catalog.Container, backupType string) (*report.Log, error) {
	log := &report.Log{}
	conf, err := creds.WriteMongoToolConfig(a.TempDir, a.AdminPass)
	if err != nil {
		log.Fail("write tool config", err)
		return log, a.AbortBackup(ctx, c, backupType, "mongodump", log)
	}
	defer conf.Remove()

	info := &c.Info
	spec := a.command("mongodump", conf, info.Port, "--archive", "--quiet")
	attempt, err := a.BeginBackup(ctx, c, backupType, spec.String())
	if err != nil {
		return log, err
	}
	key := attempt.Key(info.Name + ".archive")
	if err := a.Dump(ctx, spec, key); err != nil {
		log.Fail("dump archive", err)
	} else {
		log.OK("dump archive", "%s", a.Layout.Locator(key))
	}
	return log, attempt.End(ctx, spec.String(), log)
}

func (a *Adapter) Restore(ctx context.Context, info *catalog.Info, prefix string) (*report.Log, error) {
	log := &report.Log{}
	err := a.WaitReady(ctx, info.Port, func(ctx context.Context) bool {
		return a.AdminAuthenticate(ctx, info.Port)
	})
	if err != nil {
		return log, log.Fail("wait for service", err)
	}
	log.OK("wait for service", "port %d accepts connections", info.Port)

	archive, err := a.Latest(ctx, prefix, archiveSuffix)
	if err != nil {
		return log, log.Fail("select archive", err)
	}
	conf, err := creds.WriteMongoToolConfig(a.TempDir, a.AdminPass)
	if err != nil {
		return log, log.Fail("write tool config", err)
	}
	defer conf.Remove()

	spec := a.command("mongorestore", conf, info.Port, "--archive")
	spec.Timeout = a.Timeouts.Dump
	warnings, err := a.Load(ctx, spec, archive)
	if err != nil {
		return log, log.Fail("restore "+path.Base(archive), err)
	}
	log.OK("restore "+path.Base(archive), "%s", engine.Outcome(archive, warnings))
	return log, nil
}

type userInfo struct {
	User  string `bson:"user"`
	DB    string `bson:"db"`
	Roles []struct {
		Role string `bson:"role"`
		DB   string `bson:"db"`
	} `bson:"roles"`
}

// Audit lists users, databases, collections and document counts.
func (a *Adapter) Audit(ctx context.Context, info *catalog.Info) string {
	r := engine.NewAuditReport("MongoDB", info, a.Host)
	return r.Finish(a.audit(r, info))
}

func (a *Adapter) audit(r *engine.AuditReport, info *catalog.Info) error {
	session, err := a.dial(info.Port, a.AdminUser, a.AdminPass)
	if err != nil {
		return err
	}
	defer session.Close()

	r.Section("USERS AND ROLES:")
	var users struct {
		Users []userInfo `bson:"users"`
	}
	err = session.DB(authSource).Run(bson.D{
		{Name: "usersInfo", Value: 1},
		{Name: "showCredentials", Value: false},
	}, &users)
	if err != nil {
		return errors.Annotate(err, "listing users")
	}
	r.Printf("%-30s %-20s %s", "User", "Database", "Roles")
	r.Rule()
	for _, u := range users.Users {
		roles := make([]string, 0, len(u.Roles))
		for _, role := range u.Roles {
			roles = append(roles, role.Role+"@"+role.DB)
		}
		r.Printf("%-30s %-20s %s", u.User, u.DB, strings.Join(roles, ", "))
	}
	r.Line("")

	r.Section("DATABASES:")
	names, err := session.DatabaseNames()
	if err != nil {
		return errors.Annotate(err, "listing databases")
	}
	sort.Strings(names)
	found := false
	for _, name := range names {
		if systemDatabases[name] {
			continue
		}
		found = true
		r.Line("")
		r.Line("Database: " + name)
		r.Rule()
		db := session.DB(name)
		collections, err := db.CollectionNames()
		if err != nil {
			r.Printf("  ERROR: %v", err)
			continue
		}
		if len(collections) == 0 {
			r.Printf("  No collections found in database '%s'", name)
			continue
		}
		r.Printf("%-40s %-15s", "Collection", "Documents")
		r.Rule()
		for _, coll := range collections {
			n, err := db.C(coll).Count()
			if err != nil {
				r.Printf("%-40s ERROR: %v", coll, err)
				continue
			}
			r.Printf("%-40s %-15d", coll, n)
		}
	}
	if !found {
		r.Line("No user databases found.")
	}
	return nil
}

func (a *Adapter) FromLegacy(raw map[string]any) (engine.Params, error) {
	return engine.LegacyParams(raw, []string{"DB_USER", "dbuser"}, "admin")
}

func (a *Adapter) ConnectionHelp(info *catalog.Info) string {
	var b strings.Builder
	b.WriteString("Your MongoDB database server has been created. Connect with a URI:\n\n")
	fmt.Fprintf(&b, "mongodb://%s:PASSWORD@%s:%d/%s?authSource=%s\n\n", info.DBUser, a.Host, info.Port, info.DBName, authSource)
	b.WriteString("or from the Linux command line:\n\n")
	fmt.Fprintf(&b, "mongosh --host %s --port %d -u %s --authenticationDatabase %s %s\n\n",
		a.Host, info.Port, info.DBUser, authSource, info.DBName)
	b.WriteString("mongosh prompts for the password when it is not given.\n")
	return b.String()
}

var _ engine.Adapter = (*Adapter)(nil)
