package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dockerswarm "github.com/docker/docker/api/types/swarm"
	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"github.com/ecairns22/mydb/internal/blob"
	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/engine"
	"github.com/ecairns22/mydb/internal/notify"
	"github.com/ecairns22/mydb/internal/ports"
	"github.com/ecairns22/mydb/internal/report"
	"github.com/ecairns22/mydb/internal/swarm"
)

var t0 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

const adminPass = "adminpw-9f3k"

// stubAdapter stands in for the Postgres adapter without a database.
type stubAdapter struct {
	user, password string
	restored       []string
	backedUp       []string
	backupErr      map[string]error
	restoreErr     error
}

func (s *stubAdapter) Kind() catalog.Engine { return catalog.Postgres }

func (s *stubAdapter) InitScript(p engine.Params) (engine.InitScript, error) {
	return engine.InitScript{
		ConfigName: "mydb_" + p.Name + "_init.sql",
		Target:     engine.InitTarget + "init.sql",
		Content:    "CREATE ROLE " + p.DBUser + " LOGIN PASSWORD '" + p.DBUserPass + "';",
	}, nil
}

func (s *stubAdapter) Env(p engine.Params) []string {
	return []string{"POSTGRES_PASSWORD=" + adminPass, "APP_PASSWORD=" + p.DBUserPass}
}

func (s *stubAdapter) Annotate(info *catalog.Info, p engine.Params) {
	info.Postgres = &catalog.PostgresInfo{}
	if p.Legacy {
		info.Postgres.AuthMethod = "md5"
	}
}

func (s *stubAdapter) Authenticate(_ context.Context, _ int, user, password string) bool {
	return user == s.user && password == s.password
}

func (s *stubAdapter) AdminAuthenticate(context.Context, int) bool { return true }

func (s *stubAdapter) Backup(_ context.Context, c *catalog.Container, backupType string) (*report.Log, error) {
	log := &report.Log{}
	if err := s.backupErr[c.Info.Name]; err != nil {
		return log, log.Fail("dump", err)
	}
	s.backedUp = append(s.backedUp, c.Info.Name+"/"+backupType)
	log.OK("dump", "%s", c.Info.Name)
	return log, nil
}

func (s *stubAdapter) Restore(_ context.Context, info *catalog.Info, prefix string) (*report.Log, error) {
	log := &report.Log{}
	if s.restoreErr != nil {
		return log, log.Fail("restore", s.restoreErr)
	}
	s.restored = append(s.restored, prefix)
	log.OK("restore", "%s into %s", prefix, info.Name)
	return log, nil
}

func (s *stubAdapter) Audit(_ context.Context, info *catalog.Info) string {
	return "audit of " + info.Name
}

func (s *stubAdapter) FromLegacy(raw map[string]any) (engine.Params, error) {
	return engine.LegacyParams(raw, []string{"DB_USER", "POSTGRES_USER"}, "postgres")
}

func (s *stubAdapter) ConnectionHelp(info *catalog.Info) string {
	return fmt.Sprintf("psql -h db.example.com -p %d -U %s %s", info.Port, info.DBUser, info.DBName)
}

type fixture struct {
	m         *Manager
	store     *catalog.Store
	legacy    *catalog.Store
	legacyRaw *sql.DB
	api       *swarm.FakeAPI
	blobs     *blob.MemStore
	mail      *notify.Recorder
	adapter   *stubAdapter
}

func openStore(t *testing.T, path string) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// The migrate catalog lives in a file so tests can write rows in the
	// previous generation's format next to the store.
	legacyPath := filepath.Join(t.TempDir(), "legacy.db")
	f := &fixture{
		store:   openStore(t, ":memory:"),
		legacy:  openStore(t, legacyPath),
		api:     swarm.NewFakeAPI(),
		blobs:   blob.NewMemStore("backups"),
		mail:    &notify.Recorder{},
		adapter: &stubAdapter{user: "alice", password: "s3cret"},
	}
	raw, err := sql.Open("sqlite", legacyPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { raw.Close() })
	f.legacyRaw = raw

	sw := swarm.New(f.api, swarm.Options{
		StartTimeout:      200 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		VolumeRemoveDelay: time.Millisecond,
		Notifier:          f.mail,
	})
	f.m = New(Options{
		Catalog:  f.store,
		Migrate:  f.legacy,
		Swarm:    sw,
		Adapters: engine.NewRegistry(f.adapter),
		Engines: map[catalog.Engine]EngineSpec{
			catalog.Postgres: {
				Image:       "postgres:17.4",
				Port:        5432,
				MountPath:   "/var/lib/postgresql/data",
				ServiceUser: "postgres",
				AdminPass:   adminPass,
			},
		},
		Ports:        ports.New(32000, 33000, f.store),
		Blob:         f.blobs,
		Layout:       blob.Layout{Bucket: "backups", Prefix: "mydb", Location: time.UTC},
		LegacyLayout: blob.Layout{Bucket: "backups", Prefix: "prod", Location: time.UTC},
		Notifier:     f.mail,
		Clock:        testclock.NewClock(t0),
	})
	return f
}

func (f *fixture) create(t *testing.T, name string, port int) *CreateResult {
	t.Helper()
	res, err := f.m.Create(context.Background(), CreateRequest{
		Engine:     catalog.Postgres,
		Name:       name,
		Port:       port,
		DBUser:     "alice",
		DBUserPass: "s3cret",
		Owner:      "Alice Example",
		Contact:    "alice@example.com",
		BackupFreq: "Daily",
		Actor:      "alice",
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return res
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, "testdb", 15432)

	st, err := f.store.GetState(ctx, "testdb")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.State != catalog.StateRunning {
		t.Errorf("state = %q, want running", st.State)
	}
	c, err := f.store.GetContainer(ctx, st.CID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Info.Port != 15432 || c.Info.DBName != "testdb" || c.Info.ServiceName != "mydb_testdb" {
		t.Errorf("info = %+v", c.Info)
	}
	if c.Info.Postgres == nil {
		t.Error("engine payload missing")
	}
	names, _ := f.store.ListActiveNames(ctx)
	if diff := cmp.Diff([]string{"testdb"}, names); diff != "" {
		t.Errorf("active (-want +got):\n%s", diff)
	}

	wantSteps := []string{"allocate port", "create volume", "create config", "start service", "register"}
	if diff := cmp.Diff(wantSteps, res.Log.Completed()); diff != "" {
		t.Errorf("steps (-want +got):\n%s", diff)
	}
	svc, ok := f.api.Services["mydb_testdb"]
	if !ok {
		t.Fatal("service not created")
	}
	if p := svc.Spec.EndpointSpec.Ports[0]; p.PublishedPort != 15432 || p.TargetPort != 5432 {
		t.Errorf("ports = %+v", p)
	}
	if svc.Spec.Labels["DBaaS"] != "True" || svc.Spec.Labels["touched"] != "2025-01-15" {
		t.Errorf("labels = %v", svc.Spec.Labels)
	}
	if _, ok := f.api.Configs["mydb_testdb_init.sql"]; !ok {
		t.Error("init config not created")
	}
	if res.Password != "s3cret" || res.Help == "" {
		t.Errorf("result = %+v", res)
	}

	logs, err := f.store.ListLog(ctx, c.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) == 0 || logs[0].Action != "create" {
		t.Errorf("action log = %+v", logs)
	}
}

func TestCreateRedactsDescriptor(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, "testdb", 0)
	svc := string(res.Container.Service)
	if svc == "" || svc == "null" {
		t.Fatal("no service descriptor recorded")
	}
	for _, secret := range []string{adminPass, "s3cret"} {
		if strings.Contains(svc, secret) {
			t.Errorf("descriptor contains %q", secret)
		}
	}
	if !strings.Contains(svc, "POSTGRES_PASSWORD=xxxxx") {
		t.Errorf("descriptor env not redacted in place:\n%s", svc)
	}
}

func TestCreateAllocatesPorts(t *testing.T) {
	f := newFixture(t)
	f.create(t, "one", 15432)
	second := f.create(t, "two", 0)
	if second.Container.Info.Port != 32001 {
		t.Errorf("auto port = %d, want 32001", second.Container.Info.Port)
	}

	f.api.Calls = nil
	_, err := f.m.Create(context.Background(), CreateRequest{Engine: catalog.Postgres, Name: "three", Port: 15432, DBUser: "bob"})
	if !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("reusing port 15432: err = %v, want AlreadyExists", err)
	}
	if f.api.Count("VolumeCreate mydb_three") != 0 {
		t.Error("volume created for a rejected port")
	}
}

func TestCreateConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "testdb", 0)

	_, err := f.m.Create(ctx, CreateRequest{Engine: catalog.Postgres, Name: "testdb", DBUser: "bob"})
	if !errors.Is(err, errors.AlreadyExists) {
		t.Errorf("duplicate name: err = %v, want AlreadyExists", err)
	}

	f.api.Services["mydb_stray"] = f.api.Services["mydb_testdb"]
	f.api.Calls = nil
	_, err = f.m.Create(ctx, CreateRequest{Engine: catalog.Postgres, Name: "stray", DBUser: "bob"})
	if !errors.Is(err, errors.AlreadyExists) {
		t.Errorf("service on swarm: err = %v, want AlreadyExists", err)
	}
	if n := f.api.Count("VolumeCreate mydb_stray"); n != 0 {
		t.Errorf("VolumeCreate called %d times after a conflict", n)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tests := []struct {
		req  CreateRequest
		kind errors.ConstError
	}{
		{CreateRequest{Engine: catalog.Postgres, Name: "bad name", DBUser: "a"}, errors.NotValid},
		{CreateRequest{Engine: catalog.Postgres, Name: "-dash", DBUser: "a"}, errors.NotValid},
		{CreateRequest{Engine: catalog.Postgres, Name: "nouser"}, errors.NotValid},
		{CreateRequest{Engine: catalog.MongoDB, Name: "mongo", DBUser: "a"}, errors.NotSupported},
	}
	for _, tt := range tests {
		if _, err := f.m.Create(ctx, tt.req); !errors.Is(err, tt.kind) {
			t.Errorf("Create(%q, %s) = %v, want %v", tt.req.Name, tt.req.Engine, err, tt.kind)
		}
	}
	if len(f.api.Calls) != 0 {
		t.Errorf("swarm touched: %v", f.api.Calls)
	}
}

func TestCreateStepFailure(t *testing.T) {
	f := newFixture(t)
	f.api.ConfigCreateErr = errors.New("config store full")

	res, err := f.m.Create(context.Background(), CreateRequest{Engine: catalog.Postgres, Name: "testdb", DBUser: "alice"})
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err = %v, want *StepError", err)
	}
	if stepErr.Step != "create config" {
		t.Errorf("step = %q", stepErr.Step)
	}
	if diff := cmp.Diff([]string{"allocate port", "create volume"}, stepErr.Committed); diff != "" {
		t.Errorf("committed (-want +got):\n%s", diff)
	}
	if !strings.Contains(err.Error(), "already done: allocate port, create volume") {
		t.Errorf("message = %q", err)
	}
	if !res.Log.Failed() {
		t.Error("log does not record the failure")
	}
	if _, ok := f.api.Volumes["mydb_testdb"]; !ok {
		t.Error("volume should be left for the operator")
	}
	if _, err := f.store.GetState(context.Background(), "testdb"); !errors.Is(err, errors.NotFound) {
		t.Errorf("instance registered after failed create: %v", err)
	}
	sent := f.mail.Sent()
	if len(sent) != 1 || sent[0].Subject != "MyDB: create testdb failed" {
		t.Errorf("notifications = %+v", sent)
	}
}

func TestCreateTaskFailureMailsOnce(t *testing.T) {
	f := newFixture(t)
	f.api.TaskState = dockerswarm.TaskStateRejected
	f.api.TaskErr = "no suitable node"

	_, err := f.m.Create(context.Background(), CreateRequest{Engine: catalog.Postgres, Name: "testdb", DBUser: "alice"})
	if !errors.Is(err, swarm.ErrTaskFailed) {
		t.Fatalf("err = %v, want ErrTaskFailed", err)
	}
	sent := f.mail.Sent()
	if len(sent) != 1 || sent[0].Subject != "MyDB: service mydb_testdb failed to start" {
		t.Errorf("notifications = %+v", sent)
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "testdb", 0)

	log, err := f.m.Restart(ctx, "testdb", "alice", "s3cret", "alice")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if n := f.api.Count("ServiceUpdate mydb_testdb"); n != 1 {
		t.Errorf("ServiceUpdate called %d times", n)
	}
	if f.api.Services["mydb_testdb"].Spec.TaskTemplate.ForceUpdate != 1 {
		t.Error("restart did not force an update")
	}
	st, _ := f.store.GetState(ctx, "testdb")
	if st.State != catalog.StateRunning || st.LastState != catalog.StateRestarting {
		t.Errorf("state = %s (last %s)", st.State, st.LastState)
	}
	if log.Failed() {
		t.Errorf("log:\n%s", log)
	}
}

func TestRestartWrongCredentials(t *testing.T) {
	f := newFixture(t)
	f.create(t, "testdb", 0)

	_, err := f.m.Restart(context.Background(), "testdb", "alice", "guess", "mallory")
	if !errors.Is(err, errors.Unauthorized) {
		t.Fatalf("err = %v, want Unauthorized", err)
	}
	if n := f.api.Count("ServiceUpdate mydb_testdb"); n != 0 {
		t.Errorf("ServiceUpdate called %d times before authorization", n)
	}
	st, _ := f.store.GetState(context.Background(), "testdb")
	if st.State != catalog.StateRunning || st.LastState != catalog.StateCreated {
		t.Errorf("state changed: %+v", st)
	}
}

// withHost rebuilds the fixture's manager so restart probes ports on
// 127.0.0.1.
func (f *fixture) withHost(timeout time.Duration) {
	opts := f.m.opts
	opts.Host = "127.0.0.1"
	opts.PortTimeout = timeout
	f.m = New(opts)
}

func TestRestartWaitsForPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	f := newFixture(t)
	f.withHost(time.Second)
	f.create(t, "testdb", ln.Addr().(*net.TCPAddr).Port)

	log, err := f.m.Restart(context.Background(), "testdb", "alice", "s3cret", "alice")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !strings.Contains(log.String(), "wait for port") {
		t.Errorf("log:\n%s", log)
	}
	st, _ := f.store.GetState(context.Background(), "testdb")
	if st.State != catalog.StateRunning {
		t.Errorf("state = %s", st.State)
	}
}

func TestRestartPortNeverOpens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	f := newFixture(t)
	f.withHost(50 * time.Millisecond)
	f.create(t, "testdb", port)

	_, err = f.m.Restart(context.Background(), "testdb", "alice", "s3cret", "alice")
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "wait for port" {
		t.Fatalf("err = %v, want StepError at wait for port", err)
	}
	if !errors.Is(err, errors.Timeout) {
		t.Errorf("err = %v, want Timeout", err)
	}
	st, _ := f.store.GetState(context.Background(), "testdb")
	if st.State != catalog.StateRestarting {
		t.Errorf("state = %s, want %s", st.State, catalog.StateRestarting)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, "testdb", 0)

	log, err := f.m.Delete(ctx, "testdb", "alice", "s3cret", "alice")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	want := []string{"delete state", "remove service", "remove volume", "remove config"}
	if diff := cmp.Diff(want, log.Completed()); diff != "" {
		t.Errorf("steps (-want +got):\n%s", diff)
	}
	names, _ := f.store.ListActiveNames(ctx)
	if len(names) != 0 {
		t.Errorf("active = %v", names)
	}
	if _, err := f.store.GetContainer(ctx, res.Container.ID); err != nil {
		t.Errorf("container record should be kept: %v", err)
	}
	if len(f.api.Services)+len(f.api.Volumes)+len(f.api.Configs) != 0 {
		t.Errorf("swarm resources left: %v %v %v", f.api.Services, f.api.Volumes, f.api.Configs)
	}
}

func TestDeleteKeepsGoingAfterRemovalFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "testdb", 0)
	f.api.ServiceRemoveErr = errors.New("node unreachable")

	log, err := f.m.AdminDelete(ctx, "testdb", "admin")
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err = %v, want *StepError", err)
	}
	if !strings.Contains(log.Errors(), "node unreachable") {
		t.Errorf("errors = %q", log.Errors())
	}
	if diff := cmp.Diff([]string{"delete state", "remove volume", "remove config"}, log.Completed()); diff != "" {
		t.Errorf("completed (-want +got):\n%s", diff)
	}
	if _, err := f.store.GetState(ctx, "testdb"); !errors.Is(err, errors.NotFound) {
		t.Errorf("instance still active: %v", err)
	}
	if sent := f.mail.Sent(); len(sent) != 1 || !strings.Contains(sent[0].Body, "node unreachable") {
		t.Errorf("notifications = %+v", sent)
	}
}

func TestDeleteUnknownInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "testdb", 0)
	f.api.Calls = nil

	if _, err := f.m.Delete(ctx, "nope", "alice", "s3cret", "alice"); !errors.Is(err, errors.NotFound) {
		t.Errorf("Delete: err = %v, want NotFound", err)
	}
	if _, err := f.m.AdminDelete(ctx, "nope", "admin"); !errors.Is(err, errors.NotFound) {
		t.Errorf("AdminDelete: err = %v, want NotFound", err)
	}
	if len(f.api.Calls) != 0 {
		t.Errorf("swarm touched: %v", f.api.Calls)
	}
	names, _ := f.store.ListActiveNames(ctx)
	if diff := cmp.Diff([]string{"testdb"}, names); diff != "" {
		t.Errorf("active (-want +got):\n%s", diff)
	}
}

func TestDeleteWrongCredentials(t *testing.T) {
	f := newFixture(t)
	f.create(t, "testdb", 0)
	f.api.Calls = nil

	if _, err := f.m.Delete(context.Background(), "testdb", "alice", "nope", "alice"); !errors.Is(err, errors.Unauthorized) {
		t.Fatalf("err = %v, want Unauthorized", err)
	}
	if len(f.api.Calls) != 0 {
		t.Errorf("swarm touched: %v", f.api.Calls)
	}
}

func TestUpdateInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "testdb", 15432)

	info, err := f.m.UpdateInfo(ctx, "testdb", map[string]any{"Description": "orders"}, "alice")
	if err != nil {
		t.Fatalf("UpdateInfo: %v", err)
	}
	if info.Description != "orders" || info.Owner != "Alice Example" || info.Port != 15432 {
		t.Errorf("info = %+v", info)
	}
	for _, key := range []string{"Port", "port", "name", "SERVICENAME"} {
		if _, err := f.m.UpdateInfo(ctx, "testdb", map[string]any{key: "x"}, "alice"); !errors.Is(err, errors.NotValid) {
			t.Errorf("changing %s: err = %v, want NotValid", key, err)
		}
	}
	if _, err := f.m.UpdateInfo(ctx, "nope", map[string]any{"Owner": "x"}, "alice"); !errors.Is(err, errors.NotFound) {
		t.Errorf("unknown instance: err = %v", err)
	}
}

func TestAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "testdb", 15432)

	got, err := f.m.Audit(ctx, "testdb")
	if err != nil || got != "audit of testdb" {
		t.Errorf("Audit = %q, %v", got, err)
	}
	if _, err := f.m.Audit(ctx, "nope"); !errors.Is(err, errors.NotFound) {
		t.Errorf("unknown instance: err = %v", err)
	}
	help, err := f.m.ConnectionHelp(ctx, "testdb")
	if err != nil || !strings.Contains(help, "15432") {
		t.Errorf("ConnectionHelp = %q, %v", help, err)
	}
}

func TestBackupAll(t *testing.T) {
	f := newFixture(t)
	f.create(t, "one", 0)
	f.create(t, "two", 0)
	f.adapter.backupErr = map[string]error{"one": errors.New("pg_dumpall: connection refused")}

	log, err := f.m.BackupAll(context.Background(), catalog.BackupAdmin, "cron")
	if err == nil || !strings.Contains(err.Error(), "[one]") {
		t.Errorf("err = %v", err)
	}
	if diff := cmp.Diff([]string{"two/Admin"}, f.adapter.backedUp); diff != "" {
		t.Errorf("backed up (-want +got):\n%s", diff)
	}
	if !strings.Contains(log.Errors(), "connection refused") {
		t.Errorf("log:\n%s", log)
	}
	if _, err := f.m.BackupAll(context.Background(), "Hourly", "cron"); !errors.Is(err, errors.NotValid) {
		t.Errorf("bad type: err = %v", err)
	}
}

func TestRestoreLocatesBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, "testdb", 0)
	f.blobs.Set("mydb/testdb/2025-01-13_02:00:00/testdb.sql", "old")
	f.blobs.Set("mydb/testdb/2025-01-14_02:00:00/testdb.sql", "new")

	if _, err := f.m.Restore(ctx, "testdb", "", "admin"); err != nil {
		t.Fatalf("Restore latest: %v", err)
	}
	if _, err := f.m.Restore(ctx, "testdb", "s3://backups/mydb/testdb/2025-01-13_02:00:00/testdb.sql", "admin"); err != nil {
		t.Fatalf("Restore by locator: %v", err)
	}

	// A recorded backup wins over the store listing.
	if err := f.store.AppendBackupLog(ctx, catalog.BackupEntry{
		CID: res.Container.ID, Name: "testdb", State: catalog.BackupEnd, BackupID: "2025-01-12_02:00:00",
		BackupType: catalog.BackupAdmin, URL: "s3://backups/mydb/testdb/2025-01-12_02:00:00/",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.Restore(ctx, "testdb", "", "admin"); err != nil {
		t.Fatalf("Restore recorded: %v", err)
	}

	want := []string{
		"mydb/testdb/2025-01-14_02:00:00/",
		"mydb/testdb/2025-01-13_02:00:00/",
		"mydb/testdb/2025-01-12_02:00:00/",
	}
	if diff := cmp.Diff(want, f.adapter.restored); diff != "" {
		t.Errorf("restored (-want +got):\n%s", diff)
	}

	if _, err := f.m.Restore(ctx, "testdb", "s3://elsewhere/mydb/testdb/x/", "admin"); !errors.Is(err, errors.NotValid) {
		t.Errorf("foreign bucket: err = %v, want NotValid", err)
	}
}

func TestRestoreFailureNotifies(t *testing.T) {
	f := newFixture(t)
	f.create(t, "testdb", 0)
	f.blobs.Set("mydb/testdb/2025-01-14_02:00:00/testdb.sql", "x")
	f.adapter.restoreErr = errors.Timeoutf("psql")

	_, err := f.m.Restore(context.Background(), "testdb", "", "admin")
	if !errors.Is(err, errors.Timeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if sent := f.mail.Sent(); len(sent) != 1 || sent[0].Subject != "MyDB: restore of testdb failed" {
		t.Errorf("notifications = %+v", sent)
	}
}

// addLegacy records an instance the way the previous generation did:
// engine under dbengine, the port as a string and upper case keys.
func (f *fixture) addLegacy(t *testing.T, name string, port int) int64 {
	t.Helper()
	ctx := context.Background()
	data := fmt.Sprintf(`{"Info":{"Name":%q,"dbengine":"postgres","Port":"%d","DB_USER":"legacyuser","OWNER":"Bob","BACKUP_FREQ":"Weekly"}}`, name, port)
	res, err := f.legacyRaw.ExecContext(ctx, `INSERT INTO containers (name, data, created_at) VALUES (?, ?, ?)`, name, data, 0)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := res.LastInsertId()
	if err := f.legacy.AddState(ctx, id, name, catalog.StateRunning, "v1"); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMigrate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addLegacy(t, "legacydb", 5433)
	if err := f.legacy.AppendBackupLog(ctx, catalog.BackupEntry{
		CID: id, Name: "legacydb", State: catalog.BackupEnd, BackupID: "2024-06-01_02:00:00",
		BackupType: catalog.BackupAdmin, URL: "s3://backups/prod/legacydb/2024-06-01_02:00:00/legacydb.sql",
	}); err != nil {
		t.Fatal(err)
	}

	log, err := f.m.Migrate(ctx, "legacydb", 0, "admin")
	if err != nil {
		t.Fatalf("Migrate: %v\n%s", err, log)
	}
	if diff := cmp.Diff([]string{"prod/legacydb/2024-06-01_02:00:00/"}, f.adapter.restored); diff != "" {
		t.Errorf("restored (-want +got):\n%s", diff)
	}
	c, err := f.store.GetContainerByName(ctx, "legacydb")
	if err != nil {
		t.Fatal(err)
	}
	if c.Info.Port != 5433 || c.Info.DBUser != "legacyuser" || c.Info.BackupFreq != "Weekly" {
		t.Errorf("info = %+v", c.Info)
	}
	if c.Info.Postgres == nil || c.Info.Postgres.AuthMethod != "md5" {
		t.Errorf("legacy payload = %+v", c.Info.Postgres)
	}
	st, _ := f.store.GetState(ctx, "legacydb")
	if st.State != catalog.StateRunning || st.LastState != catalog.StateMigrating {
		t.Errorf("state = %s (last %s)", st.State, st.LastState)
	}
}

func TestMigrateFallsBackToStoreListing(t *testing.T) {
	f := newFixture(t)
	f.addLegacy(t, "legacydb", 5433)
	f.blobs.Set("prod/legacydb/2024-05-01_02:00:00/legacydb.sql", "x")
	f.blobs.Set("prod/legacydb/2024-06-01_02:00:00/legacydb.sql", "y")

	if _, err := f.m.Migrate(context.Background(), "legacydb", 32500, "admin"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if diff := cmp.Diff([]string{"prod/legacydb/2024-06-01_02:00:00/"}, f.adapter.restored); diff != "" {
		t.Errorf("restored (-want +got):\n%s", diff)
	}
	c, _ := f.store.GetContainerByName(context.Background(), "legacydb")
	if c.Info.Port != 32500 {
		t.Errorf("port = %d, want the requested 32500", c.Info.Port)
	}
}

func TestMigrateWithoutBackup(t *testing.T) {
	f := newFixture(t)
	f.addLegacy(t, "legacydb", 5433)

	_, err := f.m.Migrate(context.Background(), "legacydb", 0, "admin")
	if !errors.Is(err, errors.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	if len(f.api.Calls) != 0 {
		t.Errorf("provisioned without a backup: %v", f.api.Calls)
	}
}

func TestMigrateRestoreFailure(t *testing.T) {
	f := newFixture(t)
	f.addLegacy(t, "legacydb", 5433)
	f.blobs.Set("prod/legacydb/2024-06-01_02:00:00/legacydb.sql", "y")
	f.adapter.restoreErr = errors.New("psql: syntax error")

	_, err := f.m.Migrate(context.Background(), "legacydb", 0, "admin")
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "restore" {
		t.Fatalf("err = %v, want restore StepError", err)
	}
	st, err := f.store.GetState(context.Background(), "legacydb")
	if err != nil || st.State != catalog.StateMigrating {
		t.Errorf("state = %+v, %v; want left migrating", st, err)
	}
}

func TestStepErrorUnwraps(t *testing.T) {
	err := &StepError{Step: "start service", Err: errors.Timeoutf("service mydb_x")}
	if !errors.Is(err, errors.Timeout) {
		t.Error("StepError hides the cause's kind")
	}
	if err.Error() != "start service: service mydb_x timeout" {
		t.Errorf("Error() = %q", err.Error())
	}
}
