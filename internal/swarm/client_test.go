package swarm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/swarm"
	"github.com/juju/errors"

	"github.com/ecairns22/mydb/internal/notify"
)

func newTestClient(api *FakeAPI, n notify.Notifier) *Client {
	return New(api, Options{
		StartTimeout:      200 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		VolumeRemoveDelay: time.Millisecond,
		Notifier:          n,
	})
}

func testRequest(t *testing.T, c *Client) ServiceRequest {
	t.Helper()
	ctx := context.Background()
	ref, err := c.CreateConfig(ctx, "mydb_testdb_init.sql", "/docker-entrypoint-initdb.d/init.sql", "CREATE ROLE x;", nil)
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	return ServiceRequest{
		Name:          ResourceName("testdb"),
		Image:         "postgres:17.4",
		Env:           []string{"POSTGRES_USER=postgres"},
		Labels:        map[string]string{"Name": "testdb"},
		User:          "postgres",
		Volume:        ResourceName("testdb"),
		MountPath:     "/var/lib/postgresql/data",
		PublishedPort: 15432,
		TargetPort:    5432,
		Config:        ref,
	}
}

func TestEnsureVolumeIdempotent(t *testing.T) {
	api := NewFakeAPI()
	c := newTestClient(api, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		name, err := c.EnsureVolume(ctx, "mydb_a", nil)
		if err != nil {
			t.Fatalf("EnsureVolume: %v", err)
		}
		if name != "mydb_a" {
			t.Errorf("name = %q", name)
		}
	}
	if n := api.Count("VolumeCreate mydb_a"); n != 1 {
		t.Errorf("VolumeCreate called %d times, want 1", n)
	}
}

func TestRemoveVolumeRetries(t *testing.T) {
	api := NewFakeAPI()
	c := newTestClient(api, nil)
	ctx := context.Background()
	if _, err := c.EnsureVolume(ctx, "mydb_a", nil); err != nil {
		t.Fatal(err)
	}

	api.VolumeRemoveFailures = 3
	if err := c.RemoveVolume(ctx, "mydb_a"); err != nil {
		t.Fatalf("RemoveVolume: %v", err)
	}
	if n := api.Count("VolumeRemove mydb_a"); n != 4 {
		t.Errorf("VolumeRemove called %d times, want 4", n)
	}
	if _, ok := api.Volumes["mydb_a"]; ok {
		t.Error("volume should be gone")
	}
}

func TestRemoveVolumeGivesUp(t *testing.T) {
	api := NewFakeAPI()
	c := newTestClient(api, nil)
	ctx := context.Background()
	if _, err := c.EnsureVolume(ctx, "mydb_a", nil); err != nil {
		t.Fatal(err)
	}

	api.VolumeRemoveFailures = 10
	err := c.RemoveVolume(ctx, "mydb_a")
	if err == nil || !strings.Contains(err.Error(), "in use") {
		t.Fatalf("err = %v, want in-use error", err)
	}
	if n := api.Count("VolumeRemove mydb_a"); n != 5 {
		t.Errorf("VolumeRemove called %d times, want 5", n)
	}
}

func TestRemoveMissingVolumeAndConfig(t *testing.T) {
	c := newTestClient(NewFakeAPI(), nil)
	ctx := context.Background()
	if err := c.RemoveVolume(ctx, "mydb_none"); err != nil {
		t.Errorf("RemoveVolume: %v", err)
	}
	if err := c.RemoveConfig(ctx, "mydb_none_init.sql"); err != nil {
		t.Errorf("RemoveConfig: %v", err)
	}
}

func TestCreateConfigReplacesStale(t *testing.T) {
	api := NewFakeAPI()
	c := newTestClient(api, nil)
	ctx := context.Background()

	if _, err := c.CreateConfig(ctx, "mydb_a_init.sql", "/docker-entrypoint-initdb.d/init.sql", "old", nil); err != nil {
		t.Fatal(err)
	}
	ref, err := c.CreateConfig(ctx, "mydb_a_init.sql", "/docker-entrypoint-initdb.d/init.sql", "new", nil)
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	if ref.Name != "mydb_a_init.sql" || ref.Target != "/docker-entrypoint-initdb.d/init.sql" {
		t.Errorf("ref = %+v", ref)
	}
	if got := string(api.Configs["mydb_a_init.sql"].Data); got != "new" {
		t.Errorf("config data = %q, want new", got)
	}
}

func TestStartService(t *testing.T) {
	api := NewFakeAPI()
	c := newTestClient(api, nil)
	ctx := context.Background()
	req := testRequest(t, c)

	svc, err := c.StartService(ctx, req)
	if err != nil {
		t.Fatalf("StartService: %v", err)
	}
	if svc.Spec.Name != "mydb_testdb" {
		t.Errorf("service name = %q", svc.Spec.Name)
	}

	spec := api.Services["mydb_testdb"].Spec
	cs := spec.TaskTemplate.ContainerSpec
	if cs.Image != "postgres:17.4" || cs.User != "postgres" {
		t.Errorf("container spec = %+v", cs)
	}
	if len(cs.Mounts) != 2 || cs.Mounts[0].Type != mount.TypeVolume || cs.Mounts[0].Source != "mydb_testdb" || cs.Mounts[1].Target != "/dev/shm" {
		t.Errorf("mounts = %+v", cs.Mounts)
	}
	if len(cs.Configs) != 1 {
		t.Fatalf("configs = %+v", cs.Configs)
	}
	file := cs.Configs[0].File
	if file.Name != "/docker-entrypoint-initdb.d/init.sql" || file.UID != "999" || file.GID != "999" || file.Mode != 0o555 {
		t.Errorf("config file target = %+v", file)
	}
	ports := spec.EndpointSpec.Ports
	if len(ports) != 1 || ports[0].PublishedPort != 15432 || ports[0].TargetPort != 5432 {
		t.Errorf("ports = %+v", ports)
	}
	if spec.TaskTemplate.RestartPolicy.Condition != swarm.RestartPolicyConditionAny {
		t.Errorf("restart policy = %+v", spec.TaskTemplate.RestartPolicy)
	}

	exists, err := c.ServiceExists(ctx, "mydb_testdb")
	if err != nil || !exists {
		t.Errorf("ServiceExists = %v, %v", exists, err)
	}
	exists, err = c.ServiceExists(ctx, "mydb_other")
	if err != nil || exists {
		t.Errorf("ServiceExists(other) = %v, %v", exists, err)
	}
}

func TestStartServiceTaskRejected(t *testing.T) {
	api := NewFakeAPI()
	api.TaskState = swarm.TaskStateRejected
	api.TaskErr = "no suitable node"
	rec := &notify.Recorder{}
	c := newTestClient(api, rec)

	_, err := c.StartService(context.Background(), testRequest(t, c))
	if !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("err = %v, want ErrTaskFailed", err)
	}
	if !strings.Contains(err.Error(), "no suitable node") {
		t.Errorf("error should carry the task error, got %v", err)
	}
	sent := rec.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Subject, "mydb_testdb") {
		t.Errorf("notifications = %+v", sent)
	}
}

func TestStartServiceTimeout(t *testing.T) {
	api := NewFakeAPI()
	api.TaskState = swarm.TaskStatePending
	rec := &notify.Recorder{}
	c := newTestClient(api, rec)

	_, err := c.StartService(context.Background(), testRequest(t, c))
	if !errors.Is(err, errors.Timeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if len(rec.Sent()) != 0 {
		t.Errorf("timeouts are reported by the caller, got %+v", rec.Sent())
	}
}

func TestRestartService(t *testing.T) {
	api := NewFakeAPI()
	c := newTestClient(api, nil)
	ctx := context.Background()
	if _, err := c.StartService(ctx, testRequest(t, c)); err != nil {
		t.Fatal(err)
	}

	if err := c.RestartService(ctx, "mydb_testdb"); err != nil {
		t.Fatalf("RestartService: %v", err)
	}
	if err := c.RestartService(ctx, "mydb_testdb"); err != nil {
		t.Fatalf("second RestartService: %v", err)
	}
	if got := api.Services["mydb_testdb"].Spec.TaskTemplate.ForceUpdate; got != 2 {
		t.Errorf("ForceUpdate = %d, want 2", got)
	}
	if err := c.RestartService(ctx, "mydb_none"); !errors.Is(err, errors.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestStopService(t *testing.T) {
	api := NewFakeAPI()
	c := newTestClient(api, nil)
	ctx := context.Background()
	if _, err := c.StartService(ctx, testRequest(t, c)); err != nil {
		t.Fatal(err)
	}

	if err := c.StopService(ctx, "mydb_testdb"); err != nil {
		t.Fatalf("StopService: %v", err)
	}
	mode := api.Services["mydb_testdb"].Spec.Mode
	if mode.Replicated == nil || mode.Replicated.Replicas == nil || *mode.Replicated.Replicas != 0 {
		t.Errorf("mode = %+v, want 0 replicas", mode)
	}
	if err := c.ScaleService(ctx, "mydb_testdb", 1); err != nil {
		t.Fatalf("ScaleService: %v", err)
	}
	if got := *api.Services["mydb_testdb"].Spec.Mode.Replicated.Replicas; got != 1 {
		t.Errorf("replicas = %d, want 1", got)
	}
	if err := c.StopService(ctx, "mydb_none"); !errors.Is(err, errors.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestRemoveService(t *testing.T) {
	api := NewFakeAPI()
	c := newTestClient(api, nil)
	ctx := context.Background()
	if _, err := c.StartService(ctx, testRequest(t, c)); err != nil {
		t.Fatal(err)
	}
	if err := c.RemoveService(ctx, "mydb_testdb"); err != nil {
		t.Fatalf("RemoveService: %v", err)
	}
	if err := c.RemoveService(ctx, "mydb_testdb"); !errors.Is(err, errors.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestListings(t *testing.T) {
	api := NewFakeAPI()
	c := newTestClient(api, nil)
	ctx := context.Background()
	if _, err := c.EnsureVolume(ctx, "mydb_testdb", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.EnsureVolume(ctx, "unrelated", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.StartService(ctx, testRequest(t, c)); err != nil {
		t.Fatal(err)
	}

	svcs, err := c.ListServices(ctx)
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(svcs) != 1 || svcs[0].Name != "mydb_testdb" || svcs[0].PublishedPort != 15432 || svcs[0].State != "running" {
		t.Errorf("services = %+v", svcs)
	}

	vols, err := c.ListVolumes(ctx)
	if err != nil {
		t.Fatalf("ListVolumes: %v", err)
	}
	if len(vols) != 1 || vols[0].Name != "mydb_testdb" {
		t.Errorf("volumes = %+v", vols)
	}
}
