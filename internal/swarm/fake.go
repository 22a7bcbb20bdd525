package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// FakeAPI is an in-memory swarm. Exported for use by lifecycle tests.
// Methods it does not implement panic through the nil embedded client.
type FakeAPI struct {
	client.APIClient

	mu       sync.Mutex
	Calls    []string
	Volumes  map[string]volume.Volume
	Configs  map[string]swarm.ConfigSpec
	Services map[string]swarm.Service

	// TaskState is reported for every service's task; empty means running.
	TaskState swarm.TaskState
	TaskErr   string

	// VolumeRemoveFailures fails that many VolumeRemove calls before succeeding.
	VolumeRemoveFailures int
	ServiceRemoveErr     error
	ConfigCreateErr      error

	nextID int
}

// NewFakeAPI returns an empty fake swarm.
func NewFakeAPI() *FakeAPI {
	return &FakeAPI{
		Volumes:  make(map[string]volume.Volume),
		Configs:  make(map[string]swarm.ConfigSpec),
		Services: make(map[string]swarm.Service),
	}
}

func (f *FakeAPI) record(call string) {
	f.Calls = append(f.Calls, call)
}

// Count returns how many recorded calls equal call.
func (f *FakeAPI) Count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *FakeAPI) Close() error { return nil }

func (f *FakeAPI) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *FakeAPI) VolumeInspect(_ context.Context, id string) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("VolumeInspect " + id)
	v, ok := f.Volumes[id]
	if !ok {
		return volume.Volume{}, errdefs.ErrNotFound
	}
	return v, nil
}

func (f *FakeAPI) VolumeCreate(_ context.Context, opts volume.CreateOptions) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("VolumeCreate " + opts.Name)
	v := volume.Volume{Name: opts.Name, Driver: "local", Labels: opts.Labels, Mountpoint: "/var/lib/docker/volumes/" + opts.Name}
	f.Volumes[opts.Name] = v
	return v, nil
}

func (f *FakeAPI) VolumeRemove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("VolumeRemove " + id)
	if f.VolumeRemoveFailures > 0 {
		f.VolumeRemoveFailures--
		return fmt.Errorf("volume %s is in use", id)
	}
	if _, ok := f.Volumes[id]; !ok {
		return errdefs.ErrNotFound
	}
	delete(f.Volumes, id)
	return nil
}

func (f *FakeAPI) VolumeList(_ context.Context, _ volume.ListOptions) (volume.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var resp volume.ListResponse
	for _, v := range f.Volumes {
		v := v
		resp.Volumes = append(resp.Volumes, &v)
	}
	return resp, nil
}

func (f *FakeAPI) ConfigCreate(_ context.Context, spec swarm.ConfigSpec) (swarm.ConfigCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ConfigCreate " + spec.Name)
	if f.ConfigCreateErr != nil {
		return swarm.ConfigCreateResponse{}, f.ConfigCreateErr
	}
	if _, ok := f.Configs[spec.Name]; ok {
		return swarm.ConfigCreateResponse{}, errdefs.ErrConflict
	}
	f.Configs[spec.Name] = spec
	return swarm.ConfigCreateResponse{ID: "cfg-" + spec.Name}, nil
}

func (f *FakeAPI) ConfigRemove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ConfigRemove " + id)
	if _, ok := f.Configs[id]; !ok {
		return errdefs.ErrNotFound
	}
	delete(f.Configs, id)
	return nil
}

func (f *FakeAPI) ServiceCreate(_ context.Context, spec swarm.ServiceSpec, _ swarm.ServiceCreateOptions) (swarm.ServiceCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ServiceCreate " + spec.Name)
	if _, ok := f.Services[spec.Name]; ok {
		return swarm.ServiceCreateResponse{}, errdefs.ErrConflict
	}
	f.nextID++
	id := fmt.Sprintf("svc%d", f.nextID)
	svc := swarm.Service{ID: id, Spec: spec}
	svc.Version.Index = 1
	svc.CreatedAt = time.Now()
	f.Services[spec.Name] = svc
	return swarm.ServiceCreateResponse{ID: id}, nil
}

func (f *FakeAPI) lookup(ref string) (swarm.Service, bool) {
	if svc, ok := f.Services[ref]; ok {
		return svc, true
	}
	for _, svc := range f.Services {
		if svc.ID == ref {
			return svc, true
		}
	}
	return swarm.Service{}, false
}

func (f *FakeAPI) ServiceInspectWithRaw(_ context.Context, ref string, _ swarm.ServiceInspectOptions) (swarm.Service, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.lookup(ref)
	if !ok {
		return swarm.Service{}, nil, errdefs.ErrNotFound
	}
	return svc, nil, nil
}

func (f *FakeAPI) ServiceList(_ context.Context, _ swarm.ServiceListOptions) ([]swarm.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []swarm.Service
	for _, svc := range f.Services {
		out = append(out, svc)
	}
	return out, nil
}

func (f *FakeAPI) ServiceUpdate(_ context.Context, ref string, version swarm.Version, spec swarm.ServiceSpec, _ swarm.ServiceUpdateOptions) (swarm.ServiceUpdateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ServiceUpdate " + spec.Name)
	svc, ok := f.lookup(ref)
	if !ok {
		return swarm.ServiceUpdateResponse{}, errdefs.ErrNotFound
	}
	if version.Index != svc.Version.Index {
		return swarm.ServiceUpdateResponse{}, fmt.Errorf("update out of sequence")
	}
	svc.Spec = spec
	svc.Version.Index++
	f.Services[spec.Name] = svc
	return swarm.ServiceUpdateResponse{}, nil
}

func (f *FakeAPI) ServiceRemove(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ServiceRemove " + ref)
	if f.ServiceRemoveErr != nil {
		return f.ServiceRemoveErr
	}
	svc, ok := f.lookup(ref)
	if !ok {
		return errdefs.ErrNotFound
	}
	delete(f.Services, svc.Spec.Name)
	return nil
}

func (f *FakeAPI) TaskList(_ context.Context, opts swarm.TaskListOptions) ([]swarm.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := ""
	if vals := opts.Filters.Get("service"); len(vals) > 0 {
		name = vals[0]
	}
	svc, ok := f.lookup(name)
	if !ok {
		return nil, nil
	}
	state := f.TaskState
	if state == "" {
		state = swarm.TaskStateRunning
	}
	task := swarm.Task{ID: svc.ID + ".1", ServiceID: svc.ID}
	task.Status.State = state
	task.Status.Err = f.TaskErr
	task.Status.Timestamp = svc.CreatedAt
	return []swarm.Task{task}, nil
}
