// Package swarm provisions database services on a Docker Swarm: volumes,
// init-script configs and replicated services, plus the listings the admin
// reports need.
package swarm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ecairns22/mydb/internal/notify"
	"github.com/ecairns22/mydb/internal/poll"
)

var logger = loggo.GetLogger("mydb.swarm")

// NamePrefix starts every service, volume and config this system owns.
const NamePrefix = "mydb"

// ErrTaskFailed marks a service whose task reached a terminal failure state.
const ErrTaskFailed = errors.ConstError("service task failed")

// callTimeout bounds each API request. Waits longer than one request,
// like service start, poll with their own timeouts.
const callTimeout = 60 * time.Second

// shmSize is the tmpfs mounted at /dev/shm in every service.
const shmSize = 1 << 30

// ResourceName returns the service and volume name of an instance.
func ResourceName(instance string) string {
	return NamePrefix + "_" + instance
}

// Options tune a Client. Zero values take the defaults.
type Options struct {
	ConfigUID    string
	ConfigGID    string
	Network      string
	StartTimeout time.Duration
	PollInterval time.Duration
	// VolumeRemoveAttempts and VolumeRemoveDelay bound volume removal.
	VolumeRemoveAttempts int
	VolumeRemoveDelay    time.Duration
	Clock                clock.Clock
	Notifier             notify.Notifier
}

// Client talks to the swarm manager.
type Client struct {
	api  client.APIClient
	opts Options
}

// NewFromEnv connects using DOCKER_HOST and friends; host overrides the
// environment when set.
func NewFromEnv(host string, opts Options) (*Client, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation(), client.WithTimeout(callTimeout)}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, errors.Annotate(err, "connecting to docker")
	}
	return New(api, opts), nil
}

// New wraps an API client.
func New(api client.APIClient, opts Options) *Client {
	if opts.ConfigUID == "" {
		opts.ConfigUID = "999"
	}
	if opts.ConfigGID == "" {
		opts.ConfigGID = "999"
	}
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.VolumeRemoveAttempts == 0 {
		opts.VolumeRemoveAttempts = 5
	}
	if opts.VolumeRemoveDelay == 0 {
		opts.VolumeRemoveDelay = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Client{api: api, opts: opts}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// Ping checks the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	return errors.Annotate(err, "pinging docker")
}

// EnsureVolume returns the named volume, creating it when missing.
func (c *Client) EnsureVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	v, err := c.api.VolumeInspect(ctx, name)
	if err == nil {
		logger.Debugf("volume %s exists", name)
		return v.Name, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", errors.Annotatef(err, "inspecting volume %s", name)
	}
	v, err = c.api.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels})
	if err != nil {
		return "", errors.Annotatef(err, "creating volume %s", name)
	}
	logger.Infof("created volume %s", v.Name)
	return v.Name, nil
}

// RemoveVolume deletes a volume, retrying while the daemon still holds it
// for a service that is shutting down. A missing volume is not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	attempt := 0
	err := poll.Attempts(ctx, c.opts.VolumeRemoveAttempts, c.opts.VolumeRemoveDelay, c.opts.Clock, func() error {
		attempt++
		err := c.api.VolumeRemove(ctx, name, false)
		if err == nil || errdefs.IsNotFound(err) {
			return nil
		}
		logger.Debugf("removing volume %s (attempt %d): %v", name, attempt, err)
		return err
	})
	if err != nil {
		return errors.Annotatef(err, "removing volume %s after %d attempts", name, attempt)
	}
	logger.Infof("removed volume %s", name)
	return nil
}

// ConfigRef identifies a swarm config mounted into a service as a file.
type ConfigRef struct {
	ID     string
	Name   string
	Target string
}

// CreateConfig stores content as a swarm config. A stale config with the
// same name, left by an earlier failed create, is replaced.
func (c *Client) CreateConfig(ctx context.Context, name, target, content string, labels map[string]string) (*ConfigRef, error) {
	spec := swarm.ConfigSpec{
		Annotations: swarm.Annotations{Name: name, Labels: labels},
		Data:        []byte(content),
	}
	resp, err := c.api.ConfigCreate(ctx, spec)
	if errdefs.IsConflict(err) {
		logger.Warningf("replacing existing config %s", name)
		if rmErr := c.api.ConfigRemove(ctx, name); rmErr != nil {
			return nil, errors.Annotatef(rmErr, "removing stale config %s", name)
		}
		resp, err = c.api.ConfigCreate(ctx, spec)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "creating config %s", name)
	}
	logger.Infof("created config %s (%s)", name, resp.ID)
	return &ConfigRef{ID: resp.ID, Name: name, Target: target}, nil
}

// RemoveConfig deletes a config. A missing config is not an error.
func (c *Client) RemoveConfig(ctx context.Context, name string) error {
	err := c.api.ConfigRemove(ctx, name)
	if err != nil && !errdefs.IsNotFound(err) {
		return errors.Annotatef(err, "removing config %s", name)
	}
	return nil
}

// ServiceRequest describes a database service to start.
type ServiceRequest struct {
	Name          string
	Image         string
	Env           []string
	Labels        map[string]string
	User          string
	Volume        string
	MountPath     string
	PublishedPort int
	TargetPort    int
	Config        *ConfigRef
}

func (c *Client) serviceSpec(req ServiceRequest) swarm.ServiceSpec {
	container := &swarm.ContainerSpec{
		Image:  req.Image,
		Env:    req.Env,
		Labels: req.Labels,
		User:   req.User,
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: req.Volume, Target: req.MountPath},
			{Type: mount.TypeTmpfs, Target: "/dev/shm", TmpfsOptions: &mount.TmpfsOptions{SizeBytes: shmSize}},
		},
	}
	if req.Config != nil {
		container.Configs = []*swarm.ConfigReference{{
			ConfigID:   req.Config.ID,
			ConfigName: req.Config.Name,
			File: &swarm.ConfigReferenceFileTarget{
				Name: req.Config.Target,
				UID:  c.opts.ConfigUID,
				GID:  c.opts.ConfigGID,
				Mode: 0o555,
			},
		}}
	}

	spec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{Name: req.Name, Labels: req.Labels},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: container,
			RestartPolicy: &swarm.RestartPolicy{Condition: swarm.RestartPolicyConditionAny},
		},
		EndpointSpec: &swarm.EndpointSpec{
			Ports: []swarm.PortConfig{{
				Protocol:      swarm.PortConfigProtocolTCP,
				TargetPort:    uint32(req.TargetPort),
				PublishedPort: uint32(req.PublishedPort),
			}},
		},
	}
	if c.opts.Network != "" {
		spec.TaskTemplate.Networks = []swarm.NetworkAttachmentConfig{{Target: c.opts.Network}}
	}
	return spec
}

// ServiceExists reports whether a service with this name exists.
func (c *Client) ServiceExists(ctx context.Context, name string) (bool, error) {
	_, _, err := c.api.ServiceInspectWithRaw(ctx, name, swarm.ServiceInspectOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, errors.Annotatef(err, "inspecting service %s", name)
}

// StartService creates the service and waits for its task to run. A task
// that fails, shuts down or is rejected ends the wait with ErrTaskFailed and
// the operators are notified. It returns the created service descriptor.
func (c *Client) StartService(ctx context.Context, req ServiceRequest) (*swarm.Service, error) {
	resp, err := c.api.ServiceCreate(ctx, c.serviceSpec(req), swarm.ServiceCreateOptions{})
	if err != nil {
		return nil, errors.Annotatef(err, "creating service %s", req.Name)
	}
	for _, w := range resp.Warnings {
		logger.Warningf("service %s: %s", req.Name, w)
	}
	logger.Infof("created service %s (%s), waiting for task", req.Name, resp.ID)

	err = poll.Until(ctx, poll.Options{
		Interval: c.opts.PollInterval,
		Timeout:  c.opts.StartTimeout,
		Clock:    c.opts.Clock,
	}, "service "+req.Name+" to run", func(ctx context.Context) (bool, error) {
		task, err := c.latestTask(ctx, req.Name)
		if err != nil || task == nil {
			return false, err
		}
		switch task.Status.State {
		case swarm.TaskStateRunning:
			return true, nil
		case swarm.TaskStateFailed, swarm.TaskStateShutdown, swarm.TaskStateRejected:
			return false, errors.Annotatef(ErrTaskFailed, "%s task %s: %s", req.Name, task.Status.State, task.Status.Err)
		}
		logger.Debugf("service %s task %s", req.Name, task.Status.State)
		return false, nil
	})
	if errors.Is(err, ErrTaskFailed) && c.opts.Notifier != nil {
		c.opts.Notifier.Notify(ctx, fmt.Sprintf("MyDB: service %s failed to start", req.Name), err.Error())
	}
	if err != nil {
		return nil, err
	}

	svc, _, err := c.api.ServiceInspectWithRaw(ctx, resp.ID, swarm.ServiceInspectOptions{})
	if err != nil {
		return nil, errors.Annotatef(err, "inspecting service %s", req.Name)
	}
	return &svc, nil
}

func (c *Client) latestTask(ctx context.Context, service string) (*swarm.Task, error) {
	tasks, err := c.api.TaskList(ctx, swarm.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("service", service)),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "listing tasks of %s", service)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Meta.CreatedAt.After(tasks[j].Meta.CreatedAt)
	})
	return &tasks[0], nil
}

// updateService applies change to the current spec of a service.
func (c *Client) updateService(ctx context.Context, name, verb string, change func(*swarm.ServiceSpec)) error {
	svc, _, err := c.api.ServiceInspectWithRaw(ctx, name, swarm.ServiceInspectOptions{})
	if errdefs.IsNotFound(err) {
		return errors.NotFoundf("service %s", name)
	}
	if err != nil {
		return errors.Annotatef(err, "inspecting service %s", name)
	}
	spec := svc.Spec
	change(&spec)
	resp, err := c.api.ServiceUpdate(ctx, svc.ID, svc.Version, spec, swarm.ServiceUpdateOptions{})
	if err != nil {
		return errors.Annotatef(err, "%s service %s", verb, name)
	}
	for _, w := range resp.Warnings {
		logger.Warningf("service %s: %s", name, w)
	}
	return nil
}

// RestartService forces the service's tasks to be replaced.
func (c *Client) RestartService(ctx context.Context, name string) error {
	err := c.updateService(ctx, name, "restarting", func(spec *swarm.ServiceSpec) {
		spec.TaskTemplate.ForceUpdate++
	})
	if err != nil {
		return err
	}
	logger.Infof("restarted service %s", name)
	return nil
}

// ScaleService sets the number of replicas of a service.
func (c *Client) ScaleService(ctx context.Context, name string, replicas uint64) error {
	err := c.updateService(ctx, name, "scaling", func(spec *swarm.ServiceSpec) {
		spec.Mode = swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &replicas}}
	})
	if err != nil {
		return err
	}
	logger.Infof("scaled service %s to %d", name, replicas)
	return nil
}

// StopService scales a service to zero replicas. Its volume, config and
// published port are kept.
func (c *Client) StopService(ctx context.Context, name string) error {
	return c.ScaleService(ctx, name, 0)
}

// RemoveService stops and removes a service.
func (c *Client) RemoveService(ctx context.Context, name string) error {
	err := c.api.ServiceRemove(ctx, name)
	if errdefs.IsNotFound(err) {
		return errors.NotFoundf("service %s", name)
	}
	if err != nil {
		return errors.Annotatef(err, "removing service %s", name)
	}
	logger.Infof("removed service %s", name)
	return nil
}

// ServiceSummary is one row of the service listing.
type ServiceSummary struct {
	ID            string
	Name          string
	Image         string
	PublishedPort int
	State         string
	Since         time.Time
	Error         string
}

// ListServices returns the services this system owns with the state of
// their newest task.
func (c *Client) ListServices(ctx context.Context) ([]ServiceSummary, error) {
	svcs, err := c.api.ServiceList(ctx, swarm.ServiceListOptions{
		Filters: filters.NewArgs(filters.Arg("name", NamePrefix)),
	})
	if err != nil {
		return nil, errors.Annotate(err, "listing services")
	}
	var out []ServiceSummary
	for _, svc := range svcs {
		if !strings.HasPrefix(svc.Spec.Name, NamePrefix) {
			continue
		}
		s := ServiceSummary{ID: svc.ID, Name: svc.Spec.Name}
		if cs := svc.Spec.TaskTemplate.ContainerSpec; cs != nil {
			s.Image = cs.Image
		}
		if ep := svc.Spec.EndpointSpec; ep != nil && len(ep.Ports) > 0 {
			s.PublishedPort = int(ep.Ports[0].PublishedPort)
		}
		task, err := c.latestTask(ctx, svc.Spec.Name)
		if err != nil {
			return nil, err
		}
		if task != nil {
			s.State = string(task.Status.State)
			s.Since = task.Status.Timestamp
			s.Error = task.Status.Err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// VolumeSummary is one row of the volume listing.
type VolumeSummary struct {
	Name       string
	Driver     string
	Mountpoint string
	CreatedAt  string
}

// ListVolumes returns the volumes this system owns.
func (c *Client) ListVolumes(ctx context.Context) ([]VolumeSummary, error) {
	resp, err := c.api.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", NamePrefix)),
	})
	if err != nil {
		return nil, errors.Annotate(err, "listing volumes")
	}
	var out []VolumeSummary
	for _, v := range resp.Volumes {
		if v == nil || !strings.HasPrefix(v.Name, NamePrefix) {
			continue
		}
		out = append(out, VolumeSummary{Name: v.Name, Driver: v.Driver, Mountpoint: v.Mountpoint, CreatedAt: v.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
