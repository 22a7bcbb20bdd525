package lifecycle

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/creds"
	"github.com/ecairns22/mydb/internal/engine"
	"github.com/ecairns22/mydb/internal/report"
	"github.com/ecairns22/mydb/internal/swarm"
)

// CreateRequest asks for a new instance. Port 0 allocates the next free
// port; an empty DBName uses Name; an empty DBUserPass is generated.
type CreateRequest struct {
	Engine      catalog.Engine
	Name        string
	Port        int
	DBName      string
	DBUser      string
	DBUserPass  string
	Owner       string
	Contact     string
	BackupFreq  string
	Description string
	Actor       string
}

// CreateResult describes a provisioned instance.
type CreateResult struct {
	Container *catalog.Container
	// Password is the database user's password. It is stored nowhere.
	Password string
	Help     string
	Log      *report.Log
}

// Create provisions an instance: volume, init script config, service, then
// the catalog records. A name already active or already on the swarm is
// rejected before anything is created. A failure after that returns a
// *StepError and leaves the created resources in place.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.DBName == "" {
		req.DBName = req.Name
	}
	if req.DBUser == "" {
		return nil, errors.NotValidf("instance %q without a database user", req.Name)
	}
	if req.DBUserPass == "" {
		pass, err := creds.Generate(engine.PasswordLength)
		if err != nil {
			return nil, err
		}
		req.DBUserPass = pass
	}
	p := engine.Params{
		Name:        req.Name,
		DBName:      req.DBName,
		DBUser:      req.DBUser,
		DBUserPass:  req.DBUserPass,
		Port:        req.Port,
		Owner:       req.Owner,
		Contact:     req.Contact,
		BackupFreq:  req.BackupFreq,
		Description: req.Description,
	}
	log := &report.Log{}
	c, err := m.provision(ctx, req.Engine, p, req.Actor, log)
	if err != nil {
		return &CreateResult{Log: log}, err
	}
	adapter, _ := m.opts.Adapters.Get(c.Info.Engine)
	return &CreateResult{
		Container: c,
		Password:  p.DBUserPass,
		Help:      adapter.ConnectionHelp(&c.Info),
		Log:       log,
	}, nil
}

// checkFree fails with errors.AlreadyExists when name is taken in the
// catalog or on the swarm.
func (m *Manager) checkFree(ctx context.Context, name string) error {
	_, err := m.opts.Catalog.GetState(ctx, name)
	if err == nil {
		return errors.AlreadyExistsf("instance %q", name)
	}
	if !errors.Is(err, errors.NotFound) {
		return err
	}
	exists, err := m.opts.Swarm.ServiceExists(ctx, swarm.ResourceName(name))
	if err != nil {
		return err
	}
	if exists {
		return errors.AlreadyExistsf("service %s", swarm.ResourceName(name))
	}
	return nil
}

func (m *Manager) labels(kind catalog.Engine, p engine.Params) map[string]string {
	return map[string]string{
		"Name":        p.Name,
		"dbengine":    string(kind),
		"OWNER":       p.Owner,
		"CONTACT":     p.Contact,
		"BACKUP_FREQ": p.BackupFreq,
		"DBNAME":      p.DBName,
		"DBUSER":      p.DBUser,
		"DESCRIPTION": p.Description,
		"DBaaS":       "True",
		"touched":     m.opts.Clock.Now().Format("2006-01-02"),
	}
}

// provision runs the create workflow for already resolved parameters and
// records every step in log.
func (m *Manager) provision(ctx context.Context, kind catalog.Engine, p engine.Params, actor string, log *report.Log) (*catalog.Container, error) {
	if err := ValidateName(p.Name); err != nil {
		return nil, err
	}
	adapter, err := m.opts.Adapters.Get(kind)
	if err != nil {
		return nil, err
	}
	spec, err := m.engineSpec(kind)
	if err != nil {
		return nil, err
	}
	if err := m.checkFree(ctx, p.Name); err != nil {
		return nil, err
	}
	port, err := m.opts.Ports.Allocate(ctx, p.Port)
	if err != nil {
		return nil, err
	}
	p.Port = port
	log.OK("allocate port", "%d", port)

	fail := func(step string, err error) error {
		committed := log.Completed()
		// The swarm client has already mailed a failed task.
		notified := errors.Is(err, swarm.ErrTaskFailed)
		err = &StepError{Step: step, Committed: committed, Err: log.Fail(step, err)}
		if !notified {
			m.notify(ctx, fmt.Sprintf("MyDB: create %s failed", p.Name), fmt.Sprintf("%v\n\n%s", err, log))
		}
		return err
	}

	resource := swarm.ResourceName(p.Name)
	labels := m.labels(kind, p)

	if _, err := m.opts.Swarm.EnsureVolume(ctx, resource, labels); err != nil {
		return nil, fail("create volume", err)
	}
	log.OK("create volume", "%s", resource)

	script, err := adapter.InitScript(p)
	if err != nil {
		return nil, fail("render init script", err)
	}
	ref, err := m.opts.Swarm.CreateConfig(ctx, script.ConfigName, script.Target, script.Content, labels)
	if err != nil {
		return nil, fail("create config", err)
	}
	log.OK("create config", "%s", script.ConfigName)

	svc, err := m.opts.Swarm.StartService(ctx, swarm.ServiceRequest{
		Name:          resource,
		Image:         spec.Image,
		Env:           adapter.Env(p),
		Labels:        labels,
		User:          spec.ServiceUser,
		Volume:        resource,
		MountPath:     spec.MountPath,
		PublishedPort: port,
		TargetPort:    spec.Port,
		Config:        ref,
	})
	if err != nil {
		return nil, fail("start service", err)
	}
	log.OK("start service", "%s on port %d", resource, port)

	info := catalog.Info{
		Name:        p.Name,
		Engine:      kind,
		Port:        port,
		DBName:      p.DBName,
		DBUser:      p.DBUser,
		Owner:       p.Owner,
		Contact:     p.Contact,
		BackupFreq:  p.BackupFreq,
		Description: p.Description,
		Image:       spec.Image,
		ServiceName: resource,
		VolumeName:  resource,
		ConfigName:  script.ConfigName,
		State:       catalog.StateRunning,
		LastState:   catalog.StateCreated,
		CreatedAt:   m.opts.Clock.Now(),
	}
	adapter.Annotate(&info, p)
	descriptor, err := redactDescriptor(svc, spec.AdminPass, p.DBUserPass)
	if err != nil {
		return nil, fail("register", err)
	}
	id, err := m.opts.Catalog.AddContainer(ctx, descriptor, info)
	if err != nil {
		return nil, fail("register", err)
	}
	if err := m.opts.Catalog.AddState(ctx, id, p.Name, catalog.StateRunning, actor); err != nil {
		return nil, fail("register", err)
	}
	log.OK("register", "c_id=%d", id)

	c, err := m.opts.Catalog.GetContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	m.logAction(ctx, c, "create", fmt.Sprintf("%s %s created by %s on port %d", kind, p.Name, actorOrDefault(actor), port))
	logger.Infof("created %s instance %s on port %d", kind, p.Name, port)
	return c, nil
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return catalog.DefaultChangedBy
	}
	return actor
}
