package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/juju/errors"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/health"
	"github.com/ecairns22/mydb/internal/report"
	"github.com/ecairns22/mydb/internal/swarm"
)

func serviceName(info *catalog.Info) string {
	if info.ServiceName != "" {
		return info.ServiceName
	}
	return swarm.ResourceName(info.Name)
}

func volumeName(info *catalog.Info) string {
	if info.VolumeName != "" {
		return info.VolumeName
	}
	return swarm.ResourceName(info.Name)
}

// Restart force-restarts the instance's service once user and password
// log in to it. Bad credentials are rejected before the swarm is touched.
func (m *Manager) Restart(ctx context.Context, name, user, password, actor string) (*report.Log, error) {
	c, err := m.gate.VerifyOwnership(ctx, name, user, password)
	if err != nil {
		return nil, err
	}
	return m.restart(ctx, c, actor)
}

// AdminRestart restarts an active instance without checking its
// credentials.
func (m *Manager) AdminRestart(ctx context.Context, name, actor string) (*report.Log, error) {
	c, err := m.active(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.restart(ctx, c, actor)
}

func (m *Manager) restart(ctx context.Context, c *catalog.Container, actor string) (*report.Log, error) {
	log := &report.Log{}
	if err := m.opts.Catalog.UpdateState(ctx, c.ID, catalog.StateRestarting, actor); err != nil {
		return log, log.Fail("mark restarting", err)
	}
	log.OK("mark restarting", "")

	svc := serviceName(&c.Info)
	if err := m.opts.Swarm.RestartService(ctx, svc); err != nil {
		// The state stays "restarting" so the listing shows the instance
		// needs a look.
		return log, &StepError{Step: "restart service", Committed: log.Completed(), Err: log.Fail("restart service", err)}
	}
	log.OK("restart service", "%s", svc)

	if m.opts.Host != "" {
		// Port probes use the wall clock: they wait on the network.
		if err := health.WaitForPort(ctx, m.opts.Host, c.Info.Port, m.opts.PortTimeout, portPollInterval, nil); err != nil {
			return log, &StepError{Step: "wait for port", Committed: log.Completed(), Err: log.Fail("wait for port", err)}
		}
		log.OK("wait for port", "%s:%d", m.opts.Host, c.Info.Port)
	}

	if err := m.opts.Catalog.UpdateState(ctx, c.ID, catalog.StateRunning, actor); err != nil {
		return log, &StepError{Step: "mark running", Committed: log.Completed(), Err: log.Fail("mark running", err)}
	}
	log.OK("mark running", "")
	m.logAction(ctx, c, "restart", "restarted by "+actorOrDefault(actor))
	return log, nil
}

// Delete removes an instance once user and password log in to it.
func (m *Manager) Delete(ctx context.Context, name, user, password, actor string) (*report.Log, error) {
	c, err := m.gate.VerifyOwnership(ctx, name, user, password)
	if err != nil {
		return nil, err
	}
	return m.remove(ctx, c, actor)
}

// AdminDelete removes an active instance without checking its credentials.
func (m *Manager) AdminDelete(ctx context.Context, name, actor string) (*report.Log, error) {
	c, err := m.active(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.remove(ctx, c, actor)
}

// remove drops the active record first, then removes the service, volume
// and config. Removal failures are logged and reported but the instance
// stays deleted in the catalog; its container record is kept.
func (m *Manager) remove(ctx context.Context, c *catalog.Container, actor string) (*report.Log, error) {
	log := &report.Log{}
	if err := m.opts.Catalog.DeleteState(ctx, c.ID, actor); err != nil {
		return log, log.Fail("delete state", err)
	}
	log.OK("delete state", "c_id=%d", c.ID)
	m.logAction(ctx, c, "delete", fmt.Sprintf("%s deleted by %s", c.Info.Name, actorOrDefault(actor)))

	svc := serviceName(&c.Info)
	switch err := m.opts.Swarm.RemoveService(ctx, svc); {
	case errors.Is(err, errors.NotFound):
		log.Skip("remove service", svc+" not found")
	case err != nil:
		log.Fail("remove service", err)
	default:
		log.OK("remove service", "%s", svc)
	}

	vol := volumeName(&c.Info)
	if err := m.opts.Swarm.RemoveVolume(ctx, vol); err != nil {
		log.Fail("remove volume", err)
	} else {
		log.OK("remove volume", "%s", vol)
	}

	if c.Info.ConfigName == "" {
		log.Skip("remove config", "no config recorded")
	} else if err := m.opts.Swarm.RemoveConfig(ctx, c.Info.ConfigName); err != nil {
		log.Fail("remove config", err)
	} else {
		log.OK("remove config", "%s", c.Info.ConfigName)
	}

	if log.Failed() {
		err := &StepError{Step: "remove resources", Committed: log.Completed(), Err: errors.New(log.Errors())}
		m.notify(ctx, fmt.Sprintf("MyDB: delete %s left resources behind", c.Info.Name), fmt.Sprintf("%v\n\n%s", err, log))
		return log, err
	}
	logger.Infof("deleted %s", c.Info.Name)
	return log, nil
}

// Purge deletes the container record of an instance, and its active
// record if it still has one. Swarm resources are left alone.
func (m *Manager) Purge(ctx context.Context, id int64) error {
	if err := m.opts.Catalog.Purge(ctx, id); err != nil {
		return err
	}
	logger.Warningf("purged container record %d", id)
	return nil
}

// UpdateInfo merges partial into an active instance's metadata.
func (m *Manager) UpdateInfo(ctx context.Context, name string, partial map[string]any, actor string) (*catalog.Info, error) {
	for k := range partial {
		if catalog.IsProtected(k) {
			return nil, errors.NotValidf("changing %s of %s", k, name)
		}
	}
	if len(partial) == 0 {
		return nil, errors.NotValidf("empty update of %s", name)
	}
	c, err := m.active(ctx, name)
	if err != nil {
		return nil, err
	}
	info, err := m.opts.Catalog.UpdateInfo(ctx, c.ID, partial)
	if err != nil {
		return nil, err
	}
	m.logAction(ctx, c, "update", fmt.Sprintf("info %v updated by %s", slices.Sorted(maps.Keys(partial)), actorOrDefault(actor)))
	return info, nil
}

// Audit runs the engine's live audit of an active instance and returns
// the rendered report.
func (m *Manager) Audit(ctx context.Context, name string) (string, error) {
	c, err := m.active(ctx, name)
	if err != nil {
		return "", err
	}
	adapter, err := m.opts.Adapters.Get(c.Info.Engine)
	if err != nil {
		return "", err
	}
	return adapter.Audit(ctx, &c.Info), nil
}

// ConnectionHelp returns how to connect to an active instance.
func (m *Manager) ConnectionHelp(ctx context.Context, name string) (string, error) {
	c, err := m.active(ctx, name)
	if err != nil {
		return "", err
	}
	adapter, err := m.opts.Adapters.Get(c.Info.Engine)
	if err != nil {
		return "", err
	}
	return adapter.ConnectionHelp(&c.Info), nil
}
