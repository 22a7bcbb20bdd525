// Package systemd installs the timers that run mydb's periodic jobs: the
// nightly backup of every active instance and the mailed backup audit.
package systemd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/runner"
)

var logger = loggo.GetLogger("mydb.systemd")

// Job is one periodic mydb invocation.
type Job struct {
	Name        string
	Description string
	// Args follow the global flags on the mydb command line.
	Args       []string
	OnCalendar string
}

// Jobs returns the backup and audit jobs at the given calendar times.
func Jobs(backupAt, auditAt string) []Job {
	return []Job{
		{
			Name:        "backup",
			Description: "back up every active instance",
			Args:        []string{"backup", "--all", "--type", catalog.BackupAdmin},
			OnCalendar:  backupAt,
		},
		{
			Name:        "audit",
			Description: "mail the backup audit",
			Args:        []string{"audit", "--mail"},
			OnCalendar:  auditAt,
		},
	}
}

// Manager writes and controls the job units.
type Manager struct {
	runner     runner.CommandRunner
	unitDir    string
	binary     string
	configPath string
}

// New creates a manager writing units to unitDir that run binary with
// the config at configPath.
func New(r runner.CommandRunner, unitDir, binary, configPath string) *Manager {
	return &Manager{runner: r, unitDir: unitDir, binary: binary, configPath: configPath}
}

func serviceName(job string) string {
	return fmt.Sprintf("mydb-%s.service", job)
}

func timerName(job string) string {
	return fmt.Sprintf("mydb-%s.timer", job)
}

// actorName is recorded as the actor of changes a job makes.
func actorName(job string) string {
	return "mydb-" + job
}

// WriteUnits renders and writes the service and timer of a job.
func (m *Manager) WriteUnits(job Job) error {
	p := m.params(job)
	service, err := RenderService(p)
	if err != nil {
		return errors.Annotatef(err, "rendering service for %s", job.Name)
	}
	timer, err := RenderTimer(p)
	if err != nil {
		return errors.Annotatef(err, "rendering timer for %s", job.Name)
	}
	for name, content := range map[string]string{
		serviceName(job.Name): service,
		timerName(job.Name):   timer,
	} {
		path := filepath.Join(m.unitDir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return errors.Annotatef(err, "writing unit file %s", path)
		}
	}
	return nil
}

// RemoveUnits deletes the unit files of a job.
func (m *Manager) RemoveUnits(job string) error {
	for _, name := range []string{serviceName(job), timerName(job)} {
		path := filepath.Join(m.unitDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Annotatef(err, "removing unit file %s", path)
		}
	}
	return nil
}

func (m *Manager) systemctl(ctx context.Context, args ...string) error {
	_, stderr, err := m.runner.Run(ctx, "systemctl", args...)
	if err != nil {
		return errors.Annotatef(err, "systemctl %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr))
	}
	return nil
}

// DaemonReload runs systemctl daemon-reload.
func (m *Manager) DaemonReload(ctx context.Context) error {
	return m.systemctl(ctx, "daemon-reload")
}

// Install writes every job's units, reloads systemd and starts the timers.
func (m *Manager) Install(ctx context.Context, jobs []Job) error {
	for _, job := range jobs {
		if err := m.WriteUnits(job); err != nil {
			return err
		}
	}
	if err := m.DaemonReload(ctx); err != nil {
		return err
	}
	for _, job := range jobs {
		if err := m.systemctl(ctx, "enable", "--now", timerName(job.Name)); err != nil {
			return err
		}
		logger.Infof("scheduled %s at %s", job.Name, job.OnCalendar)
	}
	return nil
}

// Uninstall stops the timers and removes the units. A timer that is
// already gone is not an error.
func (m *Manager) Uninstall(ctx context.Context, jobs []Job) error {
	for _, job := range jobs {
		if err := m.systemctl(ctx, "disable", "--now", timerName(job.Name)); err != nil {
			logger.Warningf("disabling %s: %v", timerName(job.Name), err)
		}
		if err := m.RemoveUnits(job.Name); err != nil {
			return err
		}
	}
	return m.DaemonReload(ctx)
}

// IsActive returns true if the job's timer is in the "active" state.
func (m *Manager) IsActive(ctx context.Context, job string) bool {
	stdout, _, _ := m.runner.Run(ctx, "systemctl", "is-active", timerName(job))
	return strings.TrimSpace(stdout) == "active"
}

// JournalTail returns the last n lines of journal output of the job's
// service, which shows how its latest run went.
func (m *Manager) JournalTail(ctx context.Context, job string, lines int) (string, error) {
	stdout, _, err := m.runner.Run(ctx, "journalctl", "-u", serviceName(job), "-n", fmt.Sprintf("%d", lines), "--no-pager")
	if err != nil {
		return "", errors.Annotatef(err, "reading journal for %s", job)
	}
	return stdout, nil
}
