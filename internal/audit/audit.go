// Package audit checks every active instance's backup history against its
// backup policy.
package audit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ecairns22/mydb/internal/catalog"
)

var logger = loggo.GetLogger("mydb.audit")

// Backup policies.
const (
	Daily  = "Daily"
	Weekly = "Weekly"
)

// HistoryLimit is the number of rows a backup history report shows.
const HistoryLimit = 10

// Status is the outcome of one instance's audit.
type Status string

const (
	Good        Status = "Good"
	OutOfPolicy Status = "Out of Policy"
	Running     Status = "Backup Running"
	NotFinished Status = "Started but did not finish!"
	NoPolicy    Status = "Backup policy not set"
	NoBackups   Status = "No backups recorded"
)

// Window returns how old the newest backup may be under policy.
func Window(policy string) (time.Duration, error) {
	switch policy {
	case Daily:
		return 24 * time.Hour, nil
	case Weekly:
		return 7 * 24 * time.Hour, nil
	}
	return 0, errors.NotValidf("backup policy %q", policy)
}

// Finding is the audit result for one instance. Stale is set when the
// newest backup started before the policy window; it combines with every
// status except Good, which it replaces with OutOfPolicy.
type Finding struct {
	Name     string
	Engine   catalog.Engine
	Policy   string
	Status   Status
	Stale    bool
	Start    time.Time
	Duration time.Duration
	Age      time.Duration
}

// Alarm reports whether the finding needs an operator.
func (f Finding) Alarm() bool {
	return f.Stale || f.Status != Good && f.Status != Running
}

// Classify evaluates the newest backup log rows of an instance, newest
// first, as returned by catalog.Store.QueryBackupLog.
func Classify(rows []catalog.BackupEntry, policy string, now time.Time) Finding {
	f := Finding{Policy: policy}
	window, err := Window(policy)
	if err != nil {
		f.Status = NoPolicy
		return f
	}
	if len(rows) == 0 {
		f.Status = NoBackups
		return f
	}

	var start, end *catalog.BackupEntry
	for i := range rows {
		row := &rows[i]
		switch row.State {
		case catalog.BackupStart:
			if start == nil {
				start = row
			}
		case catalog.BackupEnd:
			if end == nil {
				end = row
			}
		}
	}
	if start == nil {
		// An end without its start: the start row fell outside the query.
		f.Status = NotFinished
		f.Stale = true
		return f
	}

	f.Start = start.TS
	f.Age = now.Sub(start.TS)
	f.Stale = start.TS.Before(now.Add(-window))
	switch {
	case end != nil && end.BackupID == start.BackupID:
		f.Duration = end.TS.Sub(start.TS)
		f.Status = Good
		if f.Stale {
			f.Status = OutOfPolicy
			f.Stale = false
		}
	case end != nil && !f.Stale:
		f.Status = Running
	default:
		f.Status = NotFinished
	}
	return f
}

func (f Finding) String() string {
	prefix := fmt.Sprintf("%-30s %-10s %-6s ", f.Name, f.Engine, f.Policy)
	switch f.Status {
	case NoPolicy, NoBackups:
		return prefix + fmt.Sprintf("%-26s %s", "-", f.Status)
	}
	start := "-"
	if !f.Start.IsZero() {
		start = f.Start.UTC().Format("2006-01-02 15:04:05")
	}
	var status string
	switch {
	case f.Status == Good:
		status = fmt.Sprintf("%s   (%s)", f.Status, f.Duration.Round(time.Second))
	case f.Status == OutOfPolicy:
		status = fmt.Sprintf("%s (%s)", f.Status, humanize.RelTime(f.Start, f.Start.Add(f.Age), "ago", "from now"))
	case f.Stale:
		status = fmt.Sprintf("%s; %s", OutOfPolicy, f.Status)
	default:
		status = string(f.Status)
	}
	return prefix + fmt.Sprintf("%-26s %s", start, status)
}

// Catalog is the subset of catalog.Store the audit reads.
type Catalog interface {
	ListActive(ctx context.Context) ([]catalog.Active, error)
	GetContainerByName(ctx context.Context, name string) (*catalog.Container, error)
	QueryBackupLog(ctx context.Context, id int64, order catalog.Order, limit int) ([]catalog.BackupEntry, error)
}

// Auditor produces backup compliance reports. It never writes.
type Auditor struct {
	catalog Catalog
	clock   clock.Clock
}

func New(c Catalog, clk clock.Clock) *Auditor {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Auditor{catalog: c, clock: clk}
}

// Findings audits every active instance in container id order.
func (a *Auditor) Findings(ctx context.Context) ([]Finding, error) {
	active, err := a.catalog.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	out := make([]Finding, 0, len(active))
	for _, act := range active {
		info := act.Container.Info
		f := Finding{Policy: info.BackupFreq, Status: NoPolicy}
		if info.BackupFreq == "" {
			logger.Warningf("%s has no backup policy", info.Name)
		} else {
			rows, err := a.catalog.QueryBackupLog(ctx, act.Container.ID, catalog.Descending, 2)
			if err != nil {
				return nil, errors.Annotatef(err, "auditing %s", info.Name)
			}
			f = Classify(rows, info.BackupFreq, now)
		}
		f.Name = info.Name
		f.Engine = info.Engine
		out = append(out, f)
	}
	return out, nil
}

// Header is the column header of Report.
func Header() string {
	return fmt.Sprintf("%-30s %-10s %-6s %-26s %s", "Container", "DB Type", "Policy", "Start Time (UTC)", "Status (Duration)")
}

// Report renders Findings under Header, one line per instance.
func (a *Auditor) Report(ctx context.Context) (string, error) {
	findings, err := a.Findings(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(Header())
	b.WriteByte('\n')
	alarms := 0
	for _, f := range findings {
		b.WriteString(f.String())
		b.WriteByte('\n')
		if f.Alarm() {
			alarms++
		}
	}
	fmt.Fprintf(&b, "\n%d instances, %d need attention\n", len(findings), alarms)
	return b.String(), nil
}

// History renders the newest HistoryLimit backup log rows of an instance,
// oldest first: start rows with their command, end rows with their error.
func (a *Auditor) History(ctx context.Context, name string) (string, error) {
	c, err := a.catalog.GetContainerByName(ctx, name)
	if err != nil {
		return "", err
	}
	rows, err := a.catalog.QueryBackupLog(ctx, c.ID, catalog.Descending, HistoryLimit)
	if err != nil {
		return "", err
	}
	slices.Reverse(rows)
	var b strings.Builder
	fmt.Fprintf(&b, "Backup report for %s\n\n", name)
	if len(rows) == 0 {
		b.WriteString("No backups recorded.\n")
		return b.String(), nil
	}
	for _, row := range rows {
		ts := row.TS.UTC().Format("2006-01-02 15:04:05")
		if row.State == catalog.BackupStart {
			fmt.Fprintf(&b, "%-5s %s  command: %s\n", row.State, ts, row.Command)
			continue
		}
		fmt.Fprintf(&b, "%-5s %s  Error: %s\n\n", row.State, ts, row.ErrMsg)
	}
	return b.String(), nil
}
