// Package report records multi-step operation results: which steps ran,
// which failed and what they said.
package report

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

type Status string

const (
	OK      Status = "ok"
	Failed  Status = "failed"
	Skipped Status = "skipped"
)

// Step is one line of a result log.
type Step struct {
	Name   string
	Status Status
	Detail string
}

// Log is an ordered, append-only list of steps.
type Log struct {
	Steps []Step
}

// OK records a successful step.
func (l *Log) OK(name, format string, args ...any) {
	l.Steps = append(l.Steps, Step{Name: name, Status: OK, Detail: fmt.Sprintf(format, args...)})
}

// Fail records a failed step and returns err annotated with the step name.
func (l *Log) Fail(name string, err error) error {
	l.Steps = append(l.Steps, Step{Name: name, Status: Failed, Detail: err.Error()})
	return errors.Annotate(err, name)
}

// Skip records a step that was not attempted.
func (l *Log) Skip(name, reason string) {
	l.Steps = append(l.Steps, Step{Name: name, Status: Skipped, Detail: reason})
}

// Append copies another log's steps into l.
func (l *Log) Append(other *Log) {
	if other == nil {
		return
	}
	l.Steps = append(l.Steps, other.Steps...)
}

// Failed reports whether any step failed.
func (l *Log) Failed() bool {
	for _, s := range l.Steps {
		if s.Status == Failed {
			return true
		}
	}
	return false
}

// Completed returns the names of steps that succeeded, in order.
func (l *Log) Completed() []string {
	var out []string
	for _, s := range l.Steps {
		if s.Status == OK {
			out = append(out, s.Name)
		}
	}
	return out
}

// Errors joins the detail of every failed step.
func (l *Log) Errors() string {
	var out []string
	for _, s := range l.Steps {
		if s.Status == Failed {
			out = append(out, s.Name+": "+s.Detail)
		}
	}
	return strings.Join(out, "; ")
}

func (l *Log) String() string {
	var b strings.Builder
	for _, s := range l.Steps {
		mark := "✓"
		switch s.Status {
		case Failed:
			mark = "✗"
		case Skipped:
			mark = "-"
		}
		fmt.Fprintf(&b, "%s %s", mark, s.Name)
		if s.Detail != "" {
			fmt.Fprintf(&b, ": %s", s.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}
