package runner

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("mydb.runner")

// Placeholder replaces secrets in anything that is logged, stored or mailed.
const Placeholder = "xxxxx"

// Spec describes a command to run. Env entries are added to the process
// environment and are never rendered. Args listed in Redact are rendered
// as the placeholder.
type Spec struct {
	Name    string
	Args    []string
	Env     []string
	Redact  []int
	Timeout time.Duration
}

// String renders the command for logs and backup records.
func (s Spec) String() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, s.Name)
	for i, a := range s.Args {
		if s.redacted(i) {
			a = Placeholder
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func (s Spec) redacted(i int) bool {
	for _, r := range s.Redact {
		if r == i {
			return true
		}
	}
	return false
}

// Redact replaces every occurrence of each non-empty secret in text.
func Redact(text string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, Placeholder)
	}
	return text
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
	// Stream runs spec with stdin (which may be nil) and copies its standard
	// output to stdout. It returns the captured standard error.
	Stream(ctx context.Context, spec Spec, stdin io.Reader, stdout io.Writer) (stderr string, err error)
}

// OSRunner executes commands via os/exec.
type OSRunner struct{}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

func (r *OSRunner) Stream(ctx context.Context, spec Spec, stdin io.Reader, stdout io.Writer) (string, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	logger.Debugf("running %s", spec)

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return errBuf.String(), errors.Timeoutf("%s after %s", spec.Name, spec.Timeout)
	}
	if err != nil {
		return errBuf.String(), errors.Annotatef(err, "%s", spec.Name)
	}
	return errBuf.String(), nil
}
