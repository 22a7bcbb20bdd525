package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ecairns22/mydb/internal/runner"
)

// Dump runs spec and uploads its standard output to key without buffering
// the whole dump. Anything the command writes to standard error fails the
// dump, as does a non-zero exit or a failed upload.
func (b *Base) Dump(ctx context.Context, spec runner.Spec, key string) error {
	if spec.Timeout == 0 {
		spec.Timeout = b.Timeouts.Dump
	}
	logger.Debugf("dumping %s to %s", spec, b.Layout.Locator(key))

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stderr, err := b.Runner.Stream(gctx, spec, nil, pw)
		err = commandError(spec, stderr, err, true)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := b.Blob.Put(gctx, key, pr)
		pr.CloseWithError(err)
		if err != nil {
			return errors.Annotatef(err, "uploading %s", b.Layout.Locator(key))
		}
		return nil
	})
	err := g.Wait()
	if err == nil || errors.Is(err, errors.Timeout) {
		return err
	}
	return errors.New(b.Redact(err.Error()))
}

// Load streams the object at key into spec's standard input. Standard error
// is returned as warnings; only a non-zero exit, a timeout or a failed
// download is an error.
func (b *Base) Load(ctx context.Context, spec runner.Spec, key string) (warnings string, err error) {
	if spec.Timeout == 0 {
		spec.Timeout = b.Timeouts.Script
	}
	rc, err := b.Blob.Open(ctx, key)
	if err != nil {
		return "", errors.Annotatef(err, "opening %s", b.Layout.Locator(key))
	}
	defer rc.Close()
	logger.Debugf("loading %s into %s", b.Layout.Locator(key), spec)

	var out bytes.Buffer
	stderr, err := b.Runner.Stream(ctx, spec, rc, &out)
	if err = commandError(spec, stderr, err, false); err != nil {
		if errors.Is(err, errors.Timeout) {
			return "", err
		}
		return "", errors.New(b.Redact(err.Error()))
	}
	return b.Redact(strings.TrimSpace(stderr)), nil
}

// Outcome describes a successful load of key.
func Outcome(key, warnings string) string {
	if warnings == "" {
		return path.Base(key) + " restored"
	}
	return fmt.Sprintf("%s restored with warnings: %s", path.Base(key), warnings)
}

func commandError(spec runner.Spec, stderr string, err error, strict bool) error {
	stderr = strings.TrimSpace(stderr)
	switch {
	case err != nil && errors.Is(err, errors.Timeout):
		return err
	case err != nil && stderr != "":
		return errors.Errorf("%v: %s", err, stderr)
	case err != nil:
		return err
	case strict && stderr != "":
		return errors.Errorf("%s: %s", spec.Name, stderr)
	}
	return nil
}
