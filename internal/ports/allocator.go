package ports

import (
	"context"

	"github.com/juju/errors"
)

// PortStore is the subset of catalog.Store needed by the port allocator.
type PortStore interface {
	MaxAllocatedPort(ctx context.Context, base int) (int, error)
	PortOwner(ctx context.Context, port int) (string, error)
}

// Allocator hands out published ports. Automatic allocation always moves
// past the highest port in use, starting above base and staying below limit.
type Allocator struct {
	base  int
	limit int
	store PortStore
}

// New creates a port allocator for automatic ports in (base, limit).
func New(base, limit int, store PortStore) *Allocator {
	return &Allocator{
		base:  base,
		limit: limit,
		store: store,
	}
}

// Next returns one above the highest allocated port.
func (a *Allocator) Next(ctx context.Context) (int, error) {
	port, err := a.store.MaxAllocatedPort(ctx, a.base)
	if err != nil {
		return 0, errors.Annotate(err, "querying allocated ports")
	}
	if port >= a.limit {
		return 0, errors.Errorf("port range %d-%d exhausted; raise ports.limit in mydb.conf or pass an explicit port", a.base, a.limit)
	}
	return port, nil
}

// Request validates an explicitly chosen port. Explicit ports may lie
// outside the automatic range but must be free.
func (a *Allocator) Request(ctx context.Context, port int) error {
	if port < 1 || port > 65535 {
		return errors.NotValidf("port %d", port)
	}

	owner, err := a.store.PortOwner(ctx, port)
	if err != nil {
		return errors.Annotatef(err, "checking port %d", port)
	}
	if owner != "" {
		return errors.AlreadyExistsf("port %d (in use by %q)", port, owner)
	}

	return nil
}

// Allocate returns requested after checking it, or the next free port when
// requested is zero.
func (a *Allocator) Allocate(ctx context.Context, requested int) (int, error) {
	if requested == 0 {
		return a.Next(ctx)
	}
	if err := a.Request(ctx, requested); err != nil {
		return 0, err
	}
	return requested, nil
}
