// Package authz checks that a requester holds an instance's database
// credentials before a state-changing operation touches it.
package authz

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ecairns22/mydb/internal/catalog"
	"github.com/ecairns22/mydb/internal/engine"
)

var logger = loggo.GetLogger("mydb.authz")

// Catalog is the subset of catalog.Store the gate reads.
type Catalog interface {
	GetState(ctx context.Context, name string) (*catalog.StateRecord, error)
	GetContainer(ctx context.Context, id int64) (*catalog.Container, error)
}

// Gate verifies ownership by logging in to the live instance. There is no
// separate secret store.
type Gate struct {
	catalog  Catalog
	adapters engine.Registry
}

func New(c Catalog, adapters engine.Registry) *Gate {
	return &Gate{catalog: c, adapters: adapters}
}

// VerifyOwnership returns the active instance's record when user and
// password log in to it. An inactive name yields an errors.NotFound error,
// bad credentials an errors.Unauthorized one.
func (g *Gate) VerifyOwnership(ctx context.Context, name, user, password string) (*catalog.Container, error) {
	st, err := g.catalog.GetState(ctx, name)
	if err != nil {
		return nil, err
	}
	c, err := g.catalog.GetContainer(ctx, st.CID)
	if err != nil {
		return nil, err
	}
	adapter, err := g.adapters.Get(c.Info.Engine)
	if err != nil {
		return nil, err
	}
	if user == "" || !adapter.Authenticate(ctx, c.Info.Port, user, password) {
		logger.Warningf("ownership check for %s as %q failed", name, user)
		return nil, errors.Unauthorizedf("credentials for %s", name)
	}
	logger.Debugf("ownership of %s verified for %s", name, user)
	return c, nil
}
