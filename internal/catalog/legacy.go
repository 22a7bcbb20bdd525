package catalog

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/juju/errors"
)

// RawInfo returns the Info map of the named instance without decoding it
// into Info. Catalogs written by the previous generation of the service use
// different keys (dbengine, OWNER, BACKUP_FREQ, ...), which migrate reads
// through this.
func (s *Store) RawInfo(ctx context.Context, name string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT c.data FROM containers c JOIN container_state s ON s.c_id = c.id WHERE s.name = ?`,
		name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx,
			`SELECT data FROM containers WHERE name = ? ORDER BY id DESC LIMIT 1`, name).Scan(&raw)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("container %q", name)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading container %s", name)
	}

	var data struct {
		Info map[string]any
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.NotValidf("container %q data: %v", name, err)
	}
	if data.Info == nil {
		return nil, errors.NotValidf("container %q without Info", name)
	}
	return data.Info, nil
}
