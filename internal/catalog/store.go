package catalog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var logger = loggo.GetLogger("mydb.catalog")

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the catalog: the source of truth for which instances exist,
// their metadata and their backup history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens a SQLite catalog at the given path with WAL mode and
// brings its schema up to date. Use ":memory:" for in-memory databases in tests.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Annotatef(err, "opening catalog %s", dbPath)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "setting WAL mode")
	}

	// SQLite handles one writer at a time
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return errors.Trace(err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return errors.Annotate(err, "loading catalog migrations")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Annotate(err, "migrating catalog")
	}
	for _, r := range results {
		logger.Debugf("applied migration %s in %s", r.Source.Path, r.Duration)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddContainer records a newly provisioned instance. service is the
// orchestrator's descriptor and must encode to a JSON object; info is stored
// beneath it under the "Info" key.
func (s *Store) AddContainer(ctx context.Context, service any, info Info) (int64, error) {
	if err := info.Validate(); err != nil {
		return 0, err
	}
	data, err := encodeData(service, info)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO containers (name, data, created_at) VALUES (?, ?, ?)`,
		info.Name, data, s.now().Unix())
	if err != nil {
		return 0, errors.Annotatef(err, "adding container %s", info.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Trace(err)
	}
	logger.Infof("added container %s as c_id=%d", info.Name, id)
	return id, nil
}

// GetContainer returns the container record with the given id. A record
// without a usable Info yields an error satisfying errors.NotValid.
func (s *Store) GetContainer(ctx context.Context, id int64) (*Container, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, data, created_at FROM containers WHERE id = ?`, id)
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("container %d", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting container %d", id)
	}
	return c, nil
}

// GetContainerByName returns the active instance's record, or the most
// recent record with that name when none is active.
func (s *Store) GetContainerByName(ctx context.Context, name string) (*Container, error) {
	st, err := s.GetState(ctx, name)
	if err == nil {
		return s.GetContainer(ctx, st.CID)
	}
	if !errors.Is(err, errors.NotFound) {
		return nil, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM containers WHERE name = ? ORDER BY id DESC LIMIT 1`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("container %q", name)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting container %s", name)
	}
	return s.GetContainer(ctx, id)
}

// ProtectedFields name an instance's identity and resources. UpdateInfo
// refuses to change them.
var ProtectedFields = []string{"Name", "Engine", "Port", "ServiceName", "VolumeName"}

// IsProtected reports whether key names a protected Info field. Field
// names match case-insensitively, as encoding/json decodes them.
func IsProtected(key string) bool {
	for _, f := range ProtectedFields {
		if strings.EqualFold(key, f) {
			return true
		}
	}
	return false
}

// UpdateInfo merges partial into the container's Info. Keys absent from
// partial keep their values. The merged Info must still validate and keep
// the stored Name and Port. Concurrent updates to the same container are
// not serialized.
func (s *Store) UpdateInfo(ctx context.Context, id int64, partial map[string]any) (*Info, error) {
	for k := range partial {
		if IsProtected(k) {
			return nil, errors.NotValidf("changing %s of container %d", k, id)
		}
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM containers WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("container %d", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading container %d", id)
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.NotValidf("container %d data: %v", id, err)
	}
	fields := map[string]any{}
	var stored Info
	if infoRaw, ok := data["Info"]; ok {
		if err := json.Unmarshal(infoRaw, &fields); err != nil {
			return nil, errors.NotValidf("container %d Info: %v", id, err)
		}
		if err := json.Unmarshal(infoRaw, &stored); err != nil {
			return nil, errors.NotValidf("container %d Info: %v", id, err)
		}
	}
	for k, v := range partial {
		// A key differing only in case overwrites the stored field
		// rather than sitting beside it.
		for existing := range fields {
			if existing != k && strings.EqualFold(existing, k) {
				delete(fields, existing)
				k = existing
				break
			}
		}
		fields[k] = v
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Annotate(err, "encoding merged Info")
	}
	var info Info
	if err := json.Unmarshal(merged, &info); err != nil {
		return nil, errors.NotValidf("merged Info for container %d: %v", id, err)
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.Name != stored.Name || info.Port != stored.Port {
		return nil, errors.NotValidf("update renaming container %d from %s:%d to %s:%d",
			id, stored.Name, stored.Port, info.Name, info.Port)
	}
	data["Info"] = merged
	out, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE containers SET data = ? WHERE id = ?`, string(out), id); err != nil {
		return nil, errors.Annotatef(err, "updating container %d", id)
	}
	logger.Infof("update info c_id=%d", id)
	return &info, nil
}

// AddState marks the container as active. Only one active record may
// exist per container and per name.
func (s *Store) AddState(ctx context.Context, id int64, name, state, changedBy string) error {
	if changedBy == "" {
		changedBy = DefaultChangedBy
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO container_state (c_id, name, state, last_state, changed_by, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, state, StateCreated, changedBy, s.now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return errors.AlreadyExistsf("active instance %q", name)
		}
		return errors.Annotatef(err, "adding state for %s", name)
	}
	return nil
}

// GetState returns the active state record for name.
func (s *Store) GetState(ctx context.Context, name string) (*StateRecord, error) {
	row := s.db.QueryRowContext(ctx, stateQuery+` WHERE name = ?`, name)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("active instance %q", name)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting state of %s", name)
	}
	return st, nil
}

// GetStateByID returns the active state record for a container id.
func (s *Store) GetStateByID(ctx context.Context, id int64) (*StateRecord, error) {
	row := s.db.QueryRowContext(ctx, stateQuery+` WHERE c_id = ?`, id)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("active instance %d", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting state of c_id=%d", id)
	}
	return st, nil
}

// UpdateState sets a new state, moving the current one to last_state in the
// same transaction, and logs the change.
func (s *Store) UpdateState(ctx context.Context, id int64, state, changedBy string) error {
	if changedBy == "" {
		changedBy = DefaultChangedBy
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer tx.Rollback()

	var old, name string
	err = tx.QueryRowContext(ctx, `SELECT state, name FROM container_state WHERE c_id = ?`, id).Scan(&old, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NotFoundf("active instance %d", id)
	}
	if err != nil {
		return errors.Annotatef(err, "reading state of c_id=%d", id)
	}

	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE container_state SET state = ?, last_state = ?, changed_by = ?, ts = ? WHERE c_id = ?`,
		state, old, changedBy, now, id); err != nil {
		return errors.Annotatef(err, "updating state of %s", name)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_log (c_id, name, action, description, ts) VALUES (?, ?, ?, ?, ?)`,
		id, name, "state", "change state to "+state, now); err != nil {
		return errors.Annotate(err, "logging state change")
	}
	return errors.Trace(tx.Commit())
}

// DeleteState removes the active marker. The container record stays.
func (s *Store) DeleteState(ctx context.Context, id int64, changedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer tx.Rollback()

	var name string
	err = tx.QueryRowContext(ctx, `SELECT name FROM container_state WHERE c_id = ?`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NotFoundf("active instance %d", id)
	}
	if err != nil {
		return errors.Annotatef(err, "reading state of c_id=%d", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM container_state WHERE c_id = ?`, id); err != nil {
		return errors.Annotatef(err, "deleting state of %s", name)
	}
	if changedBy == "" {
		changedBy = DefaultChangedBy
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_log (c_id, name, action, description, ts) VALUES (?, ?, ?, ?, ?)`,
		id, name, "delete-state", "state deleted by "+changedBy, s.now().Unix()); err != nil {
		return errors.Annotate(err, "logging state deletion")
	}
	return errors.Trace(tx.Commit())
}

// Purge deletes a container record and any state it still has.
func (s *Store) Purge(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM container_state WHERE c_id = ?`, id); err != nil {
		return errors.Annotatef(err, "purging state of c_id=%d", id)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id)
	if err != nil {
		return errors.Annotatef(err, "purging container %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("container %d", id)
	}
	logger.Warningf("purged container c_id=%d", id)
	return errors.Trace(tx.Commit())
}

// ListActiveNames returns the names of all active instances.
func (s *Store) ListActiveNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM container_state ORDER BY name`)
	if err != nil {
		return nil, errors.Annotate(err, "listing active names")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errors.Trace(err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Active pairs an active state record with its container.
type Active struct {
	State     StateRecord
	Container Container
}

// ListActive returns every active instance. Records whose Info is missing
// or invalid are logged and skipped.
func (s *Store) ListActive(ctx context.Context) ([]Active, error) {
	states, err := s.ListStates(ctx)
	if err != nil {
		return nil, err
	}
	var out []Active
	for _, st := range states {
		c, err := s.GetContainer(ctx, st.CID)
		if errors.Is(err, errors.NotValid) || errors.Is(err, errors.NotFound) {
			logger.Warningf("skipping %s (c_id=%d): %v", st.Name, st.CID, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Active{State: *st, Container: *c})
	}
	return out, nil
}

// ListStates returns all active state records ordered by container id.
func (s *Store) ListStates(ctx context.Context) ([]*StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, stateQuery+` ORDER BY c_id`)
	if err != nil {
		return nil, errors.Annotate(err, "listing states")
	}
	defer rows.Close()

	var out []*StateRecord
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ContainerSummary is a container row without its decoded data.
type ContainerSummary struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	Active    bool
}

// ListContainers returns every container ever recorded, newest first.
func (s *Store) ListContainers(ctx context.Context) ([]ContainerSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.created_at, s.c_id IS NOT NULL
		 FROM containers c LEFT JOIN container_state s ON s.c_id = c.id
		 ORDER BY c.id DESC`)
	if err != nil {
		return nil, errors.Annotate(err, "listing containers")
	}
	defer rows.Close()

	var out []ContainerSummary
	for rows.Next() {
		var c ContainerSummary
		var created int64
		if err := rows.Scan(&c.ID, &c.Name, &created, &c.Active); err != nil {
			return nil, errors.Trace(err)
		}
		c.CreatedAt = time.Unix(created, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendLog records an action. A zero TS means now; backfills pass the
// historical time.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	ts := e.TS
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log (c_id, name, action, description, ts) VALUES (?, ?, ?, ?, ?)`,
		e.CID, e.Name, e.Action, e.Description, ts.Unix())
	if err != nil {
		return errors.Annotate(err, "appending action log")
	}
	return nil
}

// ListLog returns action log entries newest first. cid 0 means all
// containers; limit 0 means no limit.
func (s *Store) ListLog(ctx context.Context, cid int64, limit int) ([]LogEntry, error) {
	q := `SELECT id, c_id, name, action, description, ts FROM action_log`
	var args []any
	if cid != 0 {
		q += ` WHERE c_id = ?`
		args = append(args, cid)
	}
	q += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Annotate(err, "listing action log")
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.CID, &e.Name, &e.Action, &e.Description, &ts); err != nil {
			return nil, errors.Trace(err)
		}
		e.TS = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendBackupLog records one edge of a backup attempt. ErrMsg is truncated
// to 100 characters. A zero TS means now.
func (s *Store) AppendBackupLog(ctx context.Context, e BackupEntry) error {
	ts := e.TS
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (c_id, name, state, backup_id, backup_type, url, command, err_msg, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CID, e.Name, e.State, e.BackupID, e.BackupType, e.URL, e.Command, truncate(e.ErrMsg, errMsgLimit), ts.Unix())
	if err != nil {
		return errors.Annotatef(err, "appending backup log for %s", e.Name)
	}
	return nil
}

// QueryBackupLog returns up to limit backup rows for a container.
// limit <= 0 means 2, the pair the audit needs.
func (s *Store) QueryBackupLog(ctx context.Context, id int64, order Order, limit int) ([]BackupEntry, error) {
	if limit <= 0 {
		limit = 2
	}
	dir := "DESC"
	if order == Ascending {
		dir = "ASC"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, c_id, name, state, backup_id, backup_type, url, command, err_msg, ts
		 FROM backups WHERE c_id = ? ORDER BY ts `+dir+`, id `+dir+` LIMIT ?`, id, limit)
	if err != nil {
		return nil, errors.Annotatef(err, "querying backup log of c_id=%d", id)
	}
	defer rows.Close()
	return scanBackups(rows)
}

// LastBackupURL returns the destination of the newest backup recorded
// under name that ended without error.
func (s *Store) LastBackupURL(ctx context.Context, name string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx,
		`SELECT url FROM backups WHERE name = ? AND state = ? AND err_msg = '' ORDER BY ts DESC, id DESC LIMIT 1`,
		name, BackupEnd).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NotFoundf("backup of %q", name)
	}
	if err != nil {
		return "", errors.Annotatef(err, "reading last backup of %s", name)
	}
	return url, nil
}

// MaxAllocatedPort returns one above the highest port held by an active
// instance, or base+1 when that is higher. Ports that are missing or not
// numeric are logged and ignored.
func (s *Store) MaxAllocatedPort(ctx context.Context, base int) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.name, c.data FROM container_state s JOIN containers c ON c.id = s.c_id`)
	if err != nil {
		return 0, errors.Annotate(err, "scanning allocated ports")
	}
	defer rows.Close()

	highest := base
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return 0, errors.Trace(err)
		}
		port, err := portOf(data)
		if err != nil {
			logger.Warningf("ignoring port of %s: %v", name, err)
			continue
		}
		if port > highest {
			highest = port
		}
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Trace(err)
	}
	return highest + 1, nil
}

// PortOwner returns the name of the active instance using port, or "".
func (s *Store) PortOwner(ctx context.Context, port int) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.name, c.data FROM container_state s JOIN containers c ON c.id = s.c_id`)
	if err != nil {
		return "", errors.Annotatef(err, "querying port owner for %d", port)
	}
	defer rows.Close()

	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return "", errors.Trace(err)
		}
		if p, err := portOf(data); err == nil && p == port {
			return name, nil
		}
	}
	return "", rows.Err()
}

const stateQuery = `SELECT id, c_id, name, state, last_state, changed_by, ts FROM container_state`

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*StateRecord, error) {
	var st StateRecord
	var ts int64
	if err := row.Scan(&st.ID, &st.CID, &st.Name, &st.State, &st.LastState, &st.ChangedBy, &ts); err != nil {
		return nil, err
	}
	st.TS = time.Unix(ts, 0)
	return &st, nil
}

func scanContainer(row scanner) (*Container, error) {
	var c Container
	var data string
	var created int64
	if err := row.Scan(&c.ID, &c.Name, &data, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(created, 0)

	service, info, err := decodeData(data)
	if err != nil {
		logger.Warningf("container %s (c_id=%d): %v", c.Name, c.ID, err)
		return nil, errors.NotValidf("container %d: %v", c.ID, err)
	}
	c.Service = service
	c.Info = *info
	return &c, nil
}

func scanBackups(rows *sql.Rows) ([]BackupEntry, error) {
	var out []BackupEntry
	for rows.Next() {
		var e BackupEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.CID, &e.Name, &e.State, &e.BackupID, &e.BackupType, &e.URL, &e.Command, &e.ErrMsg, &ts); err != nil {
			return nil, errors.Trace(err)
		}
		e.TS = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeData(service any, info Info) (string, error) {
	data := map[string]json.RawMessage{}
	if service != nil {
		raw, err := json.Marshal(service)
		if err != nil {
			return "", errors.Annotate(err, "encoding service descriptor")
		}
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &data); err != nil {
				return "", errors.NotValidf("service descriptor is not an object: %v", err)
			}
		}
	}
	infoRaw, err := json.Marshal(info)
	if err != nil {
		return "", errors.Annotate(err, "encoding Info")
	}
	data["Info"] = infoRaw
	out, err := json.Marshal(data)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(out), nil
}

func decodeData(raw string) (json.RawMessage, *Info, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, nil, errors.Errorf("data is not a JSON object: %v", err)
	}
	infoRaw, ok := data["Info"]
	if !ok {
		return nil, nil, errors.New("data has no Info")
	}
	var info Info
	if err := json.Unmarshal(infoRaw, &info); err != nil {
		return nil, nil, errors.Errorf("decoding Info: %v", err)
	}
	delete(data, "Info")
	service, err := json.Marshal(data)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return service, &info, nil
}

// portOf extracts Info.Port from raw container data, accepting numbers and
// numeric strings.
func portOf(raw string) (int, error) {
	var data struct {
		Info *struct {
			Port any
		}
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return 0, errors.Errorf("data is not a JSON object: %v", err)
	}
	if data.Info == nil || data.Info.Port == nil {
		return 0, errors.New("no Info.Port")
	}
	switch p := data.Info.Port.(type) {
	case float64:
		return int(p), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, errors.Errorf("non-numeric port %q", p)
		}
		return n, nil
	}
	return 0, errors.Errorf("unexpected port value %v", data.Info.Port)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
