package catalog

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// Engine names the database engine behind an instance.
type Engine string

const (
	Postgres Engine = "Postgres"
	MariaDB  Engine = "MariaDB"
	MongoDB  Engine = "MongoDB"
)

// Valid reports whether e is one of the supported engines.
func (e Engine) Valid() bool {
	switch e {
	case Postgres, MariaDB, MongoDB:
		return true
	}
	return false
}

// Instance states as stored in container_state.
const (
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateMigrating  = "migrating"
	StateCreated    = "created"
)

// Backup log row kinds.
const (
	BackupStart = "start"
	BackupEnd   = "end"
)

// Backup types.
const (
	BackupUser  = "User"
	BackupAdmin = "Admin"
)

// DefaultChangedBy is recorded when a state change has no named actor.
const DefaultChangedBy = "DBaaS"

// errMsgLimit bounds BackupEntry.ErrMsg.
const errMsgLimit = 100

// Info is the metadata every instance carries in its container record.
// Exactly one of the engine payloads is set and it matches Engine.
type Info struct {
	Name        string
	Engine      Engine
	Port        int
	DBName      string
	DBUser      string
	Owner       string
	Contact     string
	BackupFreq  string
	Description string
	Image       string
	ServiceName string
	VolumeName  string
	ConfigName  string
	State       string
	LastState   string
	CreatedAt   time.Time

	Postgres *PostgresInfo `json:",omitempty"`
	MariaDB  *MariaDBInfo  `json:",omitempty"`
	MongoDB  *MongoInfo    `json:",omitempty"`
}

type PostgresInfo struct {
	// AuthMethod is passed to initdb as --auth-host when set.
	AuthMethod string `json:",omitempty"`
}

type MariaDBInfo struct {
	UserHost string
}

type MongoInfo struct {
	AuthSource string
}

// Validate checks the fields every consumer depends on.
func (i *Info) Validate() error {
	if i.Name == "" {
		return errors.NotValidf("info without Name")
	}
	if i.Port <= 0 || i.Port > 65535 {
		return errors.NotValidf("info %q port %d", i.Name, i.Port)
	}
	if !i.Engine.Valid() {
		return errors.NotValidf("info %q engine %q", i.Name, i.Engine)
	}
	set := 0
	for _, ok := range []bool{i.Postgres != nil, i.MariaDB != nil, i.MongoDB != nil} {
		if ok {
			set++
		}
	}
	if set > 1 {
		return errors.NotValidf("info %q with %d engine payloads", i.Name, set)
	}
	var match bool
	switch i.Engine {
	case Postgres:
		match = i.Postgres != nil
	case MariaDB:
		match = i.MariaDB != nil
	case MongoDB:
		match = i.MongoDB != nil
	}
	if !match {
		return errors.NotValidf("info %q without %s payload", i.Name, i.Engine)
	}
	return nil
}

// Container is one row of the containers table. Service holds the
// orchestrator's descriptor as recorded at provisioning time.
type Container struct {
	ID        int64
	Name      string
	Service   json.RawMessage
	Info      Info
	CreatedAt time.Time
}

// StateRecord marks an instance as active.
type StateRecord struct {
	ID        int64
	CID       int64
	Name      string
	State     string
	LastState string
	ChangedBy string
	TS        time.Time
}

// LogEntry is an action log row.
type LogEntry struct {
	ID          int64
	CID         int64
	Name        string
	Action      string
	Description string
	TS          time.Time
}

// BackupEntry is a backup log row. A completed backup has a Start and an
// End row with the same BackupID.
type BackupEntry struct {
	ID         int64
	CID        int64
	Name       string
	State      string
	BackupID   string
	BackupType string
	URL        string
	Command    string
	ErrMsg     string
	TS         time.Time
}

// Order selects the direction of a backup log query.
type Order int

const (
	Descending Order = iota
	Ascending
)
