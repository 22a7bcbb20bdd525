package config

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	toml "github.com/pelletier/go-toml/v2"
)

const defaultConfigPath = "/etc/mydb/mydb.conf"
const envOverride = "MYDB_CONFIG"

// Engine kinds as they appear in config section names and catalog records.
const (
	Postgres = "Postgres"
	MariaDB  = "MariaDB"
	MongoDB  = "MongoDB"
)

type Config struct {
	Catalog      CatalogConfig           `toml:"catalog"`
	Ports        PortsConfig             `toml:"ports"`
	Swarm        SwarmConfig             `toml:"swarm"`
	Backup       BackupConfig            `toml:"backup"`
	Engines      map[string]EngineConfig `toml:"engines"`
	Mail         MailConfig              `toml:"mail"`
	Directory    DirectoryConfig         `toml:"directory"`
	Organization OrganizationConfig      `toml:"organization"`
	Schedule     ScheduleConfig          `toml:"schedule"`
	Log          LogConfig               `toml:"log"`
	TZ           string                  `toml:"tz"`
}

type CatalogConfig struct {
	Path        string `toml:"path"`
	MigratePath string `toml:"migrate_path"`
}

type PortsConfig struct {
	Base  int `toml:"base"`
	Limit int `toml:"limit"`
}

type SwarmConfig struct {
	Host                string `toml:"host"`
	ContainerHost       string `toml:"container_host"`
	Network             string `toml:"network"`
	StartTimeoutSeconds int    `toml:"start_timeout_seconds"`
	ConfigUID           string `toml:"config_uid"`
	ConfigGID           string `toml:"config_gid"`
}

type BackupConfig struct {
	Bucket               string `toml:"bucket"`
	Prefix               string `toml:"prefix"`
	LegacyPrefix         string `toml:"legacy_prefix"`
	Region               string `toml:"region"`
	Endpoint             string `toml:"endpoint"`
	PathStyle            bool   `toml:"path_style"`
	ScriptTimeoutSeconds int    `toml:"script_timeout_seconds"`
	DumpTimeoutSeconds   int    `toml:"dump_timeout_seconds"`
	ReadyTimeoutSeconds  int    `toml:"ready_timeout_seconds"`
}

type EngineConfig struct {
	Image             string `toml:"image"`
	DefaultPort       int    `toml:"default_port"`
	MappedVolume      string `toml:"mapped_volume"`
	ServiceUser       string `toml:"service_user"`
	AdminUser         string `toml:"admin_user"`
	AdminPasswordFile string `toml:"admin_password_file"`
	AdminPassword     string `toml:"-"` // resolved at load time, never serialized
}

type MailConfig struct {
	Server string   `toml:"server"`
	From   string   `toml:"from"`
	Admins []string `toml:"admins"`
}

type DirectoryConfig struct {
	Server     string `toml:"server"`
	Domain     string `toml:"domain"`
	SearchBase string `toml:"search_base"`
}

type OrganizationConfig struct {
	Name         string `toml:"name"`
	SupportOrg   string `toml:"support_org"`
	SupportEmail string `toml:"support_email"`
}

// ScheduleConfig places the systemd timers that run the periodic jobs.
// BackupAt and AuditAt are systemd OnCalendar expressions.
type ScheduleConfig struct {
	UnitDir  string `toml:"unit_dir"`
	Binary   string `toml:"binary"`
	BackupAt string `toml:"backup_at"`
	AuditAt  string `toml:"audit_at"`
}

type LogConfig struct {
	Spec string `toml:"spec"`
}

var engineDefaults = map[string]EngineConfig{
	Postgres: {
		Image:        "postgres:17.4",
		DefaultPort:  5432,
		MappedVolume: "/var/lib/postgresql/data",
		ServiceUser:  "postgres",
		AdminUser:    "postgres",
	},
	MariaDB: {
		Image:        "mariadb:11.4",
		DefaultPort:  3306,
		MappedVolume: "/var/lib/mysql",
		ServiceUser:  "mysql",
		AdminUser:    "root",
	},
	MongoDB: {
		Image:        "mongo:8.0",
		DefaultPort:  27017,
		MappedVolume: "/data/db",
		ServiceUser:  "mongodb",
		AdminUser:    "admin",
	},
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	if p := os.Getenv(envOverride); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from the default path.
func Load() (*Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom reads configuration from the given path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading config %s", path)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Annotatef(err, "parsing config %s", path)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	for _, kind := range cfg.EngineKinds() {
		ec := cfg.Engines[kind]
		pw, err := readSecret(ec.AdminPasswordFile)
		if err != nil {
			return nil, errors.Annotatef(err, "engines.%s", kind)
		}
		ec.AdminPassword = pw
		cfg.Engines[kind] = ec
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Catalog.Path == "" {
		c.Catalog.Path = "/var/lib/mydb/catalog.db"
	}
	if c.Ports.Base == 0 {
		c.Ports.Base = 32000
	}
	if c.Ports.Limit == 0 {
		c.Ports.Limit = 33000
	}
	if c.Swarm.ContainerHost == "" {
		c.Swarm.ContainerHost = "localhost"
	}
	if c.Swarm.StartTimeoutSeconds == 0 {
		c.Swarm.StartTimeoutSeconds = 30
	}
	if c.Swarm.ConfigUID == "" {
		c.Swarm.ConfigUID = "999"
	}
	if c.Swarm.ConfigGID == "" {
		c.Swarm.ConfigGID = "999"
	}
	if c.Backup.Prefix == "" {
		c.Backup.Prefix = "mydb"
	}
	if c.Backup.LegacyPrefix == "" {
		c.Backup.LegacyPrefix = "prod"
	}
	if c.Backup.Region == "" {
		c.Backup.Region = "us-east-1"
	}
	if c.Backup.ScriptTimeoutSeconds == 0 {
		c.Backup.ScriptTimeoutSeconds = 1800
	}
	if c.Backup.DumpTimeoutSeconds == 0 {
		c.Backup.DumpTimeoutSeconds = 1800
	}
	if c.Backup.ReadyTimeoutSeconds == 0 {
		c.Backup.ReadyTimeoutSeconds = 120
	}
	if c.Schedule.UnitDir == "" {
		c.Schedule.UnitDir = "/etc/systemd/system"
	}
	if c.Schedule.Binary == "" {
		c.Schedule.Binary = "/usr/local/bin/mydb"
	}
	if c.Schedule.BackupAt == "" {
		c.Schedule.BackupAt = "*-*-* 01:00:00"
	}
	if c.Schedule.AuditAt == "" {
		c.Schedule.AuditAt = "*-*-* 07:00:00"
	}
	if c.Log.Spec == "" {
		c.Log.Spec = "<root>=INFO"
	}
	if c.TZ == "" {
		c.TZ = "UTC"
	}
	if c.Engines == nil {
		c.Engines = make(map[string]EngineConfig)
	}
	for kind, def := range engineDefaults {
		ec, ok := c.Engines[kind]
		if !ok {
			continue
		}
		if ec.Image == "" {
			ec.Image = def.Image
		}
		if ec.DefaultPort == 0 {
			ec.DefaultPort = def.DefaultPort
		}
		if ec.MappedVolume == "" {
			ec.MappedVolume = def.MappedVolume
		}
		if ec.ServiceUser == "" {
			ec.ServiceUser = def.ServiceUser
		}
		if ec.AdminUser == "" {
			ec.AdminUser = def.AdminUser
		}
		c.Engines[kind] = ec
	}
}

func (c *Config) validate() error {
	if c.Backup.Bucket == "" {
		return errors.New("config: backup.bucket is required")
	}
	if c.Ports.Limit <= c.Ports.Base {
		return errors.Errorf("config: ports.limit %d must be above ports.base %d", c.Ports.Limit, c.Ports.Base)
	}
	if len(c.Engines) == 0 {
		return errors.New("config: at least one [engines.<kind>] section is required")
	}
	for kind, ec := range c.Engines {
		if _, ok := engineDefaults[kind]; !ok {
			return errors.NotValidf("config: engine kind %q", kind)
		}
		if ec.AdminPasswordFile == "" {
			return errors.Errorf("config: engines.%s.admin_password_file is required", kind)
		}
	}
	if _, err := time.LoadLocation(c.TZ); err != nil {
		return errors.Annotatef(err, "config: tz %q", c.TZ)
	}
	return nil
}

// EngineKinds returns the configured engine kinds in a stable order.
func (c *Config) EngineKinds() []string {
	kinds := make([]string, 0, len(c.Engines))
	for k := range c.Engines {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Location returns the configured time zone, used for backup identifiers.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Seconds converts a configured second count to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Annotatef(err, "reading admin password from %s", path)
	}
	pw := strings.TrimSpace(string(data))
	if pw == "" {
		return "", errors.Errorf("admin password file %s is empty", path)
	}
	return pw, nil
}

// TemplateConfig returns a TOML template with placeholder values for first-time setup.
func TemplateConfig() string {
	return `tz = "UTC"

[catalog]
path         = "/var/lib/mydb/catalog.db"
migrate_path = "/var/lib/mydb/catalog_v1.db"

[ports]
base  = 32000
limit = 33000

[swarm]
host           = "unix:///var/run/docker.sock"
container_host = "db.example.com"

[backup]
bucket        = "mydb-backups"
prefix        = "mydb"
legacy_prefix = "prod"
region        = "us-east-1"

[engines.Postgres]
image               = "postgres:17.4"
admin_password_file = "/etc/mydb/postgres_admin"

[engines.MariaDB]
image               = "mariadb:11.4"
admin_password_file = "/etc/mydb/mariadb_admin"

[engines.MongoDB]
image               = "mongo:8.0"
admin_password_file = "/etc/mydb/mongodb_admin"

[mail]
server = "mail.example.com:25"
from   = "mydb@example.com"
admins = ["dba@example.com"]

[directory]
server      = "ldaps://ad.example.com:636"
domain      = "example.com"
search_base = "dc=example,dc=com"

[organization]
name          = "Example"
support_org   = "DBA Team"
support_email = "dba@example.com"

[schedule]
unit_dir  = "/etc/systemd/system"
binary    = "/usr/local/bin/mydb"
backup_at = "*-*-* 01:00:00"
audit_at  = "*-*-* 07:00:00"

[log]
spec = "<root>=INFO"
`
}
