package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "mydb.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writePasswordFile(t *testing.T, dir, name, password string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(password), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfigTmpl = `tz = "UTC"

[catalog]
path = "/tmp/catalog.db"

[ports]
base  = 40000
limit = 41000

[backup]
bucket = "backups-test"

[engines.Postgres]
image = "postgres:16"
admin_password_file = "PG_FILE"

[engines.MariaDB]
admin_password_file = "MARIA_FILE"
`

func validConfig(t *testing.T, dir string) string {
	t.Helper()
	pg := writePasswordFile(t, dir, "pg", "pgsecret\n")
	maria := writePasswordFile(t, dir, "maria", "  mariasecret ")
	return strings.NewReplacer("PG_FILE", pg, "MARIA_FILE", maria).Replace(validConfigTmpl)
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig(t, dir))

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Ports.Base != 40000 {
		t.Errorf("base = %d, want 40000", cfg.Ports.Base)
	}
	if cfg.Backup.Bucket != "backups-test" {
		t.Errorf("bucket = %q, want %q", cfg.Backup.Bucket, "backups-test")
	}
	pg := cfg.Engines[Postgres]
	if pg.Image != "postgres:16" {
		t.Errorf("postgres image = %q, want %q", pg.Image, "postgres:16")
	}
	if pg.AdminPassword != "pgsecret" {
		t.Errorf("postgres admin password = %q, want %q", pg.AdminPassword, "pgsecret")
	}
	if got := cfg.Engines[MariaDB].AdminPassword; got != "mariasecret" {
		t.Errorf("mariadb admin password = %q, want %q", got, "mariasecret")
	}
	if _, ok := cfg.Engines[MongoDB]; ok {
		t.Error("unconfigured engine should not be enabled")
	}
	if got := cfg.EngineKinds(); strings.Join(got, ",") != "MariaDB,Postgres" {
		t.Errorf("EngineKinds() = %v", got)
	}
	if cfg.Location().String() != "UTC" {
		t.Errorf("Location() = %s", cfg.Location())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFrom("/nonexistent/path/mydb.conf")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "/nonexistent/path/mydb.conf") {
		t.Errorf("error should name the path, got: %v", err)
	}
}

func TestLoadMissingBucket(t *testing.T) {
	dir := t.TempDir()
	pw := writePasswordFile(t, dir, "pg", "secret")
	content := `[engines.Postgres]
admin_password_file = "` + pw + `"
`
	_, err := LoadFrom(writeTestConfig(t, dir, content))
	if err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if !strings.Contains(err.Error(), "backup.bucket") {
		t.Errorf("error should mention backup.bucket, got: %v", err)
	}
}

func TestLoadUnknownEngine(t *testing.T) {
	dir := t.TempDir()
	content := `[backup]
bucket = "b"

[engines.Oracle]
admin_password_file = "/x"
`
	_, err := LoadFrom(writeTestConfig(t, dir, content))
	if err == nil {
		t.Fatal("expected error for unknown engine")
	}
	if !strings.Contains(err.Error(), "Oracle") {
		t.Errorf("error should name the engine, got: %v", err)
	}
}

func TestLoadMissingPasswordFile(t *testing.T) {
	dir := t.TempDir()
	content := `[backup]
bucket = "b"

[engines.MongoDB]
admin_password_file = "/nonexistent/mongopass"
`
	_, err := LoadFrom(writeTestConfig(t, dir, content))
	if err == nil {
		t.Fatal("expected error for missing password file")
	}
	if !strings.Contains(err.Error(), "/nonexistent/mongopass") {
		t.Errorf("error should name the password file path, got: %v", err)
	}
}

func TestLoadEmptyPasswordFile(t *testing.T) {
	dir := t.TempDir()
	pw := writePasswordFile(t, dir, "empty", "\n")
	content := `[backup]
bucket = "b"

[engines.MongoDB]
admin_password_file = "` + pw + `"
`
	_, err := LoadFrom(writeTestConfig(t, dir, content))
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty password error, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	pw := writePasswordFile(t, dir, "mongo", "secret")
	content := `[backup]
bucket = "b"

[engines.MongoDB]
admin_password_file = "` + pw + `"
`
	cfg, err := LoadFrom(writeTestConfig(t, dir, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Ports.Base != 32000 {
		t.Errorf("default base = %d, want 32000", cfg.Ports.Base)
	}
	if cfg.Backup.Prefix != "mydb" {
		t.Errorf("default prefix = %q, want %q", cfg.Backup.Prefix, "mydb")
	}
	if cfg.Backup.LegacyPrefix != "prod" {
		t.Errorf("default legacy prefix = %q, want %q", cfg.Backup.LegacyPrefix, "prod")
	}
	if cfg.Backup.ReadyTimeoutSeconds != 120 {
		t.Errorf("default ready timeout = %d, want 120", cfg.Backup.ReadyTimeoutSeconds)
	}
	if cfg.Swarm.StartTimeoutSeconds != 30 {
		t.Errorf("default start timeout = %d, want 30", cfg.Swarm.StartTimeoutSeconds)
	}
	mongo := cfg.Engines[MongoDB]
	if mongo.DefaultPort != 27017 {
		t.Errorf("default mongo port = %d, want 27017", mongo.DefaultPort)
	}
	if mongo.MappedVolume != "/data/db" {
		t.Errorf("default mongo volume = %q", mongo.MappedVolume)
	}
	if cfg.Log.Spec != "<root>=INFO" {
		t.Errorf("default log spec = %q", cfg.Log.Spec)
	}
	if cfg.Schedule.UnitDir != "/etc/systemd/system" || cfg.Schedule.BackupAt != "*-*-* 01:00:00" {
		t.Errorf("default schedule = %+v", cfg.Schedule)
	}
}

func TestTemplateConfig(t *testing.T) {
	tmpl := TemplateConfig()
	for _, section := range []string{"[catalog]", "[backup]", "[engines.Postgres]", "[engines.MariaDB]", "[engines.MongoDB]", "[mail]"} {
		if !strings.Contains(tmpl, section) {
			t.Errorf("template should contain %s section", section)
		}
	}
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig(t, dir))

	t.Setenv(envOverride, path)
	got := DefaultPath()
	if got != path {
		t.Errorf("DefaultPath() = %q, want %q", got, path)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ports.Limit != 41000 {
		t.Errorf("limit = %d, want 41000", cfg.Ports.Limit)
	}
}

func TestDefaultPathWithoutOverride(t *testing.T) {
	t.Setenv(envOverride, "")
	if got := DefaultPath(); got != defaultConfigPath {
		t.Errorf("DefaultPath() = %q, want %q", got, defaultConfigPath)
	}
}
