package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/ecairns22/mydb/internal/creds"
)

// PasswordLength is the length of generated account passwords.
const PasswordLength = 16

// LegacyString returns the first of keys present in raw as a string.
func LegacyString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s
		}
	}
	return ""
}

// LegacyPort reads the Port key, which older records store as a number or a
// numeric string.
func LegacyPort(raw map[string]any) (int, error) {
	switch v := raw["Port"].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case string:
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, errors.NotValidf("legacy port %q", v)
		}
		return p, nil
	case nil:
		return 0, errors.NotValidf("legacy metadata without Port")
	}
	return 0, errors.NotValidf("legacy port %v", raw["Port"])
}

// LegacyParams builds Params from first-generation metadata. The database
// user is the first of userKeys present, else defaultUser. The database
// takes the instance's name, and the user gets a fresh password that the
// restored data later replaces.
func LegacyParams(raw map[string]any, userKeys []string, defaultUser string) (Params, error) {
	name := LegacyString(raw, "Name")
	if name == "" {
		return Params{}, errors.NotValidf("legacy metadata without Name")
	}
	port, err := LegacyPort(raw)
	if err != nil {
		return Params{}, errors.Annotatef(err, "legacy instance %s", name)
	}
	user := LegacyString(raw, userKeys...)
	if user == "" {
		user = defaultUser
	}
	if user == "" {
		return Params{}, errors.NotValidf("legacy instance %s without %s", name, strings.Join(userKeys, " or "))
	}
	pass, err := creds.Generate(PasswordLength)
	if err != nil {
		return Params{}, err
	}
	return Params{
		Name:        name,
		DBName:      name,
		DBUser:      user,
		DBUserPass:  pass,
		Port:        port,
		Owner:       LegacyString(raw, "OWNER", "owner"),
		Contact:     LegacyString(raw, "CONTACT", "contact"),
		BackupFreq:  LegacyString(raw, "BACKUP_FREQ", "backup_freq"),
		Description: LegacyString(raw, "DESCRIPTION", "description"),
		Legacy:      true,
	}, nil
}
