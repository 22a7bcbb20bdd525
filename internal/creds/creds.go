package creds

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

var logger = loggo.GetLogger("mydb.creds")

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Generate produces a random alphanumeric string of the given length using crypto/rand.
func Generate(length int) (string, error) {
	result := make([]byte, length)
	max := big.NewInt(int64(len(charset)))

	for i := range result {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Annotate(err, "generating random credential")
		}
		result[i] = charset[n.Int64()]
	}

	return string(result), nil
}

// File is a credential file readable only by the current user. Remove
// deletes it; callers defer Remove as soon as the file exists.
type File struct {
	Path string
}

// Remove deletes the file, ignoring a file that is already gone.
func (f *File) Remove() {
	if f == nil || f.Path == "" {
		return
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		logger.Warningf("removing credential file %s: %v", f.Path, err)
	}
}

func writeScoped(dir, pattern string, data []byte) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, errors.Annotate(err, "creating credential file")
	}
	file := &File{Path: f.Name()}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		file.Remove()
		return nil, errors.Annotatef(err, "securing %s", file.Path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		file.Remove()
		return nil, errors.Annotatef(err, "writing %s", file.Path)
	}
	if err := f.Close(); err != nil {
		file.Remove()
		return nil, errors.Annotatef(err, "closing %s", file.Path)
	}
	return file, nil
}

// WriteClientOptionFile writes a MariaDB client option file holding the
// given account, for use with --defaults-extra-file.
func WriteClientOptionFile(dir, user, password string) (*File, error) {
	var b strings.Builder
	b.WriteString("[client]\n")
	fmt.Fprintf(&b, "user=%s\n", user)
	fmt.Fprintf(&b, "password=\"%s\"\n", strings.ReplaceAll(password, `"`, `\"`))
	return writeScoped(dir, "mydb-client-*.cnf", []byte(b.String()))
}

// mongoToolConfig is the YAML accepted by mongodump/mongorestore --config.
type mongoToolConfig struct {
	Password string `yaml:"password"`
}

// WriteMongoToolConfig writes a YAML config file carrying the password for
// mongodump and mongorestore --config.
func WriteMongoToolConfig(dir, password string) (*File, error) {
	data, err := yaml.Marshal(mongoToolConfig{Password: password})
	if err != nil {
		return nil, errors.Annotate(err, "encoding mongo tool config")
	}
	return writeScoped(dir, "mydb-mongo-*.yaml", data)
}
