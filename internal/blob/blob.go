// Package blob stores backup artifacts. Backups live under
// {prefix}/{instance}/{backup id}/ and are addressed by s3:// locators.
package blob

import (
	"context"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("mydb.blob")

// Object describes a stored artifact.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is an object store scoped to one bucket.
type Store interface {
	Bucket() string
	List(ctx context.Context, prefix string) ([]Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader) error
}

// IDFormat formats backup identifiers. Identifiers sort chronologically.
const IDFormat = "2006-01-02_15:04:05"

// Layout derives artifact paths for instances.
type Layout struct {
	Bucket   string
	Prefix   string
	Location *time.Location
}

// BackupID returns the identifier for a backup started at t, in the
// layout's time zone.
func (l Layout) BackupID(t time.Time) string {
	loc := l.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(IDFormat)
}

// InstancePrefix is the key prefix holding every backup of name.
func (l Layout) InstancePrefix(name string) string {
	return path.Join(l.Prefix, name) + "/"
}

// BackupPrefix is the key prefix of one backup.
func (l Layout) BackupPrefix(name, id string) string {
	return path.Join(l.Prefix, name, id) + "/"
}

// Locator renders key as an s3:// URL in the layout's bucket.
func (l Layout) Locator(key string) string {
	return "s3://" + l.Bucket + "/" + strings.TrimPrefix(key, "/")
}

// ParseLocator splits an s3:// locator into bucket and key.
func ParseLocator(loc string) (bucket, key string, err error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", "", errors.NotValidf("locator %q", loc)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.NotValidf("locator %q", loc)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Dir returns the backup prefix a locator points into. Locators that name a
// file resolve to the file's directory.
func Dir(key string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return path.Dir(key) + "/"
}

// LatestBackup returns the prefix of the newest backup of name, judged by
// backup identifier.
func LatestBackup(ctx context.Context, s Store, l Layout, name string) (string, error) {
	root := l.InstancePrefix(name)
	objs, err := s.List(ctx, root)
	if err != nil {
		return "", errors.Annotatef(err, "listing backups of %s", name)
	}
	var latest string
	for _, o := range objs {
		rest := strings.TrimPrefix(o.Key, root)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			continue
		}
		if id > latest {
			latest = id
		}
	}
	if latest == "" {
		return "", errors.NotFoundf("backup of %q under %s", name, root)
	}
	return root + latest + "/", nil
}

// Select returns the keys under prefix that end in suffix, sorted.
func Select(objs []Object, suffix string) []string {
	var keys []string
	for _, o := range objs {
		if strings.HasSuffix(o.Key, suffix) {
			keys = append(keys, o.Key)
		}
	}
	sort.Strings(keys)
	return keys
}
