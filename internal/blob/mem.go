package blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
)

// MemStore is an in-memory Store. Exported for use by engine and lifecycle
// tests.
type MemStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	// PutErr, when set, fails every Put after draining the reader.
	PutErr error
}

// NewMemStore creates an empty store for bucket.
func NewMemStore(bucket string) *MemStore {
	return &MemStore{bucket: bucket, objects: make(map[string][]byte)}
}

func (m *MemStore) Bucket() string { return m.bucket }

func (m *MemStore) List(_ context.Context, prefix string) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Object
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: int64(len(v)), LastModified: time.Time{}})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.objects[key]
	if !ok {
		return nil, errors.NotFoundf("s3://%s/%s", m.bucket, key)
	}
	return io.NopCloser(bytes.NewReader(v)), nil
}

func (m *MemStore) Put(_ context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Annotatef(err, "reading body for %s", key)
	}
	if m.PutErr != nil {
		return m.PutErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// Set stores data under key directly.
func (m *MemStore) Set(key, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = []byte(data)
}

// Get returns the stored data for key.
func (m *MemStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.objects[key]
	return string(v), ok
}

var _ Store = (*MemStore)(nil)
