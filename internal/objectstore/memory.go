package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory. It backs tests and the
// "memory" storage driver for local development, where it also serves the
// presigned PUT URLs it hands out.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	baseURL string
	now     func() time.Time

	// ComposeCalls counts Compose invocations.
	ComposeCalls int
}

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// NewMemoryStore returns an empty store. baseURL is the externally reachable
// prefix under which Handler is mounted.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Put stores data under key.
func (m *MemoryStore) Put(key string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType, modified: m.now()}
}

// Delete removes key if present.
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// Keys lists stored keys with the given prefix, sorted.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Get returns a copy of the object data.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

func (m *MemoryStore) presign(key string, expiry time.Duration) string {
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(m.now().Add(expiry).Unix(), 10))
	return m.baseURL + "/" + key + "?" + q.Encode()
}

func (m *MemoryStore) PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return m.presign(key, expiry), nil
}

func (m *MemoryStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return m.presign(key, expiry), nil
}

func (m *MemoryStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modified}, nil
}

func (m *MemoryStore) Compose(ctx context.Context, dst string, srcs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ComposeCalls++
	if len(srcs) == 0 {
		return fmt.Errorf("compose %s: no sources", dst)
	}
	var buf bytes.Buffer
	for _, key := range srcs {
		obj, ok := m.objects[key]
		if !ok {
			return fmt.Errorf("compose %s: source %s: %w", dst, key, ErrNotFound)
		}
		buf.Write(obj.data)
	}
	m.objects[dst] = memoryObject{data: buf.Bytes(), modified: m.now()}
	return nil
}

func (m *MemoryStore) Download(ctx context.Context, key, localPath string) error {
	data, ok := m.Get(key)
	if !ok {
		return ErrNotFound
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0644)
}

func (m *MemoryStore) Upload(ctx context.Context, key, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	m.Put(key, data, contentType)
	return nil
}

func (m *MemoryStore) RemovePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

// Handler serves GET, HEAD and PUT on presigned URLs. Mount it with the mount
// prefix stripped so the request path is the object key.
func (m *MemoryStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		exp, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
		if key == "" || err != nil {
			http.Error(w, "invalid object url", http.StatusBadRequest)
			return
		}
		if m.now().Unix() > exp {
			http.Error(w, "url expired", http.StatusForbidden)
			return
		}

		switch r.Method {
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "read body", http.StatusBadRequest)
				return
			}
			m.Put(key, data, r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet, http.MethodHead:
			m.mu.RLock()
			obj, ok := m.objects[key]
			m.mu.RUnlock()
			if !ok {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			if obj.contentType != "" {
				w.Header().Set("Content-Type", obj.contentType)
			}
			// ServeContent handles Range requests for segment playback.
			http.ServeContent(w, r, key, obj.modified, bytes.NewReader(obj.data))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}
