// Package cache implements the "Cacher wrapper" of spec.md §4.4: a decorator
// over any storage.Storage that serves Get calls from a process-local map,
// populating on miss and invalidating on Put/Delete of the same key. List is
// never cached. The decorator embeds storage.Storage, the same trick the
// teacher uses in server/rotation.go's keyRotator (`storage.Storage`
// embedded, a handful of methods overridden).
package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cim-project/cim/storage"
)

// Backend is the key/value contract a Cached wrapper stores serialized
// entity snapshots in. A process-local map (New) and a Redis-backed
// implementation (NewRedis) both satisfy it.
type Backend interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

// memBackend is the default process-local map backend.
type memBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemBackend returns a Backend held entirely in process memory.
func NewMemBackend() Backend {
	return &memBackend{data: make(map[string][]byte)}
}

func (m *memBackend) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memBackend) Set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *memBackend) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Cached decorates a storage.Storage, serving Get{Policy,Client,Connector,
// User} from Backend before falling through to the wrapped Storage, and
// invalidating the corresponding key on any mutation of the same id
// (spec.md §4.4: "the cache never holds stale results past a mutation of
// the same key in the same process").
type Cached struct {
	storage.Storage

	backend Backend
	prefix  string
}

// New wraps s with a process-local cache. prefix namespaces cache keys
// (spec.md §4.4: "<prefix>/<type-name>/<id>"), useful when multiple Cached
// instances share a Backend.
func New(s storage.Storage, backend Backend, prefix string) *Cached {
	return &Cached{Storage: s, backend: backend, prefix: prefix}
}

func (c *Cached) key(typeName, id string) string {
	return fmt.Sprintf("%s/%s/%s", c.prefix, typeName, id)
}

func getCached[T any](c *Cached, typeName, id string, miss func() (T, error)) (T, error) {
	var zero T
	key := c.key(typeName, id)
	if raw, ok := c.backend.Get(key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
	}
	v, err := miss()
	if err != nil {
		return zero, err
	}
	if raw, err := json.Marshal(v); err == nil {
		c.backend.Set(key, raw)
	}
	return v, nil
}

func (c *Cached) GetPolicy(id string) (storage.Policy, error) {
	return getCached(c, "policy", id, func() (storage.Policy, error) { return c.Storage.GetPolicy(id) })
}

func (c *Cached) CreatePolicy(p storage.Policy) error {
	err := c.Storage.CreatePolicy(p)
	if err == nil {
		c.backend.Delete(c.key("policy", p.ID))
	}
	return err
}

func (c *Cached) UpdatePolicy(id string, updater func(storage.Policy) (storage.Policy, error)) error {
	err := c.Storage.UpdatePolicy(id, updater)
	if err == nil {
		c.backend.Delete(c.key("policy", id))
	}
	return err
}

func (c *Cached) DeletePolicy(id string) error {
	err := c.Storage.DeletePolicy(id)
	if err == nil {
		c.backend.Delete(c.key("policy", id))
	}
	return err
}

func (c *Cached) GetClient(id string) (storage.Client, error) {
	return getCached(c, "client", id, func() (storage.Client, error) { return c.Storage.GetClient(id) })
}

func (c *Cached) CreateClient(cl storage.Client) error {
	err := c.Storage.CreateClient(cl)
	if err == nil {
		c.backend.Delete(c.key("client", cl.ID))
	}
	return err
}

func (c *Cached) UpdateClient(id string, updater func(storage.Client) (storage.Client, error)) error {
	err := c.Storage.UpdateClient(id, updater)
	if err == nil {
		c.backend.Delete(c.key("client", id))
	}
	return err
}

func (c *Cached) DeleteClient(id string) error {
	err := c.Storage.DeleteClient(id)
	if err == nil {
		c.backend.Delete(c.key("client", id))
	}
	return err
}

func (c *Cached) GetConnector(id string) (storage.Connector, error) {
	return getCached(c, "connector", id, func() (storage.Connector, error) { return c.Storage.GetConnector(id) })
}

func (c *Cached) CreateConnector(conn storage.Connector) error {
	err := c.Storage.CreateConnector(conn)
	if err == nil {
		c.backend.Delete(c.key("connector", conn.ID))
	}
	return err
}

func (c *Cached) UpdateConnector(id string, updater func(storage.Connector) (storage.Connector, error)) error {
	err := c.Storage.UpdateConnector(id, updater)
	if err == nil {
		c.backend.Delete(c.key("connector", id))
	}
	return err
}

func (c *Cached) DeleteConnector(id string) error {
	err := c.Storage.DeleteConnector(id)
	if err == nil {
		c.backend.Delete(c.key("connector", id))
	}
	return err
}

func (c *Cached) GetUser(id string) (storage.User, error) {
	return getCached(c, "user", id, func() (storage.User, error) { return c.Storage.GetUser(id) })
}

func (c *Cached) CreateUser(u storage.User) error {
	err := c.Storage.CreateUser(u)
	if err == nil {
		c.backend.Delete(c.key("user", u.ID))
	}
	return err
}

func (c *Cached) DeleteUser(id string) error {
	err := c.Storage.DeleteUser(id)
	if err == nil {
		c.backend.Delete(c.key("user", id))
	}
	return err
}
