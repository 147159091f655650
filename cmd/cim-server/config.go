package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cim-project/cim/pkg/log"
	"github.com/cim-project/cim/server"
	"github.com/cim-project/cim/storage"
	"github.com/cim-project/cim/storage/cache"
	"github.com/cim-project/cim/storage/memory"
	"github.com/cim-project/cim/storage/sql"
)

// cacheEntryTTL bounds how long a Redis-backed cache entry survives
// without being invalidated by a mutation, as a backstop against a
// replica missing an invalidation (e.g. after a restart).
const cacheEntryTTL = 5 * time.Minute

// Config is the config format for cim-server (spec.md §6: "env or TOML, all
// required unless noted"). Field names follow the spec's snake_case keys
// directly rather than an intermediate camelCase layer.
type Config struct {
	Issuer string `toml:"issuer"`

	DatabaseURL   string `toml:"database_url"`
	MaxSize       int    `toml:"max_size"`
	MinIdle       int    `toml:"min_idle"`
	RunMigrations bool   `toml:"run_migrations"`

	// SigningKeyEncryptionKey, if set, is a base64-encoded 32-byte AES-256
	// key used to encrypt the signing key's private half at rest in the
	// SQL driver. Optional; the memory driver never persists keys so it
	// ignores this field.
	SigningKeyEncryptionKey string `toml:"signing_key_encryption_key"`

	RustLog string `toml:"rust_log"`

	Endpoint string `toml:"endpoint"`
	Port     int    `toml:"port"`

	CORSOrigin []string `toml:"cors_origin"`
	CacheSize  int      `toml:"cache_size"`

	// RedisURL, if set, points the storage Cacher wrapper (spec.md §4.4)
	// at a shared Redis instance instead of a process-local map — useful
	// when running more than one cim-server replica against the same
	// database, so each replica's cache can be invalidated by every
	// other replica's writes.
	RedisURL string `toml:"redis_url"`

	Expiration         string `toml:"expiration"`
	AbsoluteLifetime   string `toml:"absolute_lifetime"`
	ValidIfNotUsedFor  string `toml:"valid_if_not_used_for"`
	ReuseInterval      string `toml:"reuse_interval"`
	RotateRefreshTokens *bool `toml:"rotate_refresh_tokens"`

	// StaticConnectors are provisioned at boot, in addition to (and
	// overriding, by id) whatever connectors already live in storage.
	StaticConnectors []Connector `toml:"connectors"`

	PasswordConnector string `toml:"password_connector"`
}

// Connector is a config-file connector entry: the Type field selects which
// of server.ConnectorsConfig's constructors decodes Config.
type Connector struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Type string `toml:"type"`

	Config map[string]any `toml:"config"`
}

// Validate enforces spec.md §6's "all required unless noted" configuration
// contract. absolute_lifetime and valid_if_not_used_for have no default:
// spec.md §9 notes the original's 10-second values for both were
// placeholders, so this rejects an unset value instead of carrying one
// forward.
func (c Config) Validate() error {
	var problems []string
	if c.Issuer == "" {
		problems = append(problems, "issuer is required")
	}
	if c.DatabaseURL == "" {
		problems = append(problems, "database_url is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, "port must be between 1 and 65535")
	}
	if c.AbsoluteLifetime == "" {
		problems = append(problems, "absolute_lifetime is required")
	}
	if c.ValidIfNotUsedFor == "" {
		problems = append(problems, "valid_if_not_used_for is required")
	}
	if len(problems) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(problems, "\n\t-\t"))
	}
	return nil
}

// endpointOrDefault applies spec.md §6's documented default for Endpoint.
func (c Config) endpointOrDefault() string {
	if c.Endpoint == "" {
		return "127.0.0.1"
	}
	return c.Endpoint
}

// expirationOrDefault applies spec.md §6's documented default for
// Expiration (3600 seconds), parsed as a plain integer count of seconds.
func (c Config) expirationOrDefault() (time.Duration, error) {
	if c.Expiration == "" {
		return 3600 * time.Second, nil
	}
	return time.ParseDuration(c.Expiration + "s")
}

// openStorage constructs the storage.Storage backend the spec names
// (database_url, max_size, min_idle, run_migrations), wrapped in the
// process-local (or, with redis_url set, Redis-backed) Cacher spec.md §4.4
// describes.
func (c Config) openStorage(logger log.Logger) (storage.Storage, error) {
	store, err := c.openBackingStore(logger)
	if err != nil {
		return nil, err
	}

	backend := cache.NewMemBackend()
	if c.RedisURL != "" {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis_url: %w", err)
		}
		backend = cache.NewRedisBackend(redis.NewClient(opts), cacheEntryTTL)
	}
	return cache.New(store, backend, "cim"), nil
}

func (c Config) openBackingStore(logger log.Logger) (storage.Storage, error) {
	if c.DatabaseURL == "memory" || c.DatabaseURL == "" {
		return new(memory.Config).Open(logger)
	}

	var encryptionKey []byte
	if c.SigningKeyEncryptionKey != "" {
		var err error
		encryptionKey, err = base64.StdEncoding.DecodeString(c.SigningKeyEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decoding signing_key_encryption_key: %w", err)
		}
		if len(encryptionKey) != 32 {
			return nil, fmt.Errorf("signing_key_encryption_key must decode to 32 bytes, got %d", len(encryptionKey))
		}
	}

	sqlConfig := sql.Config{
		DatabaseURL:   c.DatabaseURL,
		MaxOpenConns:  c.MaxSize,
		MaxIdleConns:  c.MinIdle,
		RunMigrations: c.RunMigrations,
		EncryptionKey: encryptionKey,
	}
	return sqlConfig.Open(logger)
}

// openConnectors converts the config file's static connector entries into
// storage.Connector records, validating that each type is one the server
// knows how to open.
func (c Config) openConnectors() ([]storage.Connector, error) {
	conns := make([]storage.Connector, 0, len(c.StaticConnectors))
	for _, conn := range c.StaticConnectors {
		if conn.ID == "" || conn.Type == "" {
			return nil, fmt.Errorf("invalid config: id and type are required for a connector")
		}
		if _, ok := server.ConnectorsConfig[conn.Type]; !ok {
			return nil, fmt.Errorf("unknown connector type %q", conn.Type)
		}

		data, err := tomlConnectorConfigToJSON(conn.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode connector %q config: %v", conn.ID, err)
		}

		conns = append(conns, storage.Connector{
			ID:     conn.ID,
			Name:   conn.Name,
			Type:   conn.Type,
			Config: data,
		})
	}
	return conns, nil
}

// tomlConnectorConfigToJSON re-encodes a TOML-decoded connector config
// table as JSON, since storage.Connector stores connector-type-specific
// config as an opaque JSON byte stream ([[C8]]) regardless of which
// serialization the outer config file uses.
func tomlConnectorConfigToJSON(table map[string]any) ([]byte, error) {
	return json.Marshal(table)
}
