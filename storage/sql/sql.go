// Package sql is the Postgres-backed storage.Storage driver (spec.md §4.4 /
// C4: "a backing driver"), grounded on suleymanmyradov-growth-server's
// sqlx + lib/pq repository pattern. Complex nested fields (Claims, PKCE,
// Statements, Keys) are stored as jsonb columns rather than normalized
// further, since nothing in SPEC_FULL queries into them at the SQL layer.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cim-project/cim/pkg/log"
	"github.com/cim-project/cim/storage"
	"github.com/cim-project/cim/storage/watch"
)

const defaultHubCapacity = 256

// Config is the Postgres driver's connection configuration (spec.md §6:
// database_url, max_size, min_idle, run_migrations).
type Config struct {
	DatabaseURL   string
	MaxOpenConns  int
	MaxIdleConns  int
	RunMigrations bool

	// EncryptionKey, if set, must be a 32-byte AES-256 key. The signing
	// key's private half is encrypted with it before being written to the
	// keys table and decrypted on read; leaving it unset stores the
	// private key as plain JSON, matching the teacher's original
	// behavior.
	EncryptionKey []byte
}

// Open connects to Postgres, optionally running the embedded schema
// migration, and returns a storage.Storage backed by it.
func (c *Config) Open(logger log.Logger) (storage.Storage, error) {
	db, err := sqlx.Connect("postgres", c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	maxOpen := c.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := c.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if c.RunMigrations {
		if _, err := db.Exec(schema); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	s := &sqlStorage{
		db:            db,
		logger:        logger,
		encryptionKey: c.EncryptionKey,

		clientHub:        watch.NewHub[storage.Client](defaultHubCapacity),
		connectorHub:     watch.NewHub[storage.Connector](defaultHubCapacity),
		userHub:          watch.NewHub[storage.User](defaultHubCapacity),
		groupHub:         watch.NewHub[storage.Group](defaultHubCapacity),
		roleHub:          watch.NewHub[storage.Role](defaultHubCapacity),
		policyHub:        watch.NewHub[storage.Policy](defaultHubCapacity),
		roleBindingHub:   watch.NewHub[storage.RoleBinding](defaultHubCapacity),
		policyBindingHub: watch.NewHub[storage.PolicyBinding](defaultHubCapacity),
		groupUserHub:     watch.NewHub[storage.GroupUser](defaultHubCapacity),
	}
	return s, nil
}

type sqlStorage struct {
	db            *sqlx.DB
	logger        log.Logger
	encryptionKey []byte

	clientHub        *watch.Hub[storage.Client]
	connectorHub     *watch.Hub[storage.Connector]
	userHub          *watch.Hub[storage.User]
	groupHub         *watch.Hub[storage.Group]
	roleHub          *watch.Hub[storage.Role]
	policyHub        *watch.Hub[storage.Policy]
	roleBindingHub   *watch.Hub[storage.RoleBinding]
	policyBindingHub *watch.Hub[storage.PolicyBinding]
	groupUserHub     *watch.Hub[storage.GroupUser]
}

func (s *sqlStorage) Close() error { return s.db.Close() }

// schema creates every table the driver needs if it doesn't already exist.
// Nested Go structures (redirect URIs, claims, statements, PKCE, keys) are
// stored as text columns holding marshaled JSON rather than normalized
// further, per the package doc; policy_ids is a native array since
// StatementsFor needs to unnest it in a join.
const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	secret TEXT NOT NULL,
	redirect_uris TEXT NOT NULL,
	trusted_peers TEXT NOT NULL,
	public BOOLEAN NOT NULL DEFAULT false,
	name TEXT NOT NULL DEFAULT '',
	logo_url TEXT NOT NULL DEFAULT '',
	connector_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS connectors (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	resource_version TEXT NOT NULL DEFAULT '',
	config BYTEA
);

CREATE TABLE IF NOT EXISTS keys (
	id TEXT PRIMARY KEY,
	signing_key TEXT NOT NULL,
	signing_key_pub TEXT NOT NULL,
	verification_keys TEXT NOT NULL,
	next_rotation TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_requests (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	response_types TEXT NOT NULL,
	scopes TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	nonce TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	connector_id TEXT NOT NULL DEFAULT '',
	expiry TIMESTAMPTZ NOT NULL,
	logged_in BOOLEAN NOT NULL DEFAULT false,
	claims TEXT NOT NULL,
	connector_data BYTEA,
	pkce TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_codes (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	nonce TEXT NOT NULL DEFAULT '',
	scopes TEXT NOT NULL,
	connector_id TEXT NOT NULL DEFAULT '',
	connector_data BYTEA,
	claims TEXT NOT NULL,
	expiry TIMESTAMPTZ NOT NULL,
	pkce TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	obsolete_token TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	last_used TIMESTAMPTZ,
	obsolete_set_at TIMESTAMPTZ,
	client_id TEXT NOT NULL,
	connector_id TEXT NOT NULL DEFAULT '',
	connector_data BYTEA,
	claims TEXT NOT NULL,
	scopes TEXT NOT NULL,
	nonce TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS offline_sessions (
	user_id TEXT NOT NULL,
	conn_id TEXT NOT NULL,
	refresh TEXT NOT NULL,
	connector_data BYTEA,
	PRIMARY KEY (user_id, conn_id)
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	username TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS users_account_id_idx ON users (account_id) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS groups_account_id_idx ON groups (account_id) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS roles (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	name TEXT NOT NULL,
	policy_ids TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS roles_account_id_idx ON roles (account_id) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	delimiter_start TEXT NOT NULL DEFAULT '',
	delimiter_end TEXT NOT NULL DEFAULT '',
	statements TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS policies_account_id_idx ON policies (account_id) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS role_bindings (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	role_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS role_bindings_subject_idx ON role_bindings (subject_id) WHERE NOT deleted;
CREATE INDEX IF NOT EXISTS role_bindings_account_id_idx ON role_bindings (account_id) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS policy_bindings (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	policy_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS policy_bindings_subject_idx ON policy_bindings (subject_id) WHERE NOT deleted;
CREATE INDEX IF NOT EXISTS policy_bindings_account_id_idx ON policy_bindings (account_id) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS group_users (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS group_users_group_id_idx ON group_users (group_id) WHERE NOT deleted;
CREATE INDEX IF NOT EXISTS group_users_account_id_idx ON group_users (account_id) WHERE NOT deleted;
`

// ---- rows ----

// clientRow, userRow, etc. mirror their storage.* counterpart but with
// nested fields flattened to jsonb/text columns sqlx can scan directly.

type clientRow struct {
	ID           string `db:"id"`
	Secret       string `db:"secret"`
	RedirectURIs string `db:"redirect_uris"`
	TrustedPeers string `db:"trusted_peers"`
	Public       bool   `db:"public"`
	Name         string `db:"name"`
	LogoURL      string `db:"logo_url"`
	ConnectorID  string `db:"connector_id"`
}

func toClientRow(c storage.Client) (clientRow, error) {
	redirectURIs, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return clientRow{}, err
	}
	trustedPeers, err := json.Marshal(c.TrustedPeers)
	if err != nil {
		return clientRow{}, err
	}
	return clientRow{
		ID:           c.ID,
		Secret:       c.Secret,
		RedirectURIs: string(redirectURIs),
		TrustedPeers: string(trustedPeers),
		Public:       c.Public,
		Name:         c.Name,
		LogoURL:      c.LogoURL,
		ConnectorID:  c.ConnectorID,
	}, nil
}

func (r clientRow) toClient() (storage.Client, error) {
	c := storage.Client{
		ID:          r.ID,
		Secret:      r.Secret,
		Public:      r.Public,
		Name:        r.Name,
		LogoURL:     r.LogoURL,
		ConnectorID: r.ConnectorID,
	}
	if err := json.Unmarshal([]byte(r.RedirectURIs), &c.RedirectURIs); err != nil {
		return storage.Client{}, err
	}
	if err := json.Unmarshal([]byte(r.TrustedPeers), &c.TrustedPeers); err != nil {
		return storage.Client{}, err
	}
	return c, nil
}

func (s *sqlStorage) CreateClient(c storage.Client) error {
	row, err := toClientRow(c)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(context.Background(), `
		INSERT INTO clients (id, secret, redirect_uris, trusted_peers, public, name, logo_url, connector_id)
		VALUES (:id, :secret, :redirect_uris, :trusted_peers, :public, :name, :logo_url, :connector_id)`, row)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}
	s.clientHub.Notify(watch.Add, c.ID, c)
	return nil
}

func (s *sqlStorage) GetClient(id string) (storage.Client, error) {
	var row clientRow
	err := s.db.GetContext(context.Background(), &row, `SELECT * FROM clients WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return storage.Client{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Client{}, fmt.Errorf("getting client: %w", err)
	}
	return row.toClient()
}

func (s *sqlStorage) ListClients() ([]storage.Client, error) {
	var rows []clientRow
	if err := s.db.SelectContext(context.Background(), &rows, `SELECT * FROM clients ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	clients := make([]storage.Client, 0, len(rows))
	for _, row := range rows {
		c, err := row.toClient()
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func (s *sqlStorage) UpdateClient(id string, updater func(storage.Client) (storage.Client, error)) error {
	old, err := s.GetClient(id)
	if err != nil {
		return err
	}
	next, err := updater(old)
	if err != nil {
		return err
	}
	row, err := toClientRow(next)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(context.Background(), `
		UPDATE clients SET secret = :secret, redirect_uris = :redirect_uris,
			trusted_peers = :trusted_peers, public = :public, name = :name,
			logo_url = :logo_url, connector_id = :connector_id
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	s.clientHub.Notify(watch.Put, id, next)
	return nil
}

func (s *sqlStorage) DeleteClient(id string) error {
	res, err := s.db.ExecContext(context.Background(), `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	s.clientHub.Notify(watch.Delete, id, storage.Client{ID: id})
	return nil
}

// ---- IAM entities: users, groups, roles, bindings ----

type userRow struct {
	ID        string       `db:"id"`
	AccountID string       `db:"account_id"`
	Username  string       `db:"username"`
	Email     string       `db:"email"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
	Deleted   bool         `db:"deleted"`
	DeletedAt sql.NullTime `db:"deleted_at"`
}

func (r userRow) toUser() storage.User {
	u := storage.User{
		ID:        r.ID,
		AccountID: r.AccountID,
		Username:  r.Username,
		Email:     r.Email,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Deleted:   r.Deleted,
	}
	if r.DeletedAt.Valid {
		u.DeletedAt = r.DeletedAt.Time
	}
	return u
}

func (s *sqlStorage) CreateUser(u storage.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO users (id, account_id, username, email, created_at, updated_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, false)`,
		u.ID, u.AccountID, u.Username, u.Email, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	s.userHub.Notify(watch.Add, u.ID, u)
	return nil
}

func (s *sqlStorage) GetUser(id string) (storage.User, error) {
	var row userRow
	err := s.db.GetContext(context.Background(), &row,
		`SELECT * FROM users WHERE id = $1 AND deleted = false`, id)
	if err == sql.ErrNoRows {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("getting user: %w", err)
	}
	return row.toUser(), nil
}

func (s *sqlStorage) ListUsers(opts storage.ListOptions) ([]storage.User, storage.Page, error) {
	var rows []userRow
	query := `SELECT * FROM users WHERE deleted = false`
	var args []interface{}
	if opts.AccountID != "" {
		query += ` AND account_id = $1`
		args = append(args, opts.AccountID)
	}

	var total int
	countQuery := `SELECT count(*) FROM users WHERE deleted = false` + accountFilterSuffix(opts, len(args))
	if err := s.db.GetContext(context.Background(), &total, countQuery, args...); err != nil {
		return nil, storage.Page{}, fmt.Errorf("counting users: %w", err)
	}

	query += ` ORDER BY id`
	query, args = applyPaging(query, args, opts)
	if err := s.db.SelectContext(context.Background(), &rows, query, args...); err != nil {
		return nil, storage.Page{}, fmt.Errorf("listing users: %w", err)
	}

	users := make([]storage.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toUser())
	}
	return users, storage.Page{Offset: opts.Offset, Limit: opts.Limit, Total: total}, nil
}

func (s *sqlStorage) DeleteUser(id string) error {
	now := time.Now()
	res, err := s.db.ExecContext(context.Background(), `
		UPDATE users SET deleted = true, deleted_at = $2 WHERE id = $1 AND deleted = false`, id, now)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	s.userHub.Notify(watch.Delete, id, storage.User{ID: id, Deleted: true, DeletedAt: now})
	return nil
}

// accountFilterSuffix and applyPaging share the filter/paging logic across
// every List* method without forcing each to restate its $N placeholders.
func accountFilterSuffix(opts storage.ListOptions, existingArgs int) string {
	if opts.AccountID == "" {
		return ""
	}
	return fmt.Sprintf(" AND account_id = $%d", existingArgs+1)
}

func applyPaging(query string, args []interface{}, opts storage.ListOptions) (string, []interface{}) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// ---- policies ----

type policyRow struct {
	ID             string       `db:"id"`
	AccountID      string       `db:"account_id"`
	Version        int          `db:"version"`
	DelimiterStart string       `db:"delimiter_start"`
	DelimiterEnd   string       `db:"delimiter_end"`
	Statements     string       `db:"statements"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	Deleted        bool         `db:"deleted"`
	DeletedAt      sql.NullTime `db:"deleted_at"`
}

func toPolicyRow(p storage.Policy) (policyRow, error) {
	statements, err := json.Marshal(p.Statements)
	if err != nil {
		return policyRow{}, err
	}
	return policyRow{
		ID:             p.ID,
		AccountID:      p.AccountID,
		Version:        p.Version,
		DelimiterStart: p.DelimiterStart,
		DelimiterEnd:   p.DelimiterEnd,
		Statements:     string(statements),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}, nil
}

func (r policyRow) toPolicy() (storage.Policy, error) {
	p := storage.Policy{
		ID:             r.ID,
		AccountID:      r.AccountID,
		Version:        r.Version,
		DelimiterStart: r.DelimiterStart,
		DelimiterEnd:   r.DelimiterEnd,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Deleted:        r.Deleted,
	}
	if r.DeletedAt.Valid {
		p.DeletedAt = r.DeletedAt.Time
	}
	if err := json.Unmarshal([]byte(r.Statements), &p.Statements); err != nil {
		return storage.Policy{}, err
	}
	return p, nil
}

func (s *sqlStorage) CreatePolicy(p storage.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt, p.Version = now, now, 1
	row, err := toPolicyRow(p)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(context.Background(), `
		INSERT INTO policies (id, account_id, version, delimiter_start, delimiter_end, statements, created_at, updated_at, deleted)
		VALUES (:id, :account_id, :version, :delimiter_start, :delimiter_end, :statements, :created_at, :updated_at, false)`, row)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting policy: %w", err)
	}
	s.policyHub.Notify(watch.Add, p.ID, p)
	return nil
}

func (s *sqlStorage) GetPolicy(id string) (storage.Policy, error) {
	var row policyRow
	err := s.db.GetContext(context.Background(), &row,
		`SELECT * FROM policies WHERE id = $1 AND deleted = false`, id)
	if err == sql.ErrNoRows {
		return storage.Policy{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Policy{}, fmt.Errorf("getting policy: %w", err)
	}
	return row.toPolicy()
}

func (s *sqlStorage) ListPolicies(opts storage.ListOptions) ([]storage.Policy, storage.Page, error) {
	var rows []policyRow
	query := `SELECT * FROM policies WHERE deleted = false`
	var args []interface{}
	if opts.AccountID != "" {
		query += ` AND account_id = $1`
		args = append(args, opts.AccountID)
	}

	var total int
	countQuery := `SELECT count(*) FROM policies WHERE deleted = false` + accountFilterSuffix(opts, len(args))
	if err := s.db.GetContext(context.Background(), &total, countQuery, args...); err != nil {
		return nil, storage.Page{}, fmt.Errorf("counting policies: %w", err)
	}

	query += ` ORDER BY id`
	query, args = applyPaging(query, args, opts)
	if err := s.db.SelectContext(context.Background(), &rows, query, args...); err != nil {
		return nil, storage.Page{}, fmt.Errorf("listing policies: %w", err)
	}

	policies := make([]storage.Policy, 0, len(rows))
	for _, row := range rows {
		p, err := row.toPolicy()
		if err != nil {
			return nil, storage.Page{}, err
		}
		policies = append(policies, p)
	}
	return policies, storage.Page{Offset: opts.Offset, Limit: opts.Limit, Total: total}, nil
}

func (s *sqlStorage) UpdatePolicy(id string, updater func(storage.Policy) (storage.Policy, error)) error {
	old, err := s.GetPolicy(id)
	if err != nil {
		return err
	}
	next, err := updater(old)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	next.Version = old.Version + 1
	next.UpdatedAt = time.Now()
	row, err := toPolicyRow(next)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(context.Background(), `
		UPDATE policies SET version = :version, delimiter_start = :delimiter_start,
			delimiter_end = :delimiter_end, statements = :statements, updated_at = :updated_at
		WHERE id = :id AND version = `+fmt.Sprint(old.Version)+` AND deleted = false`, row)
	if err != nil {
		return fmt.Errorf("updating policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrRotationConflict
	}
	s.policyHub.Notify(watch.Put, id, next)
	return nil
}

func (s *sqlStorage) DeletePolicy(id string) error {
	now := time.Now()
	res, err := s.db.ExecContext(context.Background(), `
		UPDATE policies SET deleted = true, deleted_at = $2 WHERE id = $1 AND deleted = false`, id, now)
	if err != nil {
		return fmt.Errorf("deleting policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	s.policyHub.Notify(watch.Delete, id, storage.Policy{ID: id, Deleted: true, DeletedAt: now})
	return nil
}

// StatementsFor mirrors storage/memory's in-process resolution, but pushes
// the PolicyBinding/RoleBinding join into SQL.
func (s *sqlStorage) StatementsFor(subjectID string) ([]storage.Statement, error) {
	var policyIDs []string
	err := s.db.SelectContext(context.Background(), &policyIDs, `
		SELECT policy_id FROM policy_bindings WHERE subject_id = $1 AND deleted = false
		UNION
		SELECT unnest(r.policy_ids) FROM role_bindings rb
		JOIN roles r ON r.id = rb.role_id AND r.deleted = false
		WHERE rb.subject_id = $1 AND rb.deleted = false`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("resolving bound policy ids: %w", err)
	}

	var statements []storage.Statement
	for _, id := range policyIDs {
		p, err := s.GetPolicy(id)
		if storage.IsErrorCode(err, storage.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		statements = append(statements, p.Statements...)
	}
	return statements, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// failure (SQLSTATE 23505), without importing lib/pq's error type directly
// so callers keep working against plain database/sql errors in tests.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	type sqlState interface{ SQLState() string }
	if pqErr, ok := err.(sqlState); ok {
		return pqErr.SQLState() == "23505"
	}
	return false
}
