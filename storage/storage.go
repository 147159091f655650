// Package storage defines the storage interface consumed by the cim server:
// a CRUD+watch contract per entity (spec.md §4.4 / C4), plus the entity
// shapes themselves (spec.md §3).
package storage

import (
	"crypto"
	"crypto/rand"
	"encoding/base32"
	"io"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// ErrRotationConflict is returned by UpdateKeys when a concurrent writer
// already advanced NextRotation past what the caller observed (spec.md §4.5 step 3f).
var ErrRotationConflict = Error{Code: ErrCodeConflict, Details: "keys already rotated by another writer"}

var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// NewID returns a random string which can be used as an ID for objects.
func NewID() string {
	return newSecureID(16)
}

func newSecureID(n int) string {
	buff := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buff); err != nil {
		panic(err)
	}
	// Avoid the identifier beginning with a number; trim padding.
	return string(buff[0]%26+'a') + strings.TrimRight(encoding.EncodeToString(buff[1:]), "=")
}

// NewHMACKey returns a random key which can be used in the computation of an HMAC.
func NewHMACKey(h crypto.Hash) []byte {
	return []byte(newSecureID(h.Size()))
}

// GCResult returns the number of objects deleted by garbage collection.
type GCResult struct {
	AuthRequests int64
	AuthCodes    int64
}

// IsEmpty returns whether the garbage collection result is empty or not.
func (g *GCResult) IsEmpty() bool {
	return g.AuthRequests == 0 && g.AuthCodes == 0
}

// ListOptions filters and paginates a List call (spec.md §4.4: "filtered page").
type ListOptions struct {
	AccountID string
	Offset    int
	Limit     int
}

// Page describes pagination metadata returned alongside a List result.
type Page struct {
	Offset int
	Limit  int
	Total  int
}

// Storage is the storage interface used by the server. Implementations are
// required to perform atomic compare-and-swap updates on Keys and to either
// support timezones or standardize on UTC.
type Storage interface {
	Close() error

	CreateAuthRequest(a AuthRequest) error
	CreateClient(c Client) error
	CreateAuthCode(c AuthCode) error
	CreateRefresh(r RefreshToken) error
	CreateOfflineSessions(s OfflineSessions) error
	CreateConnector(c Connector) error
	CreateUser(u User) error
	CreateGroup(g Group) error
	CreateRole(r Role) error
	CreatePolicy(p Policy) error
	CreateRoleBinding(rb RoleBinding) error
	CreatePolicyBinding(pb PolicyBinding) error
	CreateGroupUser(gu GroupUser) error

	GetAuthRequest(id string) (AuthRequest, error)
	GetAuthCode(id string) (AuthCode, error)
	GetClient(id string) (Client, error)
	GetKeys() (Keys, error)
	GetRefresh(id string) (RefreshToken, error)
	GetOfflineSessions(userID string, connID string) (OfflineSessions, error)
	GetConnector(id string) (Connector, error)
	GetUser(id string) (User, error)
	GetGroup(id string) (Group, error)
	GetRole(id string) (Role, error)
	GetPolicy(id string) (Policy, error)

	ListClients() ([]Client, error)
	ListRefreshTokens() ([]RefreshToken, error)
	ListConnectors() ([]Connector, error)
	ListUsers(opts ListOptions) ([]User, Page, error)
	ListGroups(opts ListOptions) ([]Group, Page, error)
	ListRoles(opts ListOptions) ([]Role, Page, error)
	ListPolicies(opts ListOptions) ([]Policy, Page, error)
	ListRoleBindings(opts ListOptions) ([]RoleBinding, Page, error)
	ListPolicyBindings(opts ListOptions) ([]PolicyBinding, Page, error)
	ListGroupUsers(opts ListOptions) ([]GroupUser, Page, error)

	// StatementsFor returns the union of statements reachable from every
	// policy bound (directly, or via a role bound) to subjectID, feeding C9's
	// PDE invocation.
	StatementsFor(subjectID string) ([]Statement, error)

	Count(kind string, opts ListOptions, unscoped bool) (int, error)

	// Delete methods MUST be atomic and soft: they set Deleted/DeletedAt
	// rather than physically removing the row (spec.md §4.4 "soft-delete").
	DeleteAuthRequest(id string) error
	DeleteAuthCode(code string) error
	DeleteClient(id string) error
	DeleteRefresh(id string) error
	DeleteOfflineSessions(userID string, connID string) error
	DeleteConnector(id string) error
	DeleteUser(id string) error
	DeleteGroup(id string) error
	DeleteRole(id string) error
	DeletePolicy(id string) error
	DeleteRoleBinding(id string) error
	DeletePolicyBinding(id string) error
	DeleteGroupUser(id string) error

	// Update methods take a function for updating an object then perform
	// that update within a transaction. "updater" functions may be called
	// multiple times by a single update call; updaters should only modify
	// existing fields on the old object rather than constructing new ones.
	UpdateClient(id string, updater func(old Client) (Client, error)) error
	UpdateKeys(updater func(old Keys) (Keys, error)) error
	UpdateAuthRequest(id string, updater func(a AuthRequest) (AuthRequest, error)) error
	UpdateRefreshToken(id string, updater func(r RefreshToken) (RefreshToken, error)) error
	UpdateOfflineSessions(userID string, connID string, updater func(s OfflineSessions) (OfflineSessions, error)) error
	UpdateConnector(id string, updater func(c Connector) (Connector, error)) error
	UpdatePolicy(id string, updater func(p Policy) (Policy, error)) error

	// RevokeOfflineSessionChain deletes every refresh token referenced by the
	// (userID, connID) offline session, implementing the reuse-detection
	// invariant of spec.md §4.7/§8 ("Refresh reuse").
	RevokeOfflineSessionChain(userID, connID string) error

	// Watch registers a subscription for an entity kind, delivering events
	// since sinceModify per spec.md §4.4's watch-hub semantics. The returned
	// Guard removes the subscription when closed.
	Watch(kind string, sinceModify uint64, handler func(Event)) (Guard, error)

	// GarbageCollect deletes all expired AuthCodes and AuthRequests.
	GarbageCollect(now time.Time) (GCResult, error)
}

// Guard removes a watch subscription when closed (spec.md §4.4: "on drop the
// subscription is removed").
type Guard interface {
	Close()
}

// Client represents an OAuth2 client.
type Client struct {
	ID        string `json:"id" yaml:"id"`
	IDEnv     string `json:"idEnv" yaml:"idEnv"`
	Secret    string `json:"secret" yaml:"secret"`
	SecretEnv string `json:"secretEnv" yaml:"secretEnv"`

	// A registered set of redirect URIs. When redirecting from the server to
	// the client, the URI requested to redirect to MUST match one of these
	// values, unless the client is "public".
	RedirectURIs []string `json:"redirectURIs" yaml:"redirectURIs"`

	// TrustedPeers are peers which can issue tokens on this client's behalf.
	// Clients inherently trust themselves.
	TrustedPeers []string `json:"trustedPeers" yaml:"trustedPeers"`

	// Public clients must use a redirectURL of 127.0.0.1:X or
	// "urn:ietf:wg:oauth:2.0:oob".
	Public bool `json:"public" yaml:"public"`

	Name    string `json:"name" yaml:"name"`
	LogoURL string `json:"logoURL" yaml:"logoURL"`

	// ConnectorID restricts the password grant (spec.md §4.7) to a single
	// connector selected by client configuration.
	ConnectorID string `json:"connectorID" yaml:"connectorID"`
}

// Claims represents the identity data (spec.md §3 "Identity") carried
// through an auth flow and composed into ID Token claims by the token
// service (spec.md §4.6).
type Claims struct {
	UserID            string
	Username          string
	PreferredUsername string
	Email             string
	EmailVerified     bool
	Mobile            string

	// Groups is an ordered set of group memberships; only echoed into the ID
	// Token when the "groups" scope was granted (spec.md §3 "Scopes").
	Groups []string
}

// PKCE holds the data needed to perform Proof Key for Code Exchange (RFC 7636).
type PKCE struct {
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthRequest represents an in-flight OIDC authorization request. It holds
// the state of a single auth flow up to the point the auth code is issued
// (spec.md §3 "Authorization Request").
type AuthRequest struct {
	ID string

	ClientID string

	ResponseTypes []string
	Scopes        []string
	RedirectURI   string
	Nonce         string
	State         string

	ConnectorID string

	Expiry time.Time

	// LoggedIn is false until the selected connector's callback has filled
	// in Claims/ConnectorData (AUTH_REQUEST_AUTHENTICATED in spec.md §4.7).
	LoggedIn bool

	Claims Claims

	ConnectorData []byte

	PKCE PKCE
}

// AuthCode represents a short-lived, single-use code exchanged for tokens at
// /token (spec.md §3 "Auth Code").
type AuthCode struct {
	ID string

	ClientID string

	RedirectURI string

	Nonce string

	Scopes []string

	ConnectorID   string
	ConnectorData []byte
	Claims        Claims

	Expiry time.Time

	PKCE PKCE
}

// RefreshToken is a refresh token allowing a client to request new tokens on
// the end user's behalf (spec.md §3 "Refresh Token").
type RefreshToken struct {
	ID string

	// Token is the current secret; ObsoleteToken is the prior secret,
	// accepted only within the policy's reuse_interval after rotation
	// (spec.md §4.7).
	Token         string
	ObsoleteToken string

	CreatedAt     time.Time
	LastUsed      time.Time
	ObsoleteSetAt time.Time

	ClientID string

	ConnectorID   string
	ConnectorData []byte
	Claims        Claims

	Scopes []string

	Nonce string
}

// RefreshTokenRef is a reference to a refresh token, held by an
// OfflineSessions record (spec.md §3 "Offline Session").
type RefreshTokenRef struct {
	ID string

	ClientID string

	CreatedAt time.Time
	LastUsed  time.Time
}

// OfflineSessions ties a (user, connector) pair to its live refresh tokens
// across clients, so that revocation propagates (spec.md §3 "Offline Session").
type OfflineSessions struct {
	UserID string
	ConnID string

	// Refresh is a hash table of refresh token reference objects indexed by
	// the ClientID of the refresh token.
	Refresh map[string]*RefreshTokenRef

	ConnectorData []byte
}

// Connector is metadata about a connector used to authenticate end users
// (spec.md §4.8 / C8).
type Connector struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Name            string `json:"name"`
	ResourceVersion string `json:"resourceVersion"`

	// Config holds connector-type-specific configuration, stored as an
	// opaque byte stream since no single struct shape fits every variant.
	Config []byte `json:"config"`
}

// VerificationKey is a rotated signing key which can still be used to verify
// signatures (spec.md §3 "Keys").
type VerificationKey struct {
	PublicKey *jose.JSONWebKey `json:"publicKey"`
	Expiry    time.Time        `json:"expiry"`
}

// Keys hold the current signing keypair and any still-valid verification
// keys (spec.md §3 "Keys").
type Keys struct {
	SigningKey    *jose.JSONWebKey
	SigningKeyPub *jose.JSONWebKey

	VerificationKeys []VerificationKey

	// NextRotation is the absolute time the signing key will next rotate.
	// For caching purposes, implementations MUST NOT update keys before
	// this time.
	NextRotation time.Time
}
