// Package connector defines interfaces for federated identity strategies.
package connector

import (
	"context"
	"net/http"
)

// Connector is a mechanism for federating login to a remote identity service.
//
// Implementations are expected to implement one of CallbackConnector,
// PasswordConnector, or SAMLConnector.
type Connector interface {
	Close() error
}

// Scopes indicates the scopes the client requested, letting a connector
// decide whether it's worth the extra round trip to fetch group membership
// or to keep the offline session needed for later refreshes.
type Scopes struct {
	// OfflineAccess reports whether "offline_access" was requested, i.e. the
	// connector should persist whatever it needs to support a later Refresh.
	OfflineAccess bool

	// Groups reports whether "groups" was requested.
	Groups bool
}

// Identity represents the ID Token claims supported by the server.
type Identity struct {
	UserID            string
	Username          string
	PreferredUsername string
	Email             string
	EmailVerified     bool

	Groups []string

	// ConnectorData holds data used by the connector for subsequent requests after initial
	// authentication, such as access tokens for upstream providers.
	//
	// This data is never shared with end users, OAuth clients, or through the API.
	ConnectorData []byte
}

// PasswordConnector is an optional interface for password based connectors.
type PasswordConnector interface {
	Login(ctx context.Context, s Scopes, username, password string) (identity Identity, validPassword bool, err error)
	Prompt() string
}

// RefreshConnector is an optional interface for connectors that can update
// the connector-specific data after issuing an ID Token. This is used to
// refresh claims in cases where the connector's upstream data has changed.
type RefreshConnector interface {
	Refresh(ctx context.Context, s Scopes, identity Identity) (Identity, error)
}

// CallbackConnector is an optional interface for callback based connectors.
type CallbackConnector interface {
	LoginURL(s Scopes, callbackURL, state string) (string, error)
	HandleCallback(s Scopes, r *http.Request) (identity Identity, err error)
}

// SAMLConnector is an optional interface for connectors using the SAML
// POST binding instead of an OAuth2-style redirect/callback pair.
type SAMLConnector interface {
	// POSTData returns the action URL and base64-encoded SAMLRequest value
	// to embed in the auto-submitting form served to the browser.
	POSTData(s Scopes, loginState string) (action, value string, err error)
	// HandlePOST parses and verifies the base64-encoded SAMLResponse value,
	// checking it was issued in response to the request identified by
	// inResponseTo (the loginState value originally passed to POSTData).
	HandlePOST(s Scopes, samlResponse, inResponseTo string) (Identity, error)
}

// GroupsConnector is an optional interface for connectors which can map a user to groups.
type GroupsConnector interface {
	Groups(identity Identity) ([]string, error)
}
