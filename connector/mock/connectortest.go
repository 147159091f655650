// Package mock implements a mock connector which requires no user interaction.
package mock

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cim-project/cim/connector"
	"github.com/cim-project/cim/pkg/log"
)

// New returns a mock connector which requires no user interaction. It always returns
// the same (fake) identity.
func New() connector.Connector {
	return mockConnector{}
}

var (
	_ connector.CallbackConnector = mockConnector{}
	_ connector.GroupsConnector   = mockConnector{}
)

type mockConnector struct{}

func (m mockConnector) Close() error { return nil }

func (m mockConnector) LoginURL(s connector.Scopes, callbackURL, state string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse callbackURL %q: %v", callbackURL, err)
	}
	v := u.Query()
	v.Set("state", state)
	u.RawQuery = v.Encode()
	return u.String(), nil
}

var connectorData = []byte("foobar")

func (m mockConnector) HandleCallback(s connector.Scopes, r *http.Request) (connector.Identity, error) {
	return connector.Identity{
		UserID:            "0-385-28089-0",
		Username:          "Kilgore Trout",
		PreferredUsername: "kilgore",
		Email:             "kilgore@kilgore.trout",
		EmailVerified:     true,
		ConnectorData:     connectorData,
	}, nil
}

func (m mockConnector) Groups(identity connector.Identity) ([]string, error) {
	if !bytes.Equal(identity.ConnectorData, connectorData) {
		return nil, errors.New("connector data mismatch")
	}
	return []string{"authors"}, nil
}

// Config holds the configuration parameters for the mock connector. It has
// no fields: the connector is entirely canned.
type Config struct{}

// Open returns an authentication strategy which requires no user interaction.
func (c *Config) Open(id string, logger log.Logger) (connector.Connector, error) {
	return New(), nil
}
