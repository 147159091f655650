package sql

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cim-project/cim/pkg/log"
	"github.com/cim-project/cim/storage"
)

const testDatabaseURLEnv = "CIM_TEST_DATABASE_URL"

// newTestStorage connects to a real Postgres instance named by
// CIM_TEST_DATABASE_URL, running migrations against it. Tests are skipped
// when the variable isn't set, matching the teacher's gated-integration-test
// convention for its own Postgres driver.
func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	url := os.Getenv(testDatabaseURLEnv)
	if url == "" {
		t.Skipf("%s not set, skipping Postgres storage tests", testDatabaseURLEnv)
	}
	cfg := &Config{DatabaseURL: url, RunMigrations: true}
	s, err := cfg.Open(log.NewLogrusLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresClientCRUD(t *testing.T) {
	s := newTestStorage(t)

	c := storage.Client{ID: "client1", Secret: "secret", RedirectURIs: []string{"https://example.com/callback"}}
	require.NoError(t, s.CreateClient(c))
	require.ErrorIs(t, s.CreateClient(c), storage.ErrAlreadyExists)

	got, err := s.GetClient("client1")
	require.NoError(t, err)
	require.Equal(t, c.RedirectURIs, got.RedirectURIs)

	require.NoError(t, s.UpdateClient("client1", func(old storage.Client) (storage.Client, error) {
		old.Name = "renamed"
		return old, nil
	}))

	got, err = s.GetClient("client1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	require.NoError(t, s.DeleteClient("client1"))
	_, err = s.GetClient("client1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresUserSoftDelete(t *testing.T) {
	s := newTestStorage(t)

	u := storage.User{ID: "u1", AccountID: "acct1", Username: "alice"}
	require.NoError(t, s.CreateUser(u))
	require.NoError(t, s.DeleteUser("u1"))

	_, err := s.GetUser("u1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	users, page, err := s.ListUsers(storage.ListOptions{AccountID: "acct1"})
	require.NoError(t, err)
	require.Empty(t, users)
	require.Equal(t, 0, page.Total)
}

func TestPostgresUpdatePolicyRejectsStaleVersion(t *testing.T) {
	s := newTestStorage(t)

	p := storage.Policy{
		ID:        "p1",
		AccountID: "acct1",
		Statements: []storage.Statement{
			{Effect: storage.Allow, Actions: []string{"read"}, Resources: []string{"*"}, Subjects: []string{"*"}},
		},
	}
	require.NoError(t, s.CreatePolicy(p))

	stale, err := s.GetPolicy("p1")
	require.NoError(t, err)

	require.NoError(t, s.UpdatePolicy("p1", func(old storage.Policy) (storage.Policy, error) {
		old.Statements[0].Actions = append(old.Statements[0].Actions, "write")
		return old, nil
	}))

	err = s.UpdatePolicy("p1", func(storage.Policy) (storage.Policy, error) {
		return stale, nil
	})
	require.ErrorIs(t, err, storage.ErrRotationConflict)
}

func TestPostgresStatementsForUnionsDirectAndRoleBoundPolicies(t *testing.T) {
	s := newTestStorage(t)

	direct := storage.Policy{
		ID:        "p-direct",
		AccountID: "acct1",
		Statements: []storage.Statement{
			{Effect: storage.Allow, Actions: []string{"read"}, Resources: []string{"*"}, Subjects: []string{"*"}},
		},
	}
	viaRole := storage.Policy{
		ID:        "p-role",
		AccountID: "acct1",
		Statements: []storage.Statement{
			{Effect: storage.Allow, Actions: []string{"write"}, Resources: []string{"*"}, Subjects: []string{"*"}},
		},
	}
	require.NoError(t, s.CreatePolicy(direct))
	require.NoError(t, s.CreatePolicy(viaRole))

	require.NoError(t, s.CreateRole(storage.Role{ID: "role1", AccountID: "acct1", Name: "writer", PolicyIDs: []string{"p-role"}}))
	require.NoError(t, s.CreatePolicyBinding(storage.PolicyBinding{ID: "pb1", AccountID: "acct1", PolicyID: "p-direct", SubjectID: "u1"}))
	require.NoError(t, s.CreateRoleBinding(storage.RoleBinding{ID: "rb1", AccountID: "acct1", RoleID: "role1", SubjectID: "u1"}))

	statements, err := s.StatementsFor("u1")
	require.NoError(t, err)
	require.Len(t, statements, 2)
}

func TestPostgresRevokeOfflineSessionChainDeletesReferencedTokens(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.CreateRefresh(storage.RefreshToken{ID: "refresh1", ClientID: "client1"}))
	require.NoError(t, s.CreateOfflineSessions(storage.OfflineSessions{
		UserID: "u1",
		ConnID: "conn1",
		Refresh: map[string]*storage.RefreshTokenRef{
			"client1": {ID: "refresh1", ClientID: "client1"},
		},
	}))

	require.NoError(t, s.RevokeOfflineSessionChain("u1", "conn1"))

	_, err := s.GetRefresh("refresh1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetOfflineSessions("u1", "conn1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresWatchDeliversPolicyMutationsInOrder(t *testing.T) {
	s := newTestStorage(t)

	events := make(chan storage.Event, 8)
	guard, err := s.Watch("policy", 0, func(ev storage.Event) { events <- ev })
	require.NoError(t, err)
	defer guard.Close()

	p := storage.Policy{
		ID:        "p-watch",
		AccountID: "acct1",
		Statements: []storage.Statement{
			{Effect: storage.Allow, Actions: []string{"read"}, Resources: []string{"*"}, Subjects: []string{"*"}},
		},
	}
	require.NoError(t, s.CreatePolicy(p))

	select {
	case ev := <-events:
		require.Equal(t, storage.OpAdd, ev.Op)
		require.Equal(t, "policy", ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestPostgresKeysRoundTripWithEncryptionKey(t *testing.T) {
	url := os.Getenv(testDatabaseURLEnv)
	if url == "" {
		t.Skipf("%s not set, skipping Postgres storage tests", testDatabaseURLEnv)
	}
	cfg := &Config{
		DatabaseURL:   url,
		RunMigrations: true,
		EncryptionKey: []byte("01234567890123456789012345678901")[:32],
	}
	s, err := cfg.Open(log.NewLogrusLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	next := time.Now().Add(time.Hour)
	err = s.UpdateKeys(func(old storage.Keys) (storage.Keys, error) {
		return storage.Keys{NextRotation: next}, nil
	})
	require.NoError(t, err)

	got, err := s.GetKeys()
	require.NoError(t, err)
	require.Equal(t, next.Unix(), got.NextRotation.Unix())

	// The row on disk must not hold the plaintext "null" encoding/json
	// would have produced for a nil *jose.JSONWebKey SigningKey.
	sqlStore := s.(*sqlStorage)
	var row keysRow
	require.NoError(t, sqlStore.db.Get(&row, `SELECT * FROM keys WHERE id = 'default'`))
	require.NotEqual(t, "null", row.SigningKey)
}

func TestPostgresGarbageCollectDeletesExpiredAuthArtifacts(t *testing.T) {
	s := newTestStorage(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, s.CreateAuthRequest(storage.AuthRequest{ID: "expired-gc", Expiry: past}))
	require.NoError(t, s.CreateAuthRequest(storage.AuthRequest{ID: "live-gc", Expiry: future}))
	require.NoError(t, s.CreateAuthCode(storage.AuthCode{ID: "expiredcode-gc", Expiry: past}))

	result, err := s.GarbageCollect(time.Now())
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.AuthRequests, int64(1))
	require.GreaterOrEqual(t, result.AuthCodes, int64(1))

	_, err = s.GetAuthRequest("live-gc")
	require.NoError(t, err)
}
