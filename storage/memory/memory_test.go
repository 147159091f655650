package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cim-project/cim/pkg/log"
	"github.com/cim-project/cim/storage"
)

func newTestStorage() storage.Storage {
	return New(log.NewLogrusLogger())
}

func TestClientCRUD(t *testing.T) {
	s := newTestStorage()

	c := storage.Client{ID: "client1", Secret: "secret"}
	require.NoError(t, s.CreateClient(c))
	require.ErrorIs(t, s.CreateClient(c), storage.ErrAlreadyExists)

	got, err := s.GetClient("client1")
	require.NoError(t, err)
	require.Equal(t, c, got)

	err = s.UpdateClient("client1", func(old storage.Client) (storage.Client, error) {
		old.Name = "renamed"
		return old, nil
	})
	require.NoError(t, err)

	got, err = s.GetClient("client1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	require.NoError(t, s.DeleteClient("client1"))
	_, err = s.GetClient("client1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUserSoftDelete(t *testing.T) {
	s := newTestStorage()

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

func TestStatementsForUnionsDirectAndRoleBoundPolicies(t *testing.T) {
	s := newTestStorage()

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

	role := storage.Role{ID: "role1", AccountID: "acct1", Name: "writer", PolicyIDs: []string{"p-role"}}
	require.NoError(t, s.CreateRole(role))

	require.NoError(t, s.CreatePolicyBinding(storage.PolicyBinding{ID: "pb1", AccountID: "acct1", PolicyID: "p-direct", SubjectID: "u1"}))
	require.NoError(t, s.CreateRoleBinding(storage.RoleBinding{ID: "rb1", AccountID: "acct1", RoleID: "role1", SubjectID: "u1"}))

	statements, err := s.StatementsFor("u1")
	require.NoError(t, err)
	require.Len(t, statements, 2)
}

func TestRevokeOfflineSessionChainDeletesReferencedTokens(t *testing.T) {
	s := newTestStorage()

	refreshID := "refresh1"
	require.NoError(t, s.CreateRefresh(storage.RefreshToken{ID: refreshID, ClientID: "client1"}))
	require.NoError(t, s.CreateOfflineSessions(storage.OfflineSessions{
		UserID: "u1",
		ConnID: "conn1",
		Refresh: map[string]*storage.RefreshTokenRef{
			"client1": {ID: refreshID, ClientID: "client1"},
		},
	}))

	require.NoError(t, s.RevokeOfflineSessionChain("u1", "conn1"))

	_, err := s.GetRefresh(refreshID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetOfflineSessions("u1", "conn1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWatchDeliversPolicyMutationsInOrder(t *testing.T) {
	s := newTestStorage()

	events := make(chan storage.Event, 8)
	guard, err := s.Watch("policy", 0, func(ev storage.Event) { events <- ev })
	require.NoError(t, err)
	defer guard.Close()

	p := storage.Policy{
		ID:        "p1",
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

func TestGarbageCollectDeletesExpiredAuthArtifacts(t *testing.T) {
	s := newTestStorage()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, s.CreateAuthRequest(storage.AuthRequest{ID: "expired", Expiry: past}))
	require.NoError(t, s.CreateAuthRequest(storage.AuthRequest{ID: "live", Expiry: future}))
	require.NoError(t, s.CreateAuthCode(storage.AuthCode{ID: "expiredcode", Expiry: past}))

	result, err := s.GarbageCollect(time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, result.AuthRequests)
	require.EqualValues(t, 1, result.AuthCodes)

	_, err = s.GetAuthRequest("live")
	require.NoError(t, err)
}
