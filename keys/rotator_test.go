package keys

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cim-project/cim/pkg/log"
	"github.com/cim-project/cim/storage"
	"github.com/cim-project/cim/storage/memory"
)

func signingKeyID(t *testing.T, s storage.Storage) string {
	t.Helper()
	keys, err := s.GetKeys()
	require.NoError(t, err)
	return keys.SigningKey.KeyID
}

func verificationKeyIDs(t *testing.T, s storage.Storage) (ids []string) {
	t.Helper()
	keys, err := s.GetKeys()
	require.NoError(t, err)
	for _, key := range keys.VerificationKeys {
		ids = append(ids, key.PublicKey.KeyID)
	}
	return ids
}

func slicesEq(s1, s2 []string) bool {
	if len(s1) != len(s2) {
		return false
	}
	cp := func(s []string) []string {
		c := make([]string, len(s))
		copy(c, s)
		return c
	}
	cp1, cp2 := cp(s1), cp(s2)
	sort.Strings(cp1)
	sort.Strings(cp2)
	for i, el := range cp1 {
		if el != cp2[i] {
			return false
		}
	}
	return true
}

func TestRotatorRotatesAndRetiresKeysOnSchedule(t *testing.T) {
	now := time.Now()
	delta := time.Millisecond
	rotationFrequency := time.Second * 5
	keep := time.Second * 21
	maxVerificationKeys := 5

	l := log.NewLogrusLogger()
	store := memory.New(l)
	r := New(store, NewRotationStrategy(rotationFrequency, keep), func() time.Time { return now }, l)

	var expVerificationKeys []string
	for i := 0; i < 10; i++ {
		now = now.Add(rotationFrequency + delta)
		require.NoError(t, r.Rotate())

		got := verificationKeyIDs(t, store)
		require.True(t, slicesEq(expVerificationKeys, got), "after %d rotation, expected verification keys %q, got %q", i+1, expVerificationKeys, got)

		expVerificationKeys = append(expVerificationKeys, signingKeyID(t, store))
		if n := len(expVerificationKeys); n > maxVerificationKeys {
			expVerificationKeys = expVerificationKeys[n-maxVerificationKeys:]
		}
	}
}

func TestRotatorSkipsWhenNotYetDue(t *testing.T) {
	now := time.Now()
	l := log.NewLogrusLogger()
	store := memory.New(l)
	r := New(store, NewRotationStrategy(time.Hour, time.Hour), func() time.Time { return now }, l)

	require.NoError(t, r.Rotate())
	first := signingKeyID(t, store)

	require.NoError(t, r.Rotate())
	require.Equal(t, first, signingKeyID(t, store))
}

func TestRotatorSecondInstanceSeesFirstInstancesSchedule(t *testing.T) {
	now := time.Now()
	l := log.NewLogrusLogger()
	store := memory.New(l)
	strategy := NewRotationStrategy(time.Second, time.Minute)

	a := New(store, strategy, func() time.Time { return now }, l)
	b := New(store, strategy, func() time.Time { return now }, l)

	require.NoError(t, a.Rotate())
	now = now.Add(2 * time.Second)
	require.NoError(t, a.Rotate())
	winner := signingKeyID(t, store)

	// b runs against the same storage; a's rotation already advanced
	// NextRotation past the current time, so b's rotate is a no-op.
	require.NoError(t, b.Rotate())
	require.Equal(t, winner, signingKeyID(t, store))
}
