package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cim-project/cim/pkg/log"
)

func TestRefreshTokenPolicy(t *testing.T) {
	lastTime := time.Now()
	l := log.NewLogrusLogger()

	r, err := NewRefreshTokenPolicy(l, true, "1m", "1m", "1m")
	require.NoError(t, err)
	require.True(t, r.RotationEnabled())

	t.Run("Allowed", func(t *testing.T) {
		r.now = func() time.Time { return lastTime }
		require.True(t, r.AllowedToReuse(lastTime))
		require.False(t, r.ExpiredBecauseUnused(lastTime))
		require.False(t, r.CompletelyExpired(lastTime))
	})

	t.Run("Expired", func(t *testing.T) {
		r.now = func() time.Time { return lastTime.Add(2 * time.Minute) }
		require.False(t, r.AllowedToReuse(lastTime))
		require.True(t, r.ExpiredBecauseUnused(lastTime))
		require.True(t, r.CompletelyExpired(lastTime))
	})
}

func TestRefreshTokenPolicyDisabledWhenDurationsUnset(t *testing.T) {
	l := log.NewLogrusLogger()
	r, err := NewRefreshTokenPolicy(l, false, "", "", "")
	require.NoError(t, err)
	require.False(t, r.RotationEnabled())

	now := time.Now()
	r.now = func() time.Time { return now.Add(24 * time.Hour) }
	require.False(t, r.CompletelyExpired(now))
	require.False(t, r.ExpiredBecauseUnused(now))
	require.False(t, r.AllowedToReuse(now))
}
