package featureflags

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlagEnabledDefaultsWhenUnset(t *testing.T) {
	f := newFlag("a_flag", true)
	os.Unsetenv(f.env())
	require.True(t, f.Enabled())

	f = newFlag("another_flag", false)
	os.Unsetenv(f.env())
	require.False(t, f.Enabled())
}

func TestFlagEnabledReadsEnvOverride(t *testing.T) {
	f := newFlag("a_flag", false)
	t.Setenv(f.env(), "true")
	require.True(t, f.Enabled())

	t.Setenv(f.env(), "false")
	require.False(t, f.Enabled())
}

func TestFlagEnabledFallsBackToDefaultOnBadValue(t *testing.T) {
	f := newFlag("a_flag", true)
	t.Setenv(f.env(), "not-a-bool")
	require.True(t, f.Enabled())
}

func TestFlagEnv(t *testing.T) {
	f := newFlag("continue_on_connector_failure", false)
	require.Equal(t, "CIM_CONTINUE_ON_CONNECTOR_FAILURE", f.env())
}
