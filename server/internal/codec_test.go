package internal

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	tests := []struct {
		name      string
		input     interface{}
		expectErr bool
	}{
		{name: "RefreshToken", input: &RefreshToken{RefreshId: "r1", Token: "t1"}},
		{name: "Nil", input: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.input == nil {
				require.Empty(t, result)
				return
			}
			_, err = base64.RawURLEncoding.DecodeString(result)
			require.NoError(t, err, "result must be valid base64")
		})
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	want := &RefreshToken{RefreshId: "r1", Token: "t1"}
	encoded, err := Marshal(want)
	require.NoError(t, err)

	got := new(RefreshToken)
	require.NoError(t, Unmarshal(encoded, got))
	require.Equal(t, want, got)
}

func TestUnmarshalInvalidBase64(t *testing.T) {
	err := Unmarshal("%%invalid-base64%%", new(RefreshToken))
	require.Error(t, err)
}

func TestIDTokenSubjectUnmarshalJSON(t *testing.T) {
	want := IDTokenSubject{UserId: "u1", ConnId: "local"}
	encoded, err := Marshal(&want)
	require.NoError(t, err)

	claim, err := json.Marshal(encoded)
	require.NoError(t, err)

	var got IDTokenSubject
	require.NoError(t, got.UnmarshalJSON(claim))
	require.Equal(t, want, got)
}
