package matcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchesLiteral(t *testing.T) {
	m := New(0)
	require.True(t, m.Matches("<", ">", []string{"arn:aws:s3:::my-bucket"}, "arn:aws:s3:::my-bucket"))
	require.False(t, m.Matches("<", ">", []string{"arn:aws:s3:::my-bucket"}, "arn:aws:s3:::other-bucket"))
}

func TestMatchesDelimitedRegexSegment(t *testing.T) {
	m := New(0)
	patterns := []string{"arn:aws:s3:::<[a-z0-9-]+>/objects/*"}
	require.True(t, m.Matches("<", ">", patterns, "arn:aws:s3:::my-bucket/objects/*"))
	require.False(t, m.Matches("<", ">", patterns, "arn:aws:s3:::MY-BUCKET/objects/*"))
}

func TestMatchesIsFullyAnchored(t *testing.T) {
	m := New(0)
	require.False(t, m.Matches("<", ">", []string{"foo"}, "foobar"))
	require.False(t, m.Matches("<", ">", []string{"foo"}, "xfoo"))
	require.True(t, m.Matches("<", ">", []string{"foo"}, "foo"))
}

func TestMatchesAnyPatternInList(t *testing.T) {
	m := New(0)
	patterns := []string{"alpha", "beta", "<gamma|delta>"}
	require.True(t, m.Matches("<", ">", patterns, "beta"))
	require.True(t, m.Matches("<", ">", patterns, "delta"))
	require.False(t, m.Matches("<", ">", patterns, "epsilon"))
}

func TestMatchesEmptyPatternListNeverMatches(t *testing.T) {
	m := New(0)
	require.False(t, m.Matches("<", ">", nil, ""))
	require.False(t, m.Matches("<", ">", []string{}, "anything"))
}

func TestMatchesInvalidRegexSegmentNeverMatchesAndIsCached(t *testing.T) {
	m := New(0)
	patterns := []string{"foo<(>bar"}
	require.False(t, m.Matches("<", ">", patterns, "foobar"))
	// Second call exercises the cached "never matches" path rather than
	// recompiling; behavior must stay consistent.
	require.False(t, m.Matches("<", ">", patterns, "foobar"))
}

func TestMatchesDifferentDelimitersCompileDifferently(t *testing.T) {
	m := New(0)
	pattern := "prefix-{\\d+}"
	require.False(t, m.Matches("<", ">", []string{pattern}, "prefix-123"))
	require.True(t, m.Matches("{", "}", []string{pattern}, "prefix-123"))
}

func TestMatchesReusesCacheAcrossCalls(t *testing.T) {
	m := New(2)
	patterns := []string{"<a+>", "<b+>"}
	for i := 0; i < 5; i++ {
		require.True(t, m.Matches("<", ">", patterns, "aaa"))
		require.True(t, m.Matches("<", ">", patterns, "bbb"))
		require.False(t, m.Matches("<", ">", patterns, "ccc"))
	}
}
