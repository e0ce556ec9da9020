package publish

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGlobFilter_EmptyMatchesEverything(t *testing.T) {
	f, err := NewGlobFilter()
	require.NoError(t, err)
	require.True(t, f.Match("payments"))
	require.True(t, f.Match("anything"))
}

func TestGlobFilter_ExactAndWildcard(t *testing.T) {
	f, err := NewGlobFilter("payments", "htlc_*")
	require.NoError(t, err)

	require.True(t, f.Match("payments"))
	require.True(t, f.Match("htlc_events"))
	require.False(t, f.Match("invoices"))
	require.False(t, f.Match("forwards"))
}

func TestGlobFilter_Star(t *testing.T) {
	f, err := NewGlobFilter("*")
	require.NoError(t, err)
	require.True(t, f.Match("payments"))
	require.True(t, f.Match("forwards"))
}

func TestGlobFilter_InvalidPattern(t *testing.T) {
	_, err := NewGlobFilter("[")
	require.Error(t, err)
}
