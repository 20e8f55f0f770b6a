package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbeimel/streamflow-sub002/internal/upstream"
)

func streamNamed(id int, name string) upstream.Stream {
	return upstream.Stream{ID: id, Name: name, URL: "http://x/" + name}
}

func TestCandidatesDefaultPattern(t *testing.T) {
	m := New(true)
	streams := []upstream.Stream{
		streamNamed(1, "Sky Sport 1 HD"),
		streamNamed(2, "Eurosport"),
		streamNamed(3, "UK: Sky Sport 1"),
	}

	got, err := m.Candidates("Sky Sport 1", nil, streams, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, 3, got[1].ID)
}

func TestCompileEscapesChannelName(t *testing.T) {
	m := New(true)
	// Metacharacters in the name must match literally, never as regex.
	re, err := m.Compile(ChannelNameToken, "RTL+ (HD)")
	require.NoError(t, err)
	assert.True(t, re.MatchString("DE: RTL+ (HD) FHD"))
	assert.False(t, re.MatchString("RTLL HD"))
}

func TestCompileFoldsWhitespaceRuns(t *testing.T) {
	m := New(true)
	re, err := m.Compile(ChannelNameToken, "Sky Sport")
	require.NoError(t, err)
	assert.True(t, re.MatchString("Sky  Sport HD"), "double space still matches")
	assert.True(t, re.MatchString("Sky\tSport"))
}

func TestCaseSensitivity(t *testing.T) {
	streams := []upstream.Stream{streamNamed(1, "sky sport")}

	got, err := New(true).Candidates("Sky Sport", nil, streams, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = New(false).Candidates("Sky Sport", nil, streams, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCandidatesAccountFilter(t *testing.T) {
	a1, a2 := 1, 2
	streams := []upstream.Stream{
		{ID: 1, Name: "News 24", M3UAccountID: &a1},
		{ID: 2, Name: "News 24", M3UAccountID: &a2},
		{ID: 3, Name: "News 24"}, // no account
	}

	got, err := New(true).Candidates("News 24", nil, streams, func(id int) bool { return id == 2 })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].ID)
}

func TestCandidatesBadPattern(t *testing.T) {
	_, err := New(true).Candidates("X", []string{"(["}, nil, nil)
	assert.Error(t, err)
}
