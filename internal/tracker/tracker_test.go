package tracker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsCheckClearedOnlyByMarkChecked(t *testing.T) {
	tr := Load("")

	tr.MarkChannelUpdated(5, 3)
	assert.True(t, tr.NeedsCheck(5))

	// Neither listing nor the global watermark touches the flag.
	assert.Equal(t, []int{5}, tr.TakeChannelsNeedingCheck(10))
	assert.True(t, tr.NeedsCheck(5))
	tr.MarkGlobalCheck()
	assert.True(t, tr.NeedsCheck(5))

	tr.MarkChannelChecked(5, 3, []int{31, 12, 20})
	assert.False(t, tr.NeedsCheck(5))
	assert.Equal(t, []int{12, 20, 31}, tr.LastCheckedStreamIDs(5))
}

func TestMarkChannelUpdatedKeepsCheckedIDs(t *testing.T) {
	tr := Load("")
	tr.MarkChannelChecked(1, 2, []int{10, 11})
	tr.MarkChannelUpdated(1, 3)

	// The incremental-probe baseline survives the update mark.
	assert.Equal(t, []int{10, 11}, tr.LastCheckedStreamIDs(1))
	assert.True(t, tr.NeedsCheck(1))
}

func TestTakeChannelsNeedingCheckBounded(t *testing.T) {
	tr := Load("")
	tr.MarkChannelsUpdated(map[int]int{3: 1, 1: 1, 2: 1, 4: 1})

	got := tr.TakeChannelsNeedingCheck(2)
	assert.Equal(t, []int{1, 2}, got, "sorted, capped")
	assert.Len(t, tr.ChannelsNeedingCheck(), 4, "flags untouched")
}

func TestTrackerPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.json")

	tr := Load(path)
	tr.MarkChannelChecked(9, 2, []int{100, 101})
	tr.MarkChannelUpdated(8, 5)
	tr.MarkGlobalCheck()

	re := Load(path)
	assert.False(t, re.NeedsCheck(9))
	assert.Equal(t, []int{100, 101}, re.LastCheckedStreamIDs(9))
	assert.True(t, re.NeedsCheck(8))
	require.NotNil(t, re.LastGlobalCheck())

	rec, ok := re.Snapshot(8)
	require.True(t, ok)
	assert.Equal(t, 5, rec.LastStreamCount)
}

func TestTrackerCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	tr := Load(path)
	assert.Zero(t, tr.Len())
	assert.Nil(t, tr.LastGlobalCheck())
}
