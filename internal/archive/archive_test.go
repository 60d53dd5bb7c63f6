package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordMergeRoundTrip(t *testing.T) {
	a := openTestArchive(t)

	require.NoError(t, a.RecordMerge("job-1", "robot_a", "/maps/submap_0", 1, 250*time.Millisecond, "success", ""))
	require.NoError(t, a.RecordMerge("job-2", "robot_b", "/maps/submap_1", 1, 10*time.Millisecond, "failed", "no poses"))

	events, err := a.RecentMerges(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first
	assert.Equal(t, "job-2", events[0].JobID)
	assert.Equal(t, "failed", events[0].Status)
	assert.Equal(t, "no poses", events[0].Error)
	assert.Equal(t, "robot_a", events[1].Robot)
	assert.Equal(t, int64(250), events[1].DurationMs)
}

func TestRecordBackupRoundTrip(t *testing.T) {
	a := openTestArchive(t)

	require.NoError(t, a.RecordBackup("/maps/backups/1700000000-v3", 3, "periodic"))

	events, err := a.RecentBackups(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].MapVersion)
	assert.Equal(t, "periodic", events[0].Reason)
}

func TestRecentMergesLimit(t *testing.T) {
	a := openTestArchive(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, a.RecordMerge("job", "robot_a", "/maps/x", uint64(i), time.Millisecond, "success", ""))
	}
	events, err := a.RecentMerges(3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, uint64(4), events[0].MapVersion)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	a := openTestArchive(t)
	// Open already migrated; a second run must be a no-op.
	assert.NoError(t, a.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.MigrateDown())

	_, err := a.RecentMerges(1)
	assert.Error(t, err, "query against dropped table should fail")
}
