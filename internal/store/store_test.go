package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "accidents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := openTest(t)
	v, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accidents.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.LogAccident(context.Background(), Accident{Severity: 5})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLogAndQuery(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	for i := 0; i < 3; i++ {
		_, err := s.LogAccident(ctx, Accident{
			EventID:     "ev-" + string(rune('a'+i)),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Latitude:    28.6139,
			Longitude:   77.2090,
			Severity:    5,
			Description: "Collision on cam-1",
			Source:      "cam-1",
		})
		require.NoError(t, err)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	logs, err := s.Logs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "ev-c", logs[0].EventID)
	assert.True(t, logs[0].Timestamp.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, "cam-1", logs[0].Source)

	limited, err := s.Logs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	row := logs[2].Row()
	require.Len(t, row, 6)
	assert.Equal(t, "2026-03-01 10:00:00", row[1])
	assert.Equal(t, 28.6139, row[2])
	assert.Equal(t, 5, row[4])
	assert.Equal(t, "Collision on cam-1", row[5])
}

func TestLogDefaults(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.LogAccident(ctx, Accident{Severity: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	logs, err := s.Logs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Accident detected", logs[0].Description)
	assert.WithinDuration(t, time.Now(), logs[0].Timestamp, 5*time.Second)
}

func TestEmptyLogs(t *testing.T) {
	s := openTest(t)
	logs, err := s.Logs(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)
}
