package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jyjeanne/arduibeescale/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func batteryPtr(v float64) *float64 {
	return &v
}

func TestSaveReadingCreatesHiveAndReading(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	reading := &Reading{
		HiveID:         "hive_001",
		Timestamp:      now,
		Temperature:    34.5,
		Humidity:       60.2,
		Weight:         45.7,
		BatteryVoltage: batteryPtr(3.81),
		RawPayload:     `{"temperature":34.5}`,
	}
	require.NoError(t, s.SaveReading(ctx, reading))

	hives, err := s.ListHives(ctx)
	require.NoError(t, err)
	require.Len(t, hives, 1)
	assert.Equal(t, "hive_001", hives[0].HiveID)
	assert.Equal(t, "hive_001", hives[0].Name)
	assert.Equal(t, "Unknown", hives[0].Location)
	require.NotNil(t, hives[0].LastReading)
	assert.WithinDuration(t, now, *hives[0].LastReading, time.Second)

	latest, err := s.LatestReading(ctx, "hive_001")
	require.NoError(t, err)
	assert.Equal(t, 34.5, latest.Temperature)
	assert.Equal(t, 60.2, latest.Humidity)
	assert.Equal(t, 45.7, latest.Weight)
	require.NotNil(t, latest.BatteryVoltage)
	assert.Equal(t, 3.81, *latest.BatteryVoltage)
}

func TestSaveReadingPreservesExistingHive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_001", Timestamp: first,
		Temperature: 30, Humidity: 50, Weight: 40,
	}))

	second := time.Now().UTC()
	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_001", Timestamp: second,
		Temperature: 31, Humidity: 51, Weight: 41,
	}))

	hives, err := s.ListHives(ctx)
	require.NoError(t, err)
	require.Len(t, hives, 1)
	assert.WithinDuration(t, first, hives[0].CreatedAt, time.Second)
	require.NotNil(t, hives[0].LastReading)
	assert.WithinDuration(t, second, *hives[0].LastReading, time.Second)

	counts, err := s.TotalCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Hives)
	assert.Equal(t, int64(2), counts.Readings)
}

func TestSaveReadingLastReadingIsLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	newer := time.Now().UTC()
	older := newer.Add(-2 * time.Hour)

	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_001", Timestamp: newer,
		Temperature: 30, Humidity: 50, Weight: 40,
	}))
	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_001", Timestamp: older,
		Temperature: 29, Humidity: 49, Weight: 39,
	}))

	hives, err := s.ListHives(ctx)
	require.NoError(t, err)
	require.Len(t, hives, 1)
	require.NotNil(t, hives[0].LastReading)
	assert.WithinDuration(t, older, *hives[0].LastReading, time.Second,
		"last_reading should track the most recent write, not the newest timestamp")
}

func TestListHivesOrdersByLastReadingDescending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_old", Timestamp: now.Add(-time.Hour),
		Temperature: 30, Humidity: 50, Weight: 40,
	}))
	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_new", Timestamp: now,
		Temperature: 31, Humidity: 51, Weight: 41,
	}))

	hives, err := s.ListHives(ctx)
	require.NoError(t, err)
	require.Len(t, hives, 2)
	assert.Equal(t, "hive_new", hives[0].HiveID)
	assert.Equal(t, "hive_old", hives[1].HiveID)
}

func TestLatestReadingNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LatestReading(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestLatestReadingPicksNewestTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, offset := range []time.Duration{-2 * time.Hour, 0, -time.Hour} {
		require.NoError(t, s.SaveReading(ctx, &Reading{
			HiveID: "hive_001", Timestamp: now.Add(offset),
			Temperature: float64(30 + i), Humidity: 50, Weight: 40,
		}))
	}

	latest, err := s.LatestReading(ctx, "hive_001")
	require.NoError(t, err)
	assert.Equal(t, 31.0, latest.Temperature)
}

func TestHistoryWindowAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, offset := range []time.Duration{-30 * time.Hour, -5 * time.Hour, -time.Hour} {
		require.NoError(t, s.SaveReading(ctx, &Reading{
			HiveID: "hive_001", Timestamp: now.Add(offset),
			Temperature: 30, Humidity: 50, Weight: 40,
		}))
	}

	history, err := s.History(ctx, "hive_001", 24)
	require.NoError(t, err)
	require.Len(t, history, 2, "reading outside the window must be excluded")
	assert.True(t, history[0].Timestamp.Before(history[1].Timestamp),
		"history must be ascending by timestamp")

	// An out-of-range window falls back to the 24h default.
	history, err = s.History(ctx, "hive_001", 10000)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	history, err = s.History(ctx, "hive_unknown", 24)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestClampHours(t *testing.T) {
	tests := []struct {
		name  string
		hours int
		want  int
	}{
		{"in range", 48, 48},
		{"lower bound", 1, 1},
		{"upper bound", 720, 720},
		{"zero", 0, 24},
		{"negative", -5, 24},
		{"too large", 721, 24},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClampHours(tc.hours))
		})
	}
}

func TestHiveStatsAggregatesAndRounding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_001", Timestamp: now.Add(-2 * time.Hour),
		Temperature: 30.14, Humidity: 50.26, Weight: 40.123,
		BatteryVoltage: batteryPtr(3.7),
	}))
	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_001", Timestamp: now.Add(-time.Hour),
		Temperature: 32.18, Humidity: 54.32, Weight: 41.457,
		BatteryVoltage: batteryPtr(3.9),
	}))

	stats, err := s.HiveStats(ctx, "hive_001", 24)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ReadingCount)

	assert.Equal(t, 31.2, stats.Temperature.Average)
	assert.Equal(t, 30.1, stats.Temperature.Min)
	assert.Equal(t, 32.2, stats.Temperature.Max)

	assert.Equal(t, 52.3, stats.Humidity.Average)
	assert.Equal(t, 50.3, stats.Humidity.Min)
	assert.Equal(t, 54.3, stats.Humidity.Max)

	assert.Equal(t, 40.79, stats.Weight.Average)
	assert.Equal(t, 40.12, stats.Weight.Min)
	assert.Equal(t, 41.46, stats.Weight.Max)

	require.NotNil(t, stats.Battery.Average)
	require.NotNil(t, stats.Battery.Min)
	assert.Equal(t, 3.8, *stats.Battery.Average)
	assert.Equal(t, 3.7, *stats.Battery.Min)
}

func TestHiveStatsEmptyWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.HiveStats(ctx, "hive_unknown", 24)
	assert.True(t, errors.IsNotFound(err))

	// A hive whose only readings are outside the window is also empty.
	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_001", Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Temperature: 30, Humidity: 50, Weight: 40,
	}))
	_, err = s.HiveStats(ctx, "hive_001", 24)
	assert.True(t, errors.IsNotFound(err))
}

func TestHiveStatsBatteryOmittedWhenAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveReading(ctx, &Reading{
		HiveID: "hive_001", Timestamp: time.Now().UTC(),
		Temperature: 30, Humidity: 50, Weight: 40,
	}))

	stats, err := s.HiveStats(ctx, "hive_001", 24)
	require.NoError(t, err)
	assert.Nil(t, stats.Battery.Average)
	assert.Nil(t, stats.Battery.Min)
}
