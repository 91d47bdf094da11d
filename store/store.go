// Package store implements the durable entity store for hives and their
// telemetry readings on SQLite, exposing the persistence write path used
// by ingestion and the read-only query operations used by the API and the
// live channel.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"math"
	"sort"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jyjeanne/arduibeescale/errors"
)

const (
	// DefaultWindowHours is substituted when a requested window falls
	// outside [MinWindowHours, MaxWindowHours].
	DefaultWindowHours = 24
	// MinWindowHours is the smallest accepted history/stats window.
	MinWindowHours = 1
	// MaxWindowHours caps the window at 30 days.
	MaxWindowHours = 720

	// placeholderLocation is assigned when a hive row is auto-created.
	placeholderLocation = "Unknown"
)

// Store wraps the SQLite connection and provides all persistence and
// query operations. Every operation opens its own short transaction;
// there is no cross-operation locking.
type Store struct {
	orm *gorm.DB
}

// Open opens the SQLite database at path and ensures the schema exists.
// A schema initialization failure is fatal for the process.
func Open(path string) (*Store, error) {
	orm, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}

	if err := orm.AutoMigrate(&Hive{}, &Reading{}); err != nil {
		_ = closeORM(orm)
		return nil, errors.WrapFatal(err, "Store", "Open", "migrate schema")
	}

	return &Store{orm: orm}, nil
}

// Close closes the underlying SQL connection
func (s *Store) Close() error {
	return closeORM(s.orm)
}

func closeORM(orm *gorm.DB) error {
	sqlDB, err := orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveReading persists one validated telemetry record as a single atomic
// unit: insert-or-ignore the hive row, append the immutable reading, and
// set the hive's last_reading to the reading's arrival time. The
// last_reading update is unconditional (last-write-wins); out-of-order
// arrivals can move it backwards.
func (s *Store) SaveReading(ctx context.Context, reading *Reading) error {
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hive := Hive{
			HiveID:    reading.HiveID,
			Name:      reading.HiveID,
			Location:  placeholderLocation,
			CreatedAt: reading.Timestamp,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&hive).Error; err != nil {
			return err
		}

		if err := tx.Create(reading).Error; err != nil {
			return err
		}

		return tx.Model(&Hive{}).
			Where("hive_id = ?", reading.HiveID).
			Update("last_reading", reading.Timestamp).Error
	})
	if err != nil {
		return errors.WrapTransient(err, "Store", "SaveReading", "persist reading")
	}

	return nil
}

// ListHives returns all hives ordered by last_reading descending. The
// sort key is explicit: a hive that has never reported sorts as if its
// last reading were the zero time, independent of how the underlying
// store orders NULLs.
func (s *Store) ListHives(ctx context.Context) ([]Hive, error) {
	var hives []Hive
	if err := s.orm.WithContext(ctx).Find(&hives).Error; err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListHives", "query hives")
	}

	sort.SliceStable(hives, func(i, j int) bool {
		return lastReadingKey(hives[i]).After(lastReadingKey(hives[j]))
	})

	return hives, nil
}

// lastReadingKey is the portable sort key for hive ordering: absent
// last_reading means the zero time, the oldest possible value.
func lastReadingKey(h Hive) time.Time {
	if h.LastReading == nil {
		return time.Time{}
	}
	return *h.LastReading
}

// LatestReading returns the single most recent reading for a hive by
// arrival timestamp, or ErrNotFound when the hive has no readings.
func (s *Store) LatestReading(ctx context.Context, hiveID string) (*Reading, error) {
	var reading Reading
	err := s.orm.WithContext(ctx).
		Where("hive_id = ?", hiveID).
		Order("timestamp DESC").
		Limit(1).
		Take(&reading).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "Store", "LatestReading", "query latest reading")
	}

	return &reading, nil
}

// History returns all readings for a hive inside the trailing window,
// ascending by arrival timestamp. The window is replaced with
// DefaultWindowHours when it falls outside [MinWindowHours, MaxWindowHours].
func (s *Store) History(ctx context.Context, hiveID string, hours int) ([]Reading, error) {
	hours = ClampHours(hours)
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var readings []Reading
	err := s.orm.WithContext(ctx).
		Where("hive_id = ? AND timestamp > ?", hiveID, cutoff).
		Order("timestamp ASC").
		Find(&readings).Error
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "History", "query history")
	}

	return readings, nil
}

// ClampHours normalizes a requested window: values outside
// [MinWindowHours, MaxWindowHours] are replaced with DefaultWindowHours.
func ClampHours(hours int) int {
	if hours < MinWindowHours || hours > MaxWindowHours {
		return DefaultWindowHours
	}
	return hours
}

// statsRow receives the raw SQL aggregates. Battery columns are nullable
// because the window may contain only rows without a battery value.
type statsRow struct {
	ReadingCount   int64
	AvgTemperature sql.NullFloat64
	MinTemperature sql.NullFloat64
	MaxTemperature sql.NullFloat64
	AvgHumidity    sql.NullFloat64
	MinHumidity    sql.NullFloat64
	MaxHumidity    sql.NullFloat64
	AvgWeight      sql.NullFloat64
	MinWeight      sql.NullFloat64
	MaxWeight      sql.NullFloat64
	AvgBattery     sql.NullFloat64
	MinBattery     sql.NullFloat64
}

// HiveStats computes windowed aggregates over a hive's readings:
// count plus average/min/max for temperature, humidity and weight, and
// average/min for battery voltage. Temperature and humidity are rounded
// to one decimal place, weight and battery to two. A window with zero
// readings yields ErrNotFound.
func (s *Store) HiveStats(ctx context.Context, hiveID string, hours int) (*Stats, error) {
	hours = ClampHours(hours)
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var row statsRow
	err := s.orm.WithContext(ctx).
		Model(&Reading{}).
		Select(`COUNT(*) as reading_count,
			AVG(temperature) as avg_temperature,
			MIN(temperature) as min_temperature,
			MAX(temperature) as max_temperature,
			AVG(humidity) as avg_humidity,
			MIN(humidity) as min_humidity,
			MAX(humidity) as max_humidity,
			AVG(weight) as avg_weight,
			MIN(weight) as min_weight,
			MAX(weight) as max_weight,
			AVG(battery_voltage) as avg_battery,
			MIN(battery_voltage) as min_battery`).
		Where("hive_id = ? AND timestamp > ?", hiveID, cutoff).
		Scan(&row).Error
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "HiveStats", "query stats")
	}

	if row.ReadingCount == 0 {
		return nil, errors.ErrNotFound
	}

	stats := &Stats{
		ReadingCount: row.ReadingCount,
		Temperature: MetricStats{
			Average: round1(row.AvgTemperature.Float64),
			Min:     round1(row.MinTemperature.Float64),
			Max:     round1(row.MaxTemperature.Float64),
		},
		Humidity: MetricStats{
			Average: round1(row.AvgHumidity.Float64),
			Min:     round1(row.MinHumidity.Float64),
			Max:     round1(row.MaxHumidity.Float64),
		},
		Weight: MetricStats{
			Average: round2(row.AvgWeight.Float64),
			Min:     round2(row.MinWeight.Float64),
			Max:     round2(row.MaxWeight.Float64),
		},
	}

	// SQL aggregates skip NULLs, so the battery columns are NULL only
	// when no row in the window carried a battery value.
	if row.AvgBattery.Valid {
		avg := round2(row.AvgBattery.Float64)
		min := round2(row.MinBattery.Float64)
		stats.Battery = BatteryStats{Average: &avg, Min: &min}
	}

	return stats, nil
}

// TotalCounts returns the total hive and reading counts
func (s *Store) TotalCounts(ctx context.Context) (*Counts, error) {
	var counts Counts
	if err := s.orm.WithContext(ctx).Model(&Hive{}).Count(&counts.Hives).Error; err != nil {
		return nil, errors.WrapTransient(err, "Store", "TotalCounts", "count hives")
	}
	if err := s.orm.WithContext(ctx).Model(&Reading{}).Count(&counts.Readings).Error; err != nil {
		return nil, errors.WrapTransient(err, "Store", "TotalCounts", "count readings")
	}
	return &counts, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
