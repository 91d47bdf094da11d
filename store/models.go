package store

import "time"

// Hive represents a monitored beehive. A row is created lazily on the
// first accepted telemetry message for an unseen identifier; the ingestion
// path never overwrites name or location once the row exists.
type Hive struct {
	HiveID      string     `gorm:"primaryKey;column:hive_id"            json:"hive_id"`
	Name        string     `gorm:"column:name"                          json:"name"`
	Location    string     `gorm:"column:location"                      json:"location"`
	CreatedAt   time.Time  `gorm:"column:created_at"                    json:"created_at"`
	LastReading *time.Time `gorm:"column:last_reading"                  json:"last_reading"`
}

// TableName maps Hive to the hives table
func (Hive) TableName() string { return "hives" }

// Reading is one immutable telemetry sample. Timestamp is the server
// arrival time, never a device-reported time. RawPayload keeps the
// original message verbatim for audit.
type Reading struct {
	ID             int64      `gorm:"primaryKey;autoIncrement;column:id"                                                          json:"id"`
	HiveID         string     `gorm:"column:hive_id;not null;index:idx_hive_timestamp,priority:1"                                json:"hive_id"`
	Timestamp      time.Time  `gorm:"column:timestamp;index:idx_hive_timestamp,priority:2,sort:desc;index:idx_timestamp,sort:desc" json:"timestamp"`
	Temperature    float64    `gorm:"column:temperature"                                                                          json:"temperature"`
	Humidity       float64    `gorm:"column:humidity"                                                                             json:"humidity"`
	Weight         float64    `gorm:"column:weight"                                                                               json:"weight"`
	BatteryVoltage *float64   `gorm:"column:battery_voltage"                                                                      json:"battery_voltage"`
	RawPayload     string     `gorm:"column:raw_json"                                                                             json:"-"`
	Hive           *Hive      `gorm:"foreignKey:HiveID;references:HiveID"                                                         json:"-"`
}

// TableName maps Reading to the readings table
func (Reading) TableName() string { return "readings" }

// MetricStats holds the windowed aggregate for one required metric
type MetricStats struct {
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// BatteryStats holds the windowed aggregate for the optional battery
// metric. Fields are omitted when every row in the window lacks a
// battery value.
type BatteryStats struct {
	Average *float64 `json:"average,omitempty"`
	Min     *float64 `json:"min,omitempty"`
}

// Stats is the windowed aggregate over a hive's readings
type Stats struct {
	ReadingCount int64        `json:"reading_count"`
	Temperature  MetricStats  `json:"temperature"`
	Humidity     MetricStats  `json:"humidity"`
	Weight       MetricStats  `json:"weight"`
	Battery      BatteryStats `json:"battery"`
}

// Counts holds the totals reported by the status endpoint
type Counts struct {
	Hives    int64 `json:"hives"`
	Readings int64 `json:"readings"`
}
