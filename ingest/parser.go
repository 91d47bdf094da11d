// Package ingest receives telemetry from the broker, validates it, and
// feeds the storage and live-broadcast paths. The Connector owns the
// broker subscription and its reconnect supervision; ParseMessage turns
// a raw broker message into a storable reading.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jyjeanne/arduibeescale/errors"
	"github.com/jyjeanne/arduibeescale/store"
)

// telemetryPayload mirrors the JSON published by hive sensor nodes.
// Required fields are pointers so absence is distinguishable from zero.
type telemetryPayload struct {
	Temperature    *float64 `json:"temperature"`
	Humidity       *float64 `json:"humidity"`
	Weight         *float64 `json:"weight"`
	BatteryVoltage *float64 `json:"battery_voltage"`
}

// ParseMessage extracts the hive id from the message subject and decodes
// the telemetry payload into a Reading. The hive id is the second
// dot-separated subject token (`beehive.<hive_id>.<...>`). Temperature,
// humidity and weight are required; battery voltage is optional and
// passes through as nil when absent. Values are not range-checked. The
// raw payload is preserved verbatim on the returned reading.
func ParseMessage(subject string, payload []byte) (*store.Reading, error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 2 || tokens[1] == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: subject %q has no hive id token", errors.ErrMalformedTopic, subject),
			"Parser", "ParseMessage", "extract hive id")
	}
	hiveID := tokens[1]

	var data telemetryPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err),
			"Parser", "ParseMessage", "decode payload")
	}

	for _, field := range []struct {
		name  string
		value *float64
	}{
		{"temperature", data.Temperature},
		{"humidity", data.Humidity},
		{"weight", data.Weight},
	} {
		if field.value == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrMissingField, field.name),
				"Parser", "ParseMessage", "validate required fields")
		}
	}

	return &store.Reading{
		HiveID:         hiveID,
		Temperature:    *data.Temperature,
		Humidity:       *data.Humidity,
		Weight:         *data.Weight,
		BatteryVoltage: data.BatteryVoltage,
		RawPayload:     string(payload),
	}, nil
}
