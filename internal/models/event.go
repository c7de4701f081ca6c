package models

import "time"

// Event type discriminators.  TelemetryEvent is a tagged variant so new
// event kinds can ride the same bus without breaking existing consumers.
const EventTypeMeasurement = "measurement"

// TelemetryEvent is the published form of an accepted Measurement.  It is
// ephemeral: it exists only in transit on the broadcast bus and on viewer
// connections.
type TelemetryEvent struct {
	Type      string                 `json:"type"`
	DeviceID  string                 `json:"device_id"`
	Time      time.Time              `json:"time"`
	Data      SensorData             `json:"data"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	MessageID *string                `json:"message_id,omitempty"`
}

// NewMeasurementEvent builds the broadcast event for a persisted row.
func NewMeasurementEvent(m *Measurement) TelemetryEvent {
	return TelemetryEvent{
		Type:      EventTypeMeasurement,
		DeviceID:  m.DeviceID.String(),
		Time:      m.Time,
		Data:      m.SensorData(),
		Meta:      m.Meta,
		MessageID: m.MessageID,
	}
}
