package models

import (
	"time"

	"github.com/google/uuid"
)

// SensorData is the fixed set of numeric sensor fields reported by a station.
type SensorData struct {
	TemperatureC        float64  `json:"temperature_c"`
	RelativeHumidityPct float64  `json:"relative_humidity_pct"`
	SolarRadianceWM2    float64  `json:"solar_radiance_w_m2"`
	WindSpeedMS         float64  `json:"wind_speed_m_s"`
	WindDirectionDeg    float64  `json:"wind_direction_deg"`
	BatteryV            *float64 `json:"battery_v,omitempty"`
}

// Measurement is one persisted telemetry reading.  Rows are append-only:
// they are created by the worker and never updated or deleted by this
// service.  MessageID carries the client-supplied dedupe token; its unique
// index is the single source of truth for idempotent replay.
type Measurement struct {
	ID                  uint64                 `json:"id" gorm:"primaryKey;autoIncrement"`
	Time                time.Time              `json:"time" gorm:"index:ix_measurements_device_time,priority:2,sort:desc;not null"`
	DeviceID            uuid.UUID              `json:"device_id" gorm:"type:uuid;index:ix_measurements_device_time,priority:1;not null"`
	MessageID           *string                `json:"message_id,omitempty" gorm:"uniqueIndex"`
	TemperatureC        float64                `json:"temperature_c"`
	RelativeHumidityPct float64                `json:"relative_humidity_pct"`
	SolarRadianceWM2    float64                `json:"solar_radiance_w_m2" gorm:"column:solar_radiance_w_m2"`
	WindSpeedMS         float64                `json:"wind_speed_m_s" gorm:"column:wind_speed_m_s"`
	WindDirectionDeg    float64                `json:"wind_direction_deg"`
	BatteryV            *float64               `json:"battery_v,omitempty"`
	Meta                map[string]interface{} `json:"meta,omitempty" gorm:"type:JSONB; serializer:json"`
	CreatedAt           time.Time              `json:"created_at"`
}

// SensorData returns the sensor fields of the row.
func (m *Measurement) SensorData() SensorData {
	return SensorData{
		TemperatureC:        m.TemperatureC,
		RelativeHumidityPct: m.RelativeHumidityPct,
		SolarRadianceWM2:    m.SolarRadianceWM2,
		WindSpeedMS:         m.WindSpeedMS,
		WindDirectionDeg:    m.WindDirectionDeg,
		BatteryV:            m.BatteryV,
	}
}

// MeasurementJob is the unit of work the ingestion gateway places on the
// queue.  It exists only in transit; the worker turns it into a Measurement.
// JobID is the reference echoed in the ingest acknowledgement, so the
// worker's outcome logs can be correlated with the original request.
type MeasurementJob struct {
	JobID        string                 `json:"job_id"`
	DeviceID     string                 `json:"device_id"`
	MessageID    *string                `json:"message_id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Measurements SensorData             `json:"measurements"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
}

// AddMeasurement is the ingest request body posted by a device.
type AddMeasurement struct {
	DeviceID     string                 `json:"device_id" binding:"required"`
	MessageID    *string                `json:"message_id"`
	Timestamp    time.Time              `json:"timestamp" binding:"required"`
	Measurements SensorData             `json:"measurements" binding:"required"`
	Meta         map[string]interface{} `json:"meta"`
}

// MeasurementAccepted acknowledges an ingest request.  JobID is an opaque
// reference; processing happens asynchronously after the 202 is returned.
type MeasurementAccepted struct {
	Status string `json:"status" example:"accepted"`
	JobID  string `json:"job_id"`
}

// FieldSummary is the min/max/avg aggregate of one sensor field over a
// trailing window.  Values are nil when the window holds no readings.
type FieldSummary struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
	Avg *float64 `json:"avg"`
}

// MeasurementSummary aggregates every sensor field over a trailing window.
type MeasurementSummary struct {
	DeviceID            uuid.UUID    `json:"device_id"`
	WindowHours         int          `json:"window_hours"`
	TemperatureC        FieldSummary `json:"temperature_c"`
	RelativeHumidityPct FieldSummary `json:"relative_humidity_pct"`
	SolarRadianceWM2    FieldSummary `json:"solar_radiance_w_m2"`
	WindSpeedMS         FieldSummary `json:"wind_speed_m_s"`
	WindDirectionDeg    FieldSummary `json:"wind_direction_deg"`
}
