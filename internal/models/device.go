package models

import (
	"time"

	"github.com/google/uuid"
)

// Device is a field sensor station that posts telemetry readings.
// Devices are provisioned administratively; this service only reads them
// to validate ingest credentials.
type Device struct {
	ID         uuid.UUID              `json:"id" gorm:"type:uuid;primary_key" example:"694aa002-5d19-495e-980b-3d8fd508ea10"`
	Name       string                 `json:"name"`
	DeviceType string                 `json:"device_type,omitempty"`
	// Token is the per-device shared secret presented in the X-Device-Token header.
	Token     string                 `json:"-"`
	Meta      map[string]interface{} `json:"meta,omitempty" gorm:"type:JSONB; serializer:json"`
	CreatedAt time.Time              `json:"created_at"`
}
