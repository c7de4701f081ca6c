package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agrisense-io/agrisense/internal/models"
)

// DeviceTokenHeader carries the device's shared secret, out of band from
// the payload.
const DeviceTokenHeader = "X-Device-Token"

// IngestTelemetry accepts a reading from a device, enqueues a processing
// job, and acknowledges immediately.  Persistence and fan-out happen
// asynchronously so ingest latency is independent of storage latency;
// deduplication is the worker's responsibility.
func (api *API) IngestTelemetry(c *gin.Context) {
	ctx := c.Request.Context()

	var request models.AddMeasurement
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, models.NewBadPayloadError())
		return
	}
	deviceID, err := uuid.Parse(request.DeviceID)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, models.NewFieldValidationError("device_id", "must be a valid UUID"))
		return
	}

	var device models.Device
	if res := api.db.WithContext(ctx).First(&device, "id = ?", deviceID); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, models.NewNotFoundError("device"))
			return
		}
		api.SendInternalServerError(c, res.Error)
		return
	}

	if !api.deviceTokenValid(c.GetHeader(DeviceTokenHeader), &device) {
		c.JSON(http.StatusUnauthorized, models.NewAuthError())
		return
	}

	job := models.MeasurementJob{
		JobID:        uuid.NewString(),
		DeviceID:     deviceID.String(),
		MessageID:    request.MessageID,
		Timestamp:    request.Timestamp,
		Measurements: request.Measurements,
		Meta:         request.Meta,
	}
	if err := api.queue.Enqueue(ctx, &job); err != nil {
		api.logger.Errorw("failed to enqueue measurement job", "device_id", deviceID, "error", err)
		c.JSON(http.StatusServiceUnavailable, models.NewServiceUnavailableError())
		return
	}

	c.JSON(http.StatusAccepted, models.MeasurementAccepted{
		Status: "accepted",
		JobID:  job.JobID,
	})
}

// deviceTokenValid checks the presented credential against the device's own
// secret and, when enabled, the global token.  Both comparisons are
// constant time.
func (api *API) deviceTokenValid(presented string, device *models.Device) bool {
	if presented == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(device.Token)) == 1 {
		return true
	}
	if api.deviceAuth.AllowGlobalToken && api.deviceAuth.GlobalToken != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(api.deviceAuth.GlobalToken)) == 1 {
		return true
	}
	return false
}
