package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agrisense-io/agrisense/internal/models"
)

const (
	defaultWindowHours = 24
	// maxWindowHours bounds the trailing window to two years; beyond that
	// the hour-to-duration conversion is at risk of overflow.
	maxWindowHours  = 2 * 365 * 24
	maxReadingsPage = 1000
)

// GetLatestReading returns the most recent reading for a device.
func (api *API) GetLatestReading(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, models.NewBadPathParameterError("id"))
		return
	}

	var m models.Measurement
	res := api.db.WithContext(c.Request.Context()).
		Where("device_id = ?", deviceID).
		Order("time DESC, id DESC").
		First(&m)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, models.NewNotFoundError("measurement"))
			return
		}
		api.SendInternalServerError(c, res.Error)
		return
	}
	c.JSON(http.StatusOK, m)
}

type summaryRow struct {
	TempMin *float64
	TempMax *float64
	TempAvg *float64
	HumMin  *float64
	HumMax  *float64
	HumAvg  *float64
	RadMin  *float64
	RadMax  *float64
	RadAvg  *float64
	WspMin  *float64
	WspMax  *float64
	WspAvg  *float64
	WdirMin *float64
	WdirMax *float64
	WdirAvg *float64
}

// GetSummary returns min/max/avg per sensor field over a trailing window
// (default 24 hours, caller-specified hour count).
func (api *API) GetSummary(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, models.NewBadPathParameterError("id"))
		return
	}
	hours, ok := windowHours(c)
	if !ok {
		return
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var row summaryRow
	res := api.db.WithContext(c.Request.Context()).
		Model(&models.Measurement{}).
		Select("MIN(temperature_c) AS temp_min, MAX(temperature_c) AS temp_max, AVG(temperature_c) AS temp_avg, " +
			"MIN(relative_humidity_pct) AS hum_min, MAX(relative_humidity_pct) AS hum_max, AVG(relative_humidity_pct) AS hum_avg, " +
			"MIN(solar_radiance_w_m2) AS rad_min, MAX(solar_radiance_w_m2) AS rad_max, AVG(solar_radiance_w_m2) AS rad_avg, " +
			"MIN(wind_speed_m_s) AS wsp_min, MAX(wind_speed_m_s) AS wsp_max, AVG(wind_speed_m_s) AS wsp_avg, " +
			"MIN(wind_direction_deg) AS wdir_min, MAX(wind_direction_deg) AS wdir_max, AVG(wind_direction_deg) AS wdir_avg").
		Where("device_id = ? AND time >= ?", deviceID, since).
		Scan(&row)
	if res.Error != nil {
		api.SendInternalServerError(c, res.Error)
		return
	}

	c.JSON(http.StatusOK, models.MeasurementSummary{
		DeviceID:            deviceID,
		WindowHours:         hours,
		TemperatureC:        models.FieldSummary{Min: row.TempMin, Max: row.TempMax, Avg: row.TempAvg},
		RelativeHumidityPct: models.FieldSummary{Min: row.HumMin, Max: row.HumMax, Avg: row.HumAvg},
		SolarRadianceWM2:    models.FieldSummary{Min: row.RadMin, Max: row.RadMax, Avg: row.RadAvg},
		WindSpeedMS:         models.FieldSummary{Min: row.WspMin, Max: row.WspMax, Avg: row.WspAvg},
		WindDirectionDeg:    models.FieldSummary{Min: row.WdirMin, Max: row.WdirMax, Avg: row.WdirAvg},
	})
}

// GetReadings lists the raw readings over a trailing window, newest first.
func (api *API) GetReadings(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, models.NewBadPathParameterError("id"))
		return
	}
	hours, ok := windowHours(c)
	if !ok {
		return
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	readings := []models.Measurement{}
	res := api.db.WithContext(c.Request.Context()).
		Where("device_id = ? AND time >= ?", deviceID, since).
		Order("time DESC, id DESC").
		Limit(maxReadingsPage).
		Find(&readings)
	if res.Error != nil {
		api.SendInternalServerError(c, res.Error)
		return
	}
	c.JSON(http.StatusOK, readings)
}

func windowHours(c *gin.Context) (int, bool) {
	v := c.Query("hours")
	if v == "" {
		return defaultWindowHours, true
	}
	hours, err := strconv.Atoi(v)
	if err != nil || hours <= 0 || hours > maxWindowHours {
		c.JSON(http.StatusUnprocessableEntity, models.NewFieldValidationError("hours", fmt.Sprintf("must be a positive integer no greater than %d", maxWindowHours)))
		return 0, false
	}
	return hours, true
}
