package api

import (
	"net/http"
	"time"

	"github.com/meetassist/scribe-engine/internal/database"
	"github.com/meetassist/scribe-engine/internal/mqttbridge"
	"github.com/meetassist/scribe-engine/internal/pipeline"
	"github.com/meetassist/scribe-engine/internal/quota"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Pipeline      string            `json:"pipeline"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	ctrl      *pipeline.Controller
	db        *database.DB
	mqtt      *mqttbridge.Bridge
	quota     *quota.Client
	version   string
	startTime time.Time
}

func NewHealthHandler(ctrl *pipeline.Controller, db *database.DB, mqtt *mqttbridge.Bridge, q *quota.Client, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		ctrl:      ctrl,
		db:        db,
		mqtt:      mqtt,
		quota:     q,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.quota.Enabled() {
		if remaining, ok := h.quota.LastKnown(); ok {
			if remaining > 0 {
				checks["quota"] = "ok"
			} else {
				checks["quota"] = "exhausted"
				if status == "healthy" {
					status = "degraded"
				}
			}
		} else {
			checks["quota"] = "unknown"
		}
	} else {
		checks["quota"] = "not_configured"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Pipeline:      h.ctrl.State(),
		Checks:        checks,
	})
}
