package http

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"authme/internal/config"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck handles GET /healthz
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "ok",
		Version:   config.AppVersion,
		Timestamp: time.Now().UTC(),
	})
}
