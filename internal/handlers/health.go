package handlers

import (
	"net/http"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/database"
	"github.com/otcheredev/ris-dicom-archive/internal/lock"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db     *gorm.DB
	locker lock.Locker
}

func NewHealthHandler(db *gorm.DB, locker lock.Locker) *HealthHandler {
	return &HealthHandler{db: db, locker: locker}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if err := database.Ping(h.db); err != nil {
		response.Services["database"] = "unhealthy"
		response.Status = "degraded"
	} else {
		response.Services["database"] = "healthy"
	}

	if _, _, err := h.locker.State(r.Context(), "health"); err != nil {
		response.Services["lock"] = "unhealthy"
		response.Status = "degraded"
	} else {
		response.Services["lock"] = "healthy"
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := database.Ping(h.db); err != nil {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
