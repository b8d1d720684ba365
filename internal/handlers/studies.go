package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/services"
)

type StudyHandler struct {
	archiveService *services.ArchiveService
}

func NewStudyHandler(archiveService *services.ArchiveService) *StudyHandler {
	return &StudyHandler{
		archiveService: archiveService,
	}
}

type editRequest struct {
	Edits  []models.TagEdit `json:"edits"`
	Reason string           `json:"reason"`
	User   string           `json:"user"`
}

type deleteRequest struct {
	SeriesUIDs      []string `json:"series_uids"`
	SOPInstanceUIDs []string `json:"sop_instance_uids"`
	Reason          string   `json:"reason"`
	User            string   `json:"user"`
}

// ScheduleEdit schedules a whole-study edit
func (h *StudyHandler) ScheduleEdit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUID")

	var req editRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "Invalid request body")
		return
	}

	item, err := h.archiveService.ScheduleEdit(ctx, studyUID, req.Edits, req.Reason, req.User)
	if err != nil {
		writeError(w, err, "Failed to schedule edit")
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// DeleteStudy schedules the deletion of a study
func (h *StudyHandler) DeleteStudy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUID")

	var req deleteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "Invalid request body")
		return
	}

	item, err := h.archiveService.DeleteStudy(ctx, studyUID, req.Reason, req.User)
	if err != nil {
		writeError(w, err, "Failed to schedule study deletion")
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// DeleteSeries schedules the deletion of series of a study
func (h *StudyHandler) DeleteSeries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUID")

	var req deleteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "Invalid request body")
		return
	}
	if seriesUID := chi.URLParam(r, "seriesUID"); seriesUID != "" {
		req.SeriesUIDs = []string{seriesUID}
	}

	item, err := h.archiveService.DeleteSeries(ctx, studyUID, req.SeriesUIDs, req.Reason, req.User)
	if err != nil {
		writeError(w, err, "Failed to schedule series deletion")
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// DeleteInstances schedules the deletion of instances of a study
func (h *StudyHandler) DeleteInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUID")

	var req deleteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "Invalid request body")
		return
	}

	item, err := h.archiveService.DeleteInstances(ctx, studyUID, req.SOPInstanceUIDs, req.Reason, req.User)
	if err != nil {
		writeError(w, err, "Failed to schedule instance deletion")
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// ScheduleReindex schedules a reindex of every filesystem
func (h *StudyHandler) ScheduleReindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		User string `json:"user"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err, "Invalid request body")
		return
	}

	item, err := h.archiveService.ScheduleReindex(ctx, req.User)
	if err != nil {
		writeError(w, err, "Failed to schedule reindex")
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}
