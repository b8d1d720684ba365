package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/services"
)

type WorkItemHandler struct {
	archiveService *services.ArchiveService
}

func NewWorkItemHandler(archiveService *services.ArchiveService) *WorkItemHandler {
	return &WorkItemHandler{
		archiveService: archiveService,
	}
}

// ListWorkItems lists work items, filtered by type, status and study
func (h *WorkItemHandler) ListWorkItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := repository.WorkItemFilter{
		Type:             models.WorkItemType(q.Get("type")),
		Status:           models.WorkItemStatus(q.Get("status")),
		StudyInstanceUID: q.Get("study_uid"),
		Limit:            100,
	}
	if limit := q.Get("limit"); limit != "" {
		filter.Limit, _ = strconv.Atoi(limit)
	}
	if offset := q.Get("offset"); offset != "" {
		filter.Offset, _ = strconv.Atoi(offset)
	}

	items, err := h.archiveService.ListWorkItems(ctx, filter)
	if err != nil {
		writeError(w, err, "Failed to list work items")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// GetWorkItem retrieves a work item
func (h *WorkItemHandler) GetWorkItem(w http.ResponseWriter, r *http.Request) {
	id, ok := workItemID(w, r)
	if !ok {
		return
	}

	item, err := h.archiveService.GetWorkItem(r.Context(), id)
	if err != nil {
		writeError(w, err, "Failed to get work item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// CancelWorkItem cancels a pending work item
func (h *WorkItemHandler) CancelWorkItem(w http.ResponseWriter, r *http.Request) {
	id, ok := workItemID(w, r)
	if !ok {
		return
	}

	item, err := h.archiveService.CancelWorkItem(r.Context(), id)
	if err != nil {
		writeError(w, err, "Failed to cancel work item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func workItemID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid work item ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
