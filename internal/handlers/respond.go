package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/rs/zerolog/log"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps the archive error taxonomy onto HTTP status codes
func writeError(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		status = http.StatusRequestEntityTooLarge
	case archiveerr.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, archiveerr.ErrNotFound):
		status = http.StatusNotFound
	case archiveerr.IsLockConflict(err), errors.Is(err, archiveerr.ErrConflict):
		status = http.StatusConflict
	case archiveerr.IsCharacterSet(err):
		status = http.StatusUnprocessableEntity
	case archiveerr.IsResourceExhausted(err):
		status = http.StatusInsufficientStorage
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}
	log.Warn().Err(err).Int("status", status).Msg(msg)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return archiveerr.Validation("body", "invalid JSON: %v", err)
	}
	return nil
}
