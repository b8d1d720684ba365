package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/otcheredev/ris-dicom-archive/internal/ingest"
	"github.com/otcheredev/ris-dicom-archive/internal/middleware"
	"github.com/otcheredev/ris-dicom-archive/internal/services"
	"github.com/rs/zerolog/log"
)

// SourceAETitleHeader names the AE title the instances are recorded as coming from
const SourceAETitleHeader = "X-Source-AE-Title"

type StoreHandler struct {
	archiveService *services.ArchiveService
	spoolDir       string
	maxBytes       int64
}

// NewStoreHandler creates a STOW handler spooling uploads under spoolDir.
// Request bodies larger than maxBytes are rejected; zero disables the cap.
func NewStoreHandler(archiveService *services.ArchiveService, spoolDir string, maxBytes int64) *StoreHandler {
	return &StoreHandler{
		archiveService: archiveService,
		spoolDir:       spoolDir,
		maxBytes:       maxBytes,
	}
}

type storedInstance struct {
	StudyInstanceUID  string `json:"study_instance_uid,omitempty"`
	SeriesInstanceUID string `json:"series_instance_uid,omitempty"`
	SOPInstanceUID    string `json:"sop_instance_uid,omitempty"`
	Duplicate         bool   `json:"duplicate,omitempty"`
	Error             string `json:"error,omitempty"`
}

type storeResponse struct {
	Stored []storedInstance `json:"stored"`
	Failed int              `json:"failed"`
}

// StoreInstances handles STOW-RS style uploads: a single application/dicom
// body or a multipart/related body with one instance per part
func (h *StoreHandler) StoreInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	partition, _ := middleware.GetPartition(ctx)
	aeTitle := r.Header.Get(SourceAETitleHeader)

	if h.maxBytes > 0 {
		if r.ContentLength > h.maxBytes {
			writeError(w, &http.MaxBytesError{Limit: h.maxBytes}, "Upload too large")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}
	if err := h.prepareSpool(r.ContentLength); err != nil {
		writeError(w, err, "Failed to store instances")
		return
	}

	var resp storeResponse
	store := func(body io.Reader) error {
		path, err := h.spool(body)
		if err != nil {
			return err
		}
		defer func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Str("path", path).Msg("Failed to remove spool file")
			}
		}()

		res, err := h.archiveService.Import(ctx, ingest.Request{
			Path:          path,
			PartitionKey:  partition,
			SourceAETitle: aeTitle,
			Mode:          ingest.ModeMove,
		})
		if err != nil {
			resp.Failed++
			resp.Stored = append(resp.Stored, storedInstance{Error: err.Error()})
			log.Warn().Err(err).Msg("Failed to store instance")
			return nil
		}
		resp.Stored = append(resp.Stored, storedInstance{
			StudyInstanceUID:  res.StudyInstanceUID,
			SeriesInstanceUID: res.SeriesInstanceUID,
			SOPInstanceUID:    res.SOPInstanceUID,
			Duplicate:         res.Duplicate,
		})
		return nil
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, "Invalid Content-Type", http.StatusUnsupportedMediaType)
		return
	}

	switch mediaType {
	case "application/dicom":
		err = store(r.Body)
	case "multipart/related":
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, perr := mr.NextPart()
			if errors.Is(perr, io.EOF) {
				break
			}
			if perr != nil {
				err = fmt.Errorf("failed to read multipart body: %w", perr)
				break
			}
			if err = store(part); err != nil {
				break
			}
		}
	default:
		http.Error(w, "Content-Type must be application/dicom or multipart/related", http.StatusUnsupportedMediaType)
		return
	}
	if err != nil {
		writeError(w, err, "Failed to store instances")
		return
	}

	status := http.StatusOK
	switch {
	case len(resp.Stored) == 0:
		status = http.StatusBadRequest
	case resp.Failed == len(resp.Stored):
		status = http.StatusConflict
	case resp.Failed > 0:
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// prepareSpool creates the spool directory and checks it can take incoming
// bytes; incoming is -1 when the request length is unknown.
func (h *StoreHandler) prepareSpool(incoming int64) error {
	if err := os.MkdirAll(h.spoolDir, 0o755); err != nil {
		return err
	}
	return h.archiveService.CheckSpoolSpace(h.spoolDir, incoming)
}

func (h *StoreHandler) spool(body io.Reader) (string, error) {
	if err := h.prepareSpool(-1); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(h.spoolDir, "stow-*.dcm")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to spool upload: %w", err)
	}
	return f.Name(), nil
}
