package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/otcheredev/ris-dicom-archive/internal/lock"
	"github.com/otcheredev/ris-dicom-archive/internal/middleware"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/rules"
	"github.com/otcheredev/ris-dicom-archive/internal/services"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/otcheredev/ris-dicom-archive/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv      *httptest.Server
	store    *repository.Store
	spoolDir string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, func(string) (uint64, error) { return 1 << 40, nil }, 0)
}

func newFixtureWith(t *testing.T, free storage.FreeSpaceFunc, maxUpload int64) *fixture {
	cfg := &config.Config{
		Archive: testutil.Archive(t),
		Lock:    config.LockConfig{Type: "memory", TTL: time.Minute},
		Reindex: config.ReindexConfig{Concurrency: 1},
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE"},
		},
	}
	db := testutil.OpenTestDB(t)
	store := repository.NewStore(db)
	locker := lock.NewMemoryLocker()
	t.Cleanup(func() { _ = locker.Close() })
	locator := storage.NewLocator(cfg.Archive, free)
	svc := services.NewArchiveService(store, locator, locker, &rules.Recorder{}, cfg)

	router := Router(cfg,
		NewHealthHandler(db, locker),
		NewStudyHandler(svc),
		NewStoreHandler(svc, filepath.Join(cfg.Archive.StagingRoot, "stow"), maxUpload),
		NewWorkItemHandler(svc),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, spoolDir: filepath.Join(cfg.Archive.StagingRoot, "stow")}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte, headers ...string) *http.Response {
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) upload(t *testing.T, n int) *http.Response {
	var buf bytes.Buffer
	require.NoError(t, dicomfile.Encode(&buf, testutil.NewDataset(t, testutil.Instance{
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.1",
		SOPInstanceUID:    fmt.Sprintf("1.2.3.1.%d", n),
		PatientsName:      "DOE^JOHN",
		PatientID:         "ID1",
		StudyDate:         "20240101",
	})))
	return f.do(t, http.MethodPost, "/dicom-web/studies", "application/dicom", buf.Bytes(), SourceAETitleHeader, "MODALITY")
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStoreInstance(t *testing.T) {
	f := newFixture(t)

	resp := f.upload(t, 1)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body storeResponse
	decodeBody(t, resp, &body)
	require.Len(t, body.Stored, 1)
	assert.Equal(t, "1.2.3.1.1", body.Stored[0].SOPInstanceUID)
	assert.Zero(t, body.Failed)

	study, err := f.store.GetStudy(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 1, study.NumberOfStudyRelatedInstances)
}

func TestStoreRefusesWhenSpoolIsFull(t *testing.T) {
	var spoolDir string
	f := newFixtureWith(t, func(path string) (uint64, error) {
		if path == spoolDir {
			return 0, nil
		}
		return 1 << 40, nil
	}, 0)
	spoolDir = f.spoolDir

	resp := f.upload(t, 1)
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)

	entries, err := os.ReadDir(f.spoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = f.store.GetStudy(context.Background(), "1.2.3")
	assert.ErrorIs(t, err, archiveerr.ErrNotFound)
}

func TestStoreRejectsOversizeBody(t *testing.T) {
	f := newFixtureWith(t, func(string) (uint64, error) { return 1 << 40, nil }, 64)

	resp := f.upload(t, 1)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	_, err := f.store.GetStudy(context.Background(), "1.2.3")
	assert.ErrorIs(t, err, archiveerr.ErrNotFound)
}

func TestStoreRejectsUnknownPartition(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/dicom-web/studies", "application/dicom", []byte("x"), middleware.PartitionHeader, "NOPE")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/dicom-web/studies", "text/plain", []byte("x"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestEditAndCancel(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.upload(t, 1).StatusCode)

	edit := []byte(`{"edits":[{"tag_path":"PatientID","value":"ID2"}],"reason":"typo","user":"alice"}`)
	resp := f.do(t, http.MethodPost, "/api/v1/studies/1.2.3/edit", "application/json", edit)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var item models.WorkItem
	decodeBody(t, resp, &item)
	assert.Equal(t, models.WorkItemWebEditStudy, item.Type)

	resp = f.do(t, http.MethodPost, "/api/v1/studies/1.2.3/edit", "application/json", edit)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/v1/studies/1.2.3", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/work-items?type=WebEditStudy", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []models.WorkItem
	decodeBody(t, resp, &items)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)

	resp = f.do(t, http.MethodPost, "/api/v1/work-items/"+item.ID.String()+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/work-items/"+item.ID.String()+"/cancel", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/v1/studies/1.2.3", "application/json", []byte(`{"reason":"test"}`))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodDelete, "/api/v1/studies/9.9.9", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/studies/9.9.9/edit", "application/json", []byte(`{"edits":[]}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/studies/9.9.9/edit", "application/json", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/work-items/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/work-items/00000000-0000-0000-0000-000000000001", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReindexAndHealth(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/reindex", "application/json", []byte(`{"user":"ops"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var item models.WorkItem
	decodeBody(t, resp, &item)
	assert.Equal(t, models.WorkItemReindex, item.Type)
	assert.Equal(t, "ops", item.Data.User)

	resp = f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	decodeBody(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Services["database"])

	resp = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := middleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "Internal Server Error"))
}
