package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/otcheredev/ris-dicom-archive/internal/ingest"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/otcheredev/ris-dicom-archive/internal/testutil"
	"github.com/otcheredev/ris-dicom-archive/internal/workqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImporter(t *testing.T) (*ingest.Importer, *repository.Store) {
	cfg := testutil.Archive(t)
	store := repository.NewStore(testutil.OpenTestDB(t))
	locator := storage.NewLocator(cfg, func(string) (uint64, error) { return 1 << 40, nil })
	return ingest.NewImporter(store, locator, workqueue.New(store), config.IngestConfig{}), store
}

func instance(n int) testutil.Instance {
	return testutil.Instance{
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.1",
		SOPInstanceUID:    fmt.Sprintf("1.2.3.1.%d", n),
		PatientsName:      "DOE^JOHN",
		PatientID:         "ID1",
		StudyDate:         "20240101",
	}
}

func TestDirectorySource(t *testing.T) {
	ctx := context.Background()
	importer, store := newImporter(t)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0o755))
	testutil.WriteInstance(t, filepath.Join(root, "a.dcm"), testutil.NewDataset(t, instance(1)))
	testutil.WriteInstance(t, filepath.Join(root, "nested", "b.dcm"), testutil.NewDataset(t, instance(2)))
	testutil.WriteInstance(t, filepath.Join(root, ".hidden", "c.dcm"), testutil.NewDataset(t, instance(3)))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("not dicom"), 0o644))

	src := NewDirectorySource(root)
	src.SourceAETitle = "SCANNER"

	summary, err := Drain(ctx, src, importer)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Imported)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Failures, filepath.Join(root, "notes.txt"))

	study, err := store.GetStudy(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 2, study.NumberOfStudyRelatedInstances)

	assert.FileExists(t, filepath.Join(root, "a.dcm"))
}

type stubImporter struct {
	calls int
	err   func(n int) error
}

func (s *stubImporter) Import(ctx context.Context, req ingest.Request) (*ingest.Result, error) {
	s.calls++
	if err := s.err(s.calls); err != nil {
		return nil, err
	}
	return &ingest.Result{Duplicate: s.calls == 2}, nil
}

func TestDrainStopsWhenDiskIsFull(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 4; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, fmt.Sprintf("%d.dcm", i)), []byte("x"), 0o644))
	}

	stub := &stubImporter{err: func(n int) error {
		if n == 3 {
			return &archiveerr.ResourceExhaustedError{Path: root}
		}
		return nil
	}}

	summary, err := Drain(context.Background(), NewDirectorySource(root), stub)
	assert.True(t, archiveerr.IsResourceExhausted(err))
	assert.Equal(t, 3, stub.calls)
	assert.Equal(t, 1, summary.Imported)
	assert.Equal(t, 1, summary.Duplicates)
}

func TestDrainCountsFailures(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, fmt.Sprintf("%d.dcm", i)), []byte("x"), 0o644))
	}
	stub := &stubImporter{err: func(n int) error {
		if n == 1 {
			return errors.New("broken")
		}
		return nil
	}}

	summary, err := Drain(context.Background(), NewDirectorySource(root), stub)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Imported)
	assert.Equal(t, 1, summary.Duplicates)
}

// remoteArchive serves QIDO-RS and WADO-RS for study 1.2.3. Instance 1 is
// returned as multipart/related, the others as plain application/dicom.
func remoteArchive(t *testing.T, n int) *httptest.Server {
	encoded := make(map[string][]byte)
	var qido []map[string]interface{}
	for i := 1; i <= n; i++ {
		in := instance(i)
		var buf bytes.Buffer
		require.NoError(t, dicomfile.Encode(&buf, testutil.NewDataset(t, in)))
		encoded[in.SOPInstanceUID] = buf.Bytes()
		qido = append(qido, map[string]interface{}{
			tagStudyInstanceUID:  map[string]interface{}{"vr": "UI", "Value": []string{in.StudyInstanceUID}},
			tagSeriesInstanceUID: map[string]interface{}{"vr": "UI", "Value": []string{in.SeriesInstanceUID}},
			tagSOPInstanceUID:    map[string]interface{}{"vr": "UI", "Value": []string{in.SOPInstanceUID}},
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dicom-web/studies", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dicom+json")
		fmt.Fprintf(w, `[{"%s":{"vr":"UI","Value":["1.2.3"]}}]`, tagStudyInstanceUID)
	})
	mux.HandleFunc("/dicom-web/studies/1.2.3/instances", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/dicom+json")
		writeJSON(t, w, qido)
	})
	mux.HandleFunc("/dicom-web/studies/1.2.3/series/1.2.3.1/instances/", func(w http.ResponseWriter, r *http.Request) {
		sop := filepath.Base(r.URL.Path)
		data, ok := encoded[sop]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if sop != "1.2.3.1.1" {
			w.Header().Set("Content-Type", "application/dicom")
			_, _ = w.Write(data)
			return
		}
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", `multipart/related; type="application/dicom"; boundary=`+mw.Boundary())
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/dicom"}})
		if err == nil {
			_, _ = part.Write(data)
		}
		_ = mw.Close()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("failed to encode response: %v", err)
	}
}

func TestDICOMWebSource(t *testing.T) {
	ctx := context.Background()
	importer, store := newImporter(t)
	srv := remoteArchive(t, 3)
	spool := t.TempDir()

	src, err := NewDICOMWebSource(config.DICOMWebConfig{
		URL:           srv.URL + "/dicom-web/",
		APIKey:        "secret",
		SourceAETitle: "REMOTE",
	}, spool)
	require.NoError(t, err)
	defer src.Close()

	studies, err := src.FindStudies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3"}, studies)

	summary, err := Drain(ctx, src, importer)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Imported)
	assert.Zero(t, summary.Failed)

	study, err := store.GetStudy(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 3, study.NumberOfStudyRelatedInstances)

	left, err := os.ReadDir(spool)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDICOMWebSourceErrors(t *testing.T) {
	srv := remoteArchive(t, 1)

	_, err := NewDICOMWebSource(config.DICOMWebConfig{}, t.TempDir())
	assert.Error(t, err)

	src, err := NewDICOMWebSource(config.DICOMWebConfig{URL: srv.URL + "/dicom-web"}, t.TempDir())
	require.NoError(t, err)
	src.StudyInstanceUIDs = []string{"1.2.3"}

	err = src.Each(context.Background(), func(ctx context.Context, req ingest.Request) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = src.Retrieve(context.Background(), InstanceRef{StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.1", SOPInstanceUID: "9.9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
