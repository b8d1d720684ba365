package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/ingest"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
)

const (
	tagStudyInstanceUID  = "0020000D"
	tagSeriesInstanceUID = "0020000E"
	tagSOPInstanceUID    = "00080018"
)

// InstanceRef identifies an instance on the remote archive
type InstanceRef struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// DICOMWebSource pulls instances with QIDO-RS and WADO-RS
type DICOMWebSource struct {
	client        *http.Client
	baseURL       string
	username      string
	password      string
	apiKey        string
	sourceAETitle string
	tempDir       string

	// StudyInstanceUIDs limits the pull to these studies; empty pulls every
	// study the remote reports
	StudyInstanceUIDs []string
	PartitionKey      string

	log zerolog.Logger
}

// NewDICOMWebSource creates a source for the archive at cfg.URL. Retrieved
// instances are spooled under tempDir before import.
func NewDICOMWebSource(cfg config.DICOMWebConfig, tempDir string) (*DICOMWebSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("DICOMweb URL is not configured")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid DICOMweb URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DICOMWebSource{
		client:        &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		username:      cfg.Username,
		password:      cfg.Password,
		apiKey:        cfg.APIKey,
		sourceAETitle: cfg.SourceAETitle,
		tempDir:       tempDir,
		log:           logger.Component("dicomweb"),
	}, nil
}

func (d *DICOMWebSource) Name() string {
	return "dicomweb:" + d.baseURL
}

// Each retrieves every instance of the selected studies and hands it to fn
// as a move from a spool file
func (d *DICOMWebSource) Each(ctx context.Context, fn func(ctx context.Context, req ingest.Request) error) error {
	studies := d.StudyInstanceUIDs
	if len(studies) == 0 {
		var err error
		if studies, err = d.FindStudies(ctx); err != nil {
			return err
		}
	}

	for _, studyUID := range studies {
		refs, err := d.FindInstances(ctx, studyUID)
		if err != nil {
			return err
		}
		d.log.Info().Str("study_uid", studyUID).Int("instances", len(refs)).Msg("Retrieving study")
		for _, ref := range refs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := d.each(ctx, ref, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *DICOMWebSource) each(ctx context.Context, ref InstanceRef, fn func(ctx context.Context, req ingest.Request) error) error {
	path, err := d.Retrieve(ctx, ref)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.log.Warn().Err(err).Str("path", path).Msg("Failed to remove spool file")
		}
	}()
	return fn(ctx, ingest.Request{
		Path:          path,
		PartitionKey:  d.PartitionKey,
		SourceAETitle: d.sourceAETitle,
		Mode:          ingest.ModeMove,
	})
}

// FindStudies lists the Study Instance UIDs known to the remote (QIDO-RS)
func (d *DICOMWebSource) FindStudies(ctx context.Context) ([]string, error) {
	var results []dicomJSON
	if err := d.query(ctx, "/studies?includefield="+tagStudyInstanceUID, &results); err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(results))
	for _, r := range results {
		if uid := r.String(tagStudyInstanceUID); uid != "" {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

// FindInstances lists the instances of a study (QIDO-RS)
func (d *DICOMWebSource) FindInstances(ctx context.Context, studyUID string) ([]InstanceRef, error) {
	var results []dicomJSON
	if err := d.query(ctx, "/studies/"+url.PathEscape(studyUID)+"/instances", &results); err != nil {
		return nil, err
	}
	refs := make([]InstanceRef, 0, len(results))
	for _, r := range results {
		ref := InstanceRef{
			StudyInstanceUID:  r.String(tagStudyInstanceUID),
			SeriesInstanceUID: r.String(tagSeriesInstanceUID),
			SOPInstanceUID:    r.String(tagSOPInstanceUID),
		}
		if ref.StudyInstanceUID == "" {
			ref.StudyInstanceUID = studyUID
		}
		if ref.SeriesInstanceUID == "" || ref.SOPInstanceUID == "" {
			d.log.Warn().Str("study_uid", studyUID).Msg("Skipping QIDO result without series or SOP instance UID")
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Retrieve downloads one instance (WADO-RS) into a spool file and returns
// its path
func (d *DICOMWebSource) Retrieve(ctx context.Context, ref InstanceRef) (string, error) {
	retrieveURL := fmt.Sprintf("%s/studies/%s/series/%s/instances/%s", d.baseURL,
		url.PathEscape(ref.StudyInstanceUID), url.PathEscape(ref.SeriesInstanceUID), url.PathEscape(ref.SOPInstanceUID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, retrieveURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	d.addAuth(req)
	req.Header.Set("Accept", `multipart/related; type="application/dicom", application/dicom`)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("DICOMweb returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := instanceBody(resp)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(d.tempDir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(d.tempDir, ref.SOPInstanceUID+"-*.dcm")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to spool instance %s: %w", ref.SOPInstanceUID, err)
	}

	d.log.Debug().
		Str("sop_uid", ref.SOPInstanceUID).
		Str("size", humanize.IBytes(uint64(n))).
		Msg("Instance retrieved")
	return f.Name(), nil
}

// instanceBody returns the first part of a multipart/related response or
// the body itself
func instanceBody(resp *http.Response) (io.Reader, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return resp.Body, nil
	}
	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	if err != nil {
		return nil, fmt.Errorf("failed to read multipart response: %w", err)
	}
	return part, nil
}

func (d *DICOMWebSource) query(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	d.addAuth(req)
	req.Header.Set("Accept", "application/dicom+json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("DICOMweb returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// addAuth adds authentication to the request
func (d *DICOMWebSource) addAuth(req *http.Request) {
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	} else if d.username != "" && d.password != "" {
		req.SetBasicAuth(d.username, d.password)
	}
}

// Close releases idle connections
func (d *DICOMWebSource) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// dicomJSON is one dataset of a DICOM JSON response
type dicomJSON map[string]struct {
	VR    string        `json:"vr"`
	Value []interface{} `json:"Value"`
}

// String returns the first value of an attribute as a string
func (r dicomJSON) String(tag string) string {
	attr, ok := r[tag]
	if !ok || len(attr.Value) == 0 {
		return ""
	}
	if s, ok := attr.Value[0].(string); ok {
		return s
	}
	return fmt.Sprint(attr.Value[0])
}
