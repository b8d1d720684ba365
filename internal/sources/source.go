// Package sources supplies instances to the importer from a local directory
// tree or a remote DICOMweb archive.
package sources

import (
	"context"
	"fmt"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/ingest"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
)

// Source yields one import request per instance it can supply
type Source interface {
	Name() string
	Each(ctx context.Context, fn func(ctx context.Context, req ingest.Request) error) error
}

// Importer is the part of the ingest importer a source feeds
type Importer interface {
	Import(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// Summary counts the outcome of draining a source
type Summary struct {
	Source     string            `json:"source"`
	Imported   int               `json:"imported"`
	Duplicates int               `json:"duplicates"`
	Failed     int               `json:"failed"`
	Failures   map[string]string `json:"failures,omitempty"`
}

func (s *Summary) fail(key string, err error) {
	s.Failed++
	if s.Failures == nil {
		s.Failures = make(map[string]string)
	}
	s.Failures[key] = err.Error()
}

// Drain imports everything src supplies. A failed instance is counted and
// skipped; running out of disk space stops the drain.
func Drain(ctx context.Context, src Source, importer Importer) (*Summary, error) {
	log := logger.Component("sources").With().Str("source", src.Name()).Logger()
	summary := &Summary{Source: src.Name()}

	err := src.Each(ctx, func(ctx context.Context, req ingest.Request) error {
		res, err := importer.Import(ctx, req)
		if err != nil {
			if archiveerr.IsResourceExhausted(err) {
				return err
			}
			key := req.Path
			if key == "" {
				key = fmt.Sprintf("#%d", summary.Imported+summary.Duplicates+summary.Failed)
			}
			log.Warn().Err(err).Str("path", key).Msg("Failed to import instance")
			summary.fail(key, err)
			return nil
		}
		if res.Duplicate {
			summary.Duplicates++
		} else {
			summary.Imported++
		}
		return nil
	})

	log.Info().
		Int("imported", summary.Imported).
		Int("duplicates", summary.Duplicates).
		Int("failed", summary.Failed).
		Msg("Source drained")
	return summary, err
}
