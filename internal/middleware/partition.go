package middleware

import (
	"context"
	"net/http"

	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/rs/zerolog/log"
)

type contextKey string

const PartitionKey contextKey = "partition"

// PartitionHeader names the archive partition a request targets
const PartitionHeader = "X-Archive-Partition"

// Partition middleware resolves the partition from the X-Archive-Partition
// header, falling back to the default partition
func Partition(cfg config.ArchiveConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			aeTitle := r.Header.Get(PartitionHeader)
			if aeTitle == "" {
				aeTitle = cfg.DefaultPartition
			}

			if _, ok := cfg.Partition(aeTitle); !ok {
				log.Warn().Str("partition", aeTitle).Msg("Unknown partition")
				http.Error(w, "Unknown "+PartitionHeader, http.StatusBadRequest)
				return
			}

			ctx := context.WithValue(r.Context(), PartitionKey, aeTitle)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPartition extracts the partition AE title from context
func GetPartition(ctx context.Context) (string, bool) {
	aeTitle, ok := ctx.Value(PartitionKey).(string)
	return aeTitle, ok
}
