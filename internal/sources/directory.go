package sources

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/otcheredev/ris-dicom-archive/internal/ingest"
)

// DirectorySource supplies every regular file below Root
type DirectorySource struct {
	Root          string
	Mode          ingest.Mode
	PartitionKey  string
	SourceAETitle string
}

// NewDirectorySource creates a source that copies the files under root
func NewDirectorySource(root string) *DirectorySource {
	return &DirectorySource{Root: root, Mode: ingest.ModeCopy}
}

func (d *DirectorySource) Name() string {
	return "directory:" + d.Root
}

// Each visits the files in lexical order, skipping hidden entries
func (d *DirectorySource) Each(ctx context.Context, fn func(ctx context.Context, req ingest.Request) error) error {
	var files []string
	err := filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != d.Root && strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, ingest.Request{
			Path:          path,
			PartitionKey:  d.PartitionKey,
			SourceAETitle: d.SourceAETitle,
			Mode:          d.Mode,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
