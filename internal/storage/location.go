// Package storage resolves where studies live on disk and provides the
// filesystem primitives the mutation commands are built from.
package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
)

const (
	instanceExt         = ".dcm"
	manifestExt         = ".xml"
	compressedExt       = ".xml.gz"
	studyFolderLayout   = "20060102"
	defaultStudyFolderF = "19000101"
)

// Location is the resolved directory of one study
type Location struct {
	FilesystemKey    string
	FilesystemPath   string
	PartitionKey     string
	PartitionFolder  string
	StudyFolder      string
	StudyInstanceUID string
}

// StudyPath is the directory holding the study's series folders and manifest
func (l Location) StudyPath() string {
	return filepath.Join(l.FilesystemPath, l.PartitionFolder, l.StudyFolder, l.StudyInstanceUID)
}

// SeriesPath is the directory of one series
func (l Location) SeriesPath(seriesUID string) string {
	return filepath.Join(l.StudyPath(), seriesUID)
}

// InstancePath is the canonical file of one instance
func (l Location) InstancePath(seriesUID, sopUID string) string {
	return filepath.Join(l.SeriesPath(seriesUID), sopUID+instanceExt)
}

// ManifestPath is the primary manifest file
func (l Location) ManifestPath() string {
	return filepath.Join(l.StudyPath(), l.StudyInstanceUID+manifestExt)
}

// CompressedManifestPath is the compressed twin of the manifest
func (l Location) CompressedManifestPath() string {
	return filepath.Join(l.StudyPath(), l.StudyInstanceUID+compressedExt)
}

// WithStudyInstanceUID returns the location the study would have under a new UID
func (l Location) WithStudyInstanceUID(uid string) Location {
	l.StudyInstanceUID = uid
	return l
}

// Locator resolves locations from storage rows and the archive configuration
type Locator struct {
	cfg  config.ArchiveConfig
	free FreeSpaceFunc
}

// NewLocator creates a locator; free may be nil to use FreeBytes
func NewLocator(cfg config.ArchiveConfig, free FreeSpaceFunc) *Locator {
	if free == nil {
		free = FreeBytes
	}
	return &Locator{cfg: cfg, free: free}
}

// FreeSpace returns the function the locator reads free space with
func (l *Locator) FreeSpace() FreeSpaceFunc {
	return l.free
}

// Config returns the archive configuration the locator resolves against
func (l *Locator) Config() config.ArchiveConfig {
	return l.cfg
}

// Resolve computes the location of a stored study
func (l *Locator) Resolve(row *models.StudyStorage) (Location, error) {
	fs, ok := l.cfg.Filesystem(row.FilesystemKey)
	if !ok {
		return Location{}, fmt.Errorf("study %s references unknown filesystem %q", row.StudyInstanceUID, row.FilesystemKey)
	}
	partition, ok := l.cfg.Partition(row.PartitionKey)
	if !ok {
		return Location{}, fmt.Errorf("study %s references unknown partition %q", row.StudyInstanceUID, row.PartitionKey)
	}
	return Location{
		FilesystemKey:    fs.Key,
		FilesystemPath:   fs.Path,
		PartitionKey:     partition.AETitle,
		PartitionFolder:  partition.Folder,
		StudyFolder:      row.StudyFolder,
		StudyInstanceUID: row.StudyInstanceUID,
	}, nil
}

// SafeName reports whether name can be used as a single path element below
// the archive root
func SafeName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`+"\x00")
}

// Plan chooses the location for a study that is not stored yet
func (l *Locator) Plan(partitionKey, studyUID, studyDate string, now time.Time) (Location, error) {
	if studyUID == "" {
		return Location{}, archiveerr.Validation("study_instance_uid", "must not be empty")
	}
	if !SafeName(studyUID) {
		return Location{}, archiveerr.Validation("study_instance_uid", "%q cannot name a folder", studyUID)
	}
	partition, ok := l.cfg.Partition(partitionKey)
	if !ok {
		return Location{}, archiveerr.Validation("partition", "unknown partition %q", partitionKey)
	}
	fs, err := l.SelectFilesystem()
	if err != nil {
		return Location{}, err
	}
	return Location{
		FilesystemKey:    fs.Key,
		FilesystemPath:   fs.Path,
		PartitionKey:     partition.AETitle,
		PartitionFolder:  partition.Folder,
		StudyFolder:      StudyFolder(studyDate, now),
		StudyInstanceUID: studyUID,
	}, nil
}

// SelectFilesystem picks the writable filesystem with the most free space
func (l *Locator) SelectFilesystem() (config.Filesystem, error) {
	var (
		best     config.Filesystem
		bestFree uint64
		found    bool
	)
	for _, fs := range l.cfg.Filesystems {
		if fs.ReadOnly {
			continue
		}
		free, err := l.free(fs.Path)
		if err != nil {
			continue
		}
		if !found || free > bestFree {
			best, bestFree, found = fs, free, true
		}
	}
	if !found {
		return config.Filesystem{}, fmt.Errorf("no writable filesystem available")
	}
	return best, nil
}

// StudyFolder derives the date folder from a DICOM Study Date, falling back
// to now when the date is absent or malformed
func StudyFolder(studyDate string, now time.Time) string {
	if t, err := time.Parse(studyFolderLayout, studyDate); err == nil {
		return t.Format(studyFolderLayout)
	}
	if now.IsZero() {
		return defaultStudyFolderF
	}
	return now.Format(studyFolderLayout)
}

// Row builds the storage row that records loc
func (loc Location) Row() *models.StudyStorage {
	return &models.StudyStorage{
		StudyInstanceUID: loc.StudyInstanceUID,
		PartitionKey:     loc.PartitionKey,
		FilesystemKey:    loc.FilesystemKey,
		StudyFolder:      loc.StudyFolder,
		Status:           models.StudyStatusOnline,
		QueueState:       models.QueueStateIdle,
	}
}
