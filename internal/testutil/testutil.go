// Package testutil builds databases, archive layouts and DICOM instances for tests.
package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/database"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gorm.io/gorm"
)

// Partition is the partition AE title used by test archives
const Partition = "ARCHIVE"

// SecondaryCaptureStorage is the SOP class of the instances built by NewDataset
const SecondaryCaptureStorage = "1.2.840.10008.5.1.4.1.1.7"

// OpenTestDB opens a private in-memory sqlite database with the schema migrated
func OpenTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(database.Config{
		Driver:     "sqlite",
		SQLitePath: fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8]),
		LogLevel:   "silent",
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close(db)
	})
	return db
}

// Archive returns an archive configuration rooted in a temporary directory
// with one writable filesystem and one partition
func Archive(t testing.TB) config.ArchiveConfig {
	t.Helper()
	root := t.TempDir()
	return config.ArchiveConfig{
		Filesystems:              []config.Filesystem{{Key: "fs1", Path: filepath.Join(root, "fs1")}},
		Partitions:               []config.Partition{{AETitle: Partition, Folder: "archive"}},
		DefaultPartition:         Partition,
		StagingRoot:              filepath.Join(root, "staging"),
		AllowConvertToUnicode:    true,
		PatientNameCaseSensitive: true,
		BackupOnEdit:             true,
		ModifyingSystem:          "TEST",
	}
}

// Instance describes a test instance. Empty fields get defaults.
type Instance struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	PatientsName      string
	PatientID         string
	IssuerOfPatientID string
	PatientsSex       string
	AccessionNumber   string
	StudyDate         string
	StudyDescription  string
	Modality          string
	CharacterSet      string
	PixelBytes        int
}

// NewDataset builds an in-memory instance with file meta information
func NewDataset(t testing.TB, in Instance) *dicom.Dataset {
	t.Helper()
	if in.StudyInstanceUID == "" {
		in.StudyInstanceUID = "1.2.3"
	}
	if in.SeriesInstanceUID == "" {
		in.SeriesInstanceUID = in.StudyInstanceUID + ".1"
	}
	if in.SOPInstanceUID == "" {
		in.SOPInstanceUID = in.SeriesInstanceUID + ".1"
	}
	if in.Modality == "" {
		in.Modality = "OT"
	}

	ds := &dicom.Dataset{}
	put := func(t0 tag.Tag, data interface{}) {
		elem, err := dicom.NewElement(t0, data)
		if err != nil {
			t.Fatalf("failed to build %s: %v", t0, err)
		}
		ds.Elements = dicomfile.Put(ds.Elements, elem)
	}
	putString := func(t0 tag.Tag, value string) {
		if value != "" {
			put(t0, []string{value})
		}
	}

	put(tag.FileMetaInformationVersion, []byte{0x00, 0x01})
	put(tag.MediaStorageSOPClassUID, []string{SecondaryCaptureStorage})
	put(tag.MediaStorageSOPInstanceUID, []string{in.SOPInstanceUID})
	put(tag.TransferSyntaxUID, []string{dicomfile.ExplicitVRLittleEndian})
	put(tag.ImplementationClassUID, []string{"1.2.826.0.1.3680043.10.1"})

	putString(tag.SpecificCharacterSet, in.CharacterSet)
	put(tag.SOPClassUID, []string{SecondaryCaptureStorage})
	put(tag.SOPInstanceUID, []string{in.SOPInstanceUID})
	putString(tag.StudyDate, in.StudyDate)
	putString(tag.AccessionNumber, in.AccessionNumber)
	put(tag.Modality, []string{in.Modality})
	putString(tag.StudyDescription, in.StudyDescription)
	putString(tag.PatientName, in.PatientsName)
	putString(tag.PatientID, in.PatientID)
	putString(tag.IssuerOfPatientID, in.IssuerOfPatientID)
	putString(tag.PatientSex, in.PatientsSex)
	put(tag.StudyInstanceUID, []string{in.StudyInstanceUID})
	put(tag.SeriesInstanceUID, []string{in.SeriesInstanceUID})
	put(tag.SeriesNumber, []string{"1"})
	if in.PixelBytes > 0 {
		put(tag.ImageComments, []string{strings.Repeat("x", in.PixelBytes)})
	}
	return ds
}

// WriteInstance saves ds at path and returns path
func WriteInstance(t testing.TB, path string, ds *dicom.Dataset) string {
	t.Helper()
	if err := dicomfile.Save(path, ds); err != nil {
		t.Fatalf("failed to write instance %s: %v", path, err)
	}
	return path
}
