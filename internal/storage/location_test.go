package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArchive() config.ArchiveConfig {
	return config.ArchiveConfig{
		Filesystems: []config.Filesystem{
			{Key: "fs1", Path: "/data/fs1"},
			{Key: "fs2", Path: "/data/fs2"},
			{Key: "ro", Path: "/data/ro", ReadOnly: true},
		},
		Partitions: []config.Partition{{AETitle: "ARCHIVE", Folder: "archive"}},
	}
}

func fixedFree(free map[string]uint64) FreeSpaceFunc {
	return func(path string) (uint64, error) {
		return free[path], nil
	}
}

func TestResolveLayout(t *testing.T) {
	l := NewLocator(testArchive(), fixedFree(nil))

	loc, err := l.Resolve(&models.StudyStorage{
		StudyInstanceUID: "1.2.3",
		PartitionKey:     "ARCHIVE",
		FilesystemKey:    "fs2",
		StudyFolder:      "20240131",
	})
	require.NoError(t, err)

	assert.Equal(t, "/data/fs2/archive/20240131/1.2.3", loc.StudyPath())
	assert.Equal(t, "/data/fs2/archive/20240131/1.2.3/1.2.3.4/1.2.3.4.5.dcm", loc.InstancePath("1.2.3.4", "1.2.3.4.5"))
	assert.Equal(t, "/data/fs2/archive/20240131/1.2.3/1.2.3.xml", loc.ManifestPath())
	assert.Equal(t, "/data/fs2/archive/20240131/1.2.3/1.2.3.xml.gz", loc.CompressedManifestPath())

	moved := loc.WithStudyInstanceUID("9.9")
	assert.Equal(t, "/data/fs2/archive/20240131/9.9", moved.StudyPath())
	assert.Equal(t, "/data/fs2/archive/20240131/1.2.3", loc.StudyPath())
}

func TestResolveUnknownFilesystem(t *testing.T) {
	l := NewLocator(testArchive(), fixedFree(nil))
	_, err := l.Resolve(&models.StudyStorage{StudyInstanceUID: "1", PartitionKey: "ARCHIVE", FilesystemKey: "nope"})
	assert.Error(t, err)
}

func TestPlanPicksFilesystemWithMostSpace(t *testing.T) {
	l := NewLocator(testArchive(), fixedFree(map[string]uint64{
		"/data/fs1": 10,
		"/data/fs2": 20,
		"/data/ro":  100,
	}))

	loc, err := l.Plan("ARCHIVE", "1.2.3", "bogus", time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "fs2", loc.FilesystemKey)
	assert.Equal(t, "20250304", loc.StudyFolder)

	_, err = l.Plan("ARCHIVE", "", "", time.Now())
	assert.True(t, archiveerr.IsValidation(err))
}

func TestPlanRejectsUnsafeStudyUID(t *testing.T) {
	l := NewLocator(testArchive(), fixedFree(map[string]uint64{"/data/fs1": 10, "/data/fs2": 20}))
	for _, uid := range []string{"..", "../1.2", "1.2/3", `1\2`} {
		_, err := l.Plan("ARCHIVE", uid, "", time.Now())
		assert.True(t, archiveerr.IsValidation(err), uid)
	}
	assert.True(t, SafeName("1.2.3"))
	assert.False(t, SafeName("."))
}

func TestStudyFolder(t *testing.T) {
	assert.Equal(t, "20200229", StudyFolder("20200229", time.Time{}))
	assert.Equal(t, "19000101", StudyFolder("", time.Time{}))
}

func TestCheckFreeSpace(t *testing.T) {
	free := fixedFree(map[string]uint64{"/x": 1024})
	assert.NoError(t, CheckFreeSpace(free, "/x", 512))
	err := CheckFreeSpace(free, "/x", 4096)
	assert.True(t, archiveerr.IsResourceExhausted(err))
}

func TestEnsureDirReportsTopmostCreated(t *testing.T) {
	root := t.TempDir()
	created, err := EnsureDir(filepath.Join(root, "a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a"), created)

	created, err = EnsureDir(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestWriteFileAtomicAndMove(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "nested", "src.bin")
	require.NoError(t, WriteFileAtomic(src, func(w io.Writer) error {
		_, err := w.Write([]byte("payload"))
		return err
	}))

	dst := filepath.Join(root, "other", "dst.bin")
	require.NoError(t, MoveFile(src, dst))
	assert.False(t, Exists(src))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	alias := AliasPath(dst)
	assert.Contains(t, alias, ".dup.bin")
	assert.NotEqual(t, alias, AliasPath(dst))
}
