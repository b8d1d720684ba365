package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ARCHIVE_FILESYSTEMS", "fs1=/data/fs1, fs2=/data/fs2:ro")
	t.Setenv("ARCHIVE_PARTITIONS", "ARCHIVE=archive,RESEARCH=research")
	t.Setenv("ARCHIVE_DEFAULT_PARTITION", "RESEARCH")
	t.Setenv("ARCHIVE_ALLOW_CONVERT_TO_UNICODE", "false")
	t.Setenv("REINDEX_CONCURRENCY", "8")
	t.Setenv("DB_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []Filesystem{
		{Key: "fs1", Path: "/data/fs1"},
		{Key: "fs2", Path: "/data/fs2", ReadOnly: true},
	}, cfg.Archive.Filesystems)
	assert.Len(t, cfg.Archive.Partitions, 2)
	assert.False(t, cfg.Archive.AllowConvertToUnicode)
	assert.Equal(t, 8, cfg.Reindex.Concurrency)

	p, ok := cfg.Archive.Partition("RESEARCH")
	require.True(t, ok)
	assert.Equal(t, "research", p.Folder)
}

func TestValidateRejectsUnknownPartition(t *testing.T) {
	t.Setenv("ARCHIVE_DEFAULT_PARTITION", "NOPE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsMalformedFilesystems(t *testing.T) {
	t.Setenv("ARCHIVE_FILESYSTEMS", "justapath")

	_, err := Load()
	assert.Error(t, err)
}
