package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Manifest {
	b := NewBuilder("1.2.3")
	_ = b.Add("1.2.3.1", "CT", Instance{SOPInstanceUID: "1.2.3.1.1", SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", TransferSyntaxUID: "1.2.840.10008.1.2.1", FileSize: 100, SourceAETitle: "MODALITY"})
	_ = b.Add("1.2.3.1", "CT", Instance{SOPInstanceUID: "1.2.3.1.2", SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", TransferSyntaxUID: "1.2.840.10008.1.2.1", FileSize: 200})
	_ = b.Add("1.2.3.2", "SR", Instance{SOPInstanceUID: "1.2.3.2.1", SOPClassUID: "1.2.840.10008.5.1.4.1.1.88.11", TransferSyntaxUID: "1.2.840.10008.1.2", FileSize: 50})
	return b.Build()
}

func TestBuilderCounts(t *testing.T) {
	m := sample()
	require.NoError(t, m.Validate())
	assert.Equal(t, 2, m.NumberOfSeries)
	assert.Equal(t, 3, m.NumberOfInstances)
	assert.Equal(t, int64(350), m.Size())
	assert.Equal(t, "1.2.3.1", m.Series[0].SeriesInstanceUID)
	assert.Equal(t, "1.2.3.1.2", m.Series[0].Instances[1].SOPInstanceUID)

	series, inst, ok := m.Find("1.2.3.2.1")
	require.True(t, ok)
	assert.Equal(t, "1.2.3.2", series)
	assert.Equal(t, int64(50), inst.FileSize)
}

func TestBuilderRejectsDuplicateSOP(t *testing.T) {
	b := NewBuilder("1.2.3")
	require.NoError(t, b.Add("s1", "", Instance{SOPInstanceUID: "x"}))
	assert.Error(t, b.Add("s2", "", Instance{SOPInstanceUID: "x"}))
	assert.Equal(t, 1, b.Len())
}

func TestBuilderRemove(t *testing.T) {
	b := From(sample())

	assert.True(t, b.Remove("1.2.3.2.1"))
	assert.False(t, b.Remove("1.2.3.2.1"))
	m := b.Build()
	assert.Equal(t, 1, m.NumberOfSeries)
	assert.Equal(t, 2, m.NumberOfInstances)

	assert.True(t, b.RemoveSeries("1.2.3.1"))
	assert.True(t, b.Build().Empty())
	assert.False(t, b.Contains("1.2.3.1.1"))
}

func TestBuildDoesNotAlias(t *testing.T) {
	b := From(sample())
	m := b.Build()
	require.NoError(t, b.Add("1.2.3.1", "CT", Instance{SOPInstanceUID: "new"}))
	assert.Len(t, m.Series[0].Instances, 2)
}

func TestRoundTrip(t *testing.T) {
	m := sample()

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, Equal(m, decoded))

	buf.Reset()
	require.NoError(t, EncodeCompressed(&buf, m))
	decoded, err = DecodeCompressed(&buf)
	require.NoError(t, err)
	assert.True(t, Equal(m, decoded))

	rebuilt := From(decoded).Build()
	assert.True(t, Equal(m, rebuilt))
}

func TestDecodeRejectsCountMismatch(t *testing.T) {
	doc := `<StudyManifest version="1" studyInstanceUid="1.2.3" numberOfSeries="1" numberOfInstances="2">
  <Series seriesInstanceUid="1.2.3.1" numberOfInstances="1">
    <Instance sopInstanceUid="a" sopClassUid="c" transferSyntaxUid="t" fileSize="1"></Instance>
  </Series>
</StudyManifest>`
	_, err := Decode(bytes.NewBufferString(doc))
	assert.Error(t, err)
}

func TestWriteAndLoadWithFallback(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "1.2.3.xml")
	compressed := filepath.Join(dir, "1.2.3.xml.gz")
	m := sample()

	require.NoError(t, Write(primary, compressed, m))
	loaded, err := Load(primary, compressed)
	require.NoError(t, err)
	assert.True(t, Equal(m, loaded))

	require.NoError(t, os.Remove(primary))
	loaded, err = Load(primary, compressed)
	require.NoError(t, err)
	assert.True(t, Equal(m, loaded))

	require.NoError(t, os.Remove(compressed))
	_, err = Load(primary, compressed)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadCorruptPrimaryFallsBack(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "m.xml")
	compressed := filepath.Join(dir, "m.xml.gz")
	m := sample()
	require.NoError(t, Write(primary, compressed, m))
	require.NoError(t, os.WriteFile(primary, []byte("<broken"), 0o644))

	loaded, err := Load(primary, compressed)
	require.NoError(t, err)
	assert.True(t, Equal(m, loaded))
}
