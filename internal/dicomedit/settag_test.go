package dicomedit

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/otcheredev/ris-dicom-archive/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func opts(allowUnicode bool) Options {
	return Options{
		AllowConvertToUnicode: allowUnicode,
		ModifyingSystem:       "TEST",
		Now:                   time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		Log:                   zerolog.Nop(),
	}
}

func auditItems(ds *dicom.Dataset) int {
	elem, _ := dicomfile.Find(ds.Elements, originalAttributesSequence)
	return len(sequenceItems(elem))
}

func TestParseTagPathForms(t *testing.T) {
	for _, in := range []string{"(0010,0020)", "00100020", "PatientID", " (0010,0020) "} {
		p, err := ParseTagPath(in)
		require.NoError(t, err, in)
		assert.True(t, p.Is(tag.PatientID), in)
		assert.Equal(t, "(0010,0020)", p.String())
	}

	p, err := ParseTagPath("(0040,0275)[1]/ScheduledProcedureStepID")
	require.NoError(t, err)
	require.Len(t, p.Segments, 2)
	assert.Equal(t, 1, p.Segments[0].Item)
	assert.Equal(t, tag.ScheduledProcedureStepID, p.Leaf())
	assert.Equal(t, "(0040,0275)[1]/(0040,0009)", p.String())

	for _, bad := range []string{"", "NotATag", "(0040,0275)[x]/(0040,0009)", "(0040,0275)[1"} {
		_, err := ParseTagPath(bad)
		assert.True(t, archiveerr.IsValidation(err), bad)
	}
}

func TestApplyRecordsOriginalAndAudit(t *testing.T) {
	ds := testutil.NewDataset(t, testutil.Instance{PatientsName: "DOE^JOHN", PatientID: "ID1"})
	edit, err := NewSetTag("PatientID", "ID2")
	require.NoError(t, err)
	edit.OriginalValue = "caller supplied"

	res, err := edit.Apply(ds, opts(false))
	require.NoError(t, err)
	assert.Equal(t, "ID1", res.OriginalValue)
	assert.Equal(t, "ID1", edit.OriginalValue)
	assert.Equal(t, "ID2", res.NewValue)
	assert.Equal(t, "ID2", dicomfile.String(ds, tag.PatientID))
	assert.Equal(t, 1, auditItems(ds))

	_, err = edit.Apply(ds, opts(false))
	require.NoError(t, err)
	assert.Equal(t, 2, auditItems(ds))
}

func TestApplyTruncatesToVRLimit(t *testing.T) {
	ds := testutil.NewDataset(t, testutil.Instance{AccessionNumber: "A1"})
	edit, err := NewSetTag("AccessionNumber", "0123456789ABCDEFGHIJ")
	require.NoError(t, err)

	res, err := edit.Apply(ds, opts(false))
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, "0123456789ABCDEF", dicomfile.String(ds, tag.AccessionNumber))
}

func TestApplyTruncatesPersonNamePerGroup(t *testing.T) {
	values, changed := truncate("PN", []string{strings.Repeat("A", 70) + "=ABC"})
	assert.True(t, changed)
	assert.Equal(t, 64+4, len([]rune(values[0])))
}

func TestPatientSexIsCoerced(t *testing.T) {
	for in, want := range map[string]string{"M": "M", "F": "F", "X": "O", "": "O", "male": "O"} {
		ds := testutil.NewDataset(t, testutil.Instance{PatientsSex: "M"})
		edit, err := NewSetTag("PatientSex", in)
		require.NoError(t, err)
		_, err = edit.Apply(ds, opts(false))
		require.NoError(t, err)
		assert.Equal(t, want, dicomfile.String(ds, tag.PatientSex), in)
	}
}

func TestCharacterSetGuard(t *testing.T) {
	t.Run("representable keeps character set", func(t *testing.T) {
		ds := testutil.NewDataset(t, testutil.Instance{PatientsName: "DOE^JOHN", CharacterSet: "ISO_IR 100"})
		edit, _ := NewSetTag("PatientName", "MÜLLER^HANS")
		res, err := edit.Apply(ds, opts(false))
		require.NoError(t, err)
		assert.False(t, res.ConvertedToUnicode)
		assert.Equal(t, []string{"ISO_IR 100"}, dicomfile.CharacterSet(ds))
	})

	t.Run("unicode disabled fails and leaves dataset", func(t *testing.T) {
		ds := testutil.NewDataset(t, testutil.Instance{PatientsName: "DOE^JOHN"})
		before := len(ds.Elements)
		edit, _ := NewSetTag("PatientName", "山田^太郎")
		_, err := edit.Apply(ds, opts(false))
		assert.True(t, archiveerr.IsCharacterSet(err))
		assert.Equal(t, "DOE^JOHN", dicomfile.String(ds, tag.PatientName))
		assert.Empty(t, dicomfile.CharacterSet(ds))
		assert.Len(t, ds.Elements, before)
	})

	t.Run("unicode enabled converts the file", func(t *testing.T) {
		ds := testutil.NewDataset(t, testutil.Instance{PatientsName: "DOE^JOHN", CharacterSet: "ISO_IR 100"})
		edit, _ := NewSetTag("PatientName", "山田^太郎")
		res, err := edit.Apply(ds, opts(true))
		require.NoError(t, err)
		assert.True(t, res.ConvertedToUnicode)
		assert.Equal(t, []string{dicomfile.UnicodeCharacterSet}, dicomfile.CharacterSet(ds))
		assert.Equal(t, "山田^太郎", dicomfile.String(ds, tag.PatientName))
	})

	t.Run("default repertoire VR rejects non ascii", func(t *testing.T) {
		ds := testutil.NewDataset(t, testutil.Instance{})
		edit, _ := NewSetTag("StudyInstanceUID", "1.2.é")
		_, err := edit.Apply(ds, opts(true))
		assert.True(t, archiveerr.IsCharacterSet(err))
	})
}

func TestApplyCreatesMissingSequenceItems(t *testing.T) {
	ds := testutil.NewDataset(t, testutil.Instance{})
	edit, err := NewSetTag("(0040,0275)[1]/(0040,0009)", "SPS42")
	require.NoError(t, err)

	res, err := edit.Apply(ds, opts(false))
	require.NoError(t, err)
	assert.Empty(t, res.OriginalValue)

	seq, _ := dicomfile.Find(ds.Elements, tag.RequestAttributesSequence)
	require.NotNil(t, seq)
	items := sequenceItems(seq)
	require.Len(t, items, 2)
	assert.Empty(t, items[0])

	leaf := lookup(ds.Elements, edit.Path.Segments)
	require.NotNil(t, leaf)
	assert.Equal(t, []string{"SPS42"}, leaf.Value.GetValue())
}

func TestApplyRejectsBinaryAttributes(t *testing.T) {
	ds := testutil.NewDataset(t, testutil.Instance{})
	edit, err := NewSetTag("(0028,0010)", "512")
	require.NoError(t, err)
	_, err = edit.Apply(ds, opts(false))
	assert.True(t, archiveerr.IsValidation(err))
}

func TestEditedFileRoundTrips(t *testing.T) {
	ds := testutil.NewDataset(t, testutil.Instance{PatientsName: "DOE^JOHN", PatientID: "ID1"})
	edit, _ := NewSetTag("PatientName", "山田^太郎")
	_, err := edit.Apply(ds, opts(true))
	require.NoError(t, err)

	path := testutil.WriteInstance(t, filepath.Join(t.TempDir(), "a.dcm"), ds)
	loaded, err := dicomfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "山田^太郎", dicomfile.String(loaded, tag.PatientName))
	assert.Equal(t, "ID1", dicomfile.String(loaded, tag.PatientID))
	assert.Equal(t, 1, auditItems(loaded))
}

func TestAuditCopyKeepsLatin1Value(t *testing.T) {
	ds := testutil.NewDataset(t, testutil.Instance{PatientsName: "Müller^Hans", CharacterSet: "ISO_IR 100"})
	edit, err := NewSetTag("PatientName", "Müller^Hanna")
	require.NoError(t, err)
	_, err = edit.Apply(ds, opts(false))
	require.NoError(t, err)

	path := testutil.WriteInstance(t, filepath.Join(t.TempDir(), "latin1.dcm"), ds)
	loaded, err := dicomfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Müller^Hanna", dicomfile.String(loaded, tag.PatientName))
	assert.Equal(t, []string{"ISO_IR 100"}, dicomfile.CharacterSet(loaded))

	audit, _ := dicomfile.Find(loaded.Elements, originalAttributesSequence)
	items := sequenceItems(audit)
	require.Len(t, items, 1)
	modified, _ := dicomfile.Find(items[0], modifiedAttributesSequence)
	previous := sequenceItems(modified)
	require.Len(t, previous, 1)
	name, _ := dicomfile.Find(previous[0], tag.PatientName)
	require.NotNil(t, name)
	values, _ := name.Value.GetValue().([]string)
	assert.Equal(t, []string{"Müller^Hans"}, values)
}

func TestIdentityUIDsMustBeWellFormed(t *testing.T) {
	for _, tc := range []struct{ path, value string }{
		{"SeriesInstanceUID", "../../etc"},
		{"SOPInstanceUID", "1.2.3."},
		{"StudyInstanceUID", ""},
		{"StudyInstanceUID", `1.2\1.3`},
		{"(0008,1155)", "1.2.x"},
	} {
		ds := testutil.NewDataset(t, testutil.Instance{})
		edit, err := NewSetTag(tc.path, tc.value)
		require.NoError(t, err)

		_, err = edit.Preview()
		assert.True(t, archiveerr.IsValidation(err), "%s=%q", tc.path, tc.value)
		_, err = edit.Apply(ds, opts(false))
		assert.True(t, archiveerr.IsValidation(err), "%s=%q", tc.path, tc.value)
		assert.Equal(t, 0, auditItems(ds))
	}

	ds := testutil.NewDataset(t, testutil.Instance{})
	edit, err := NewSetTag("SeriesInstanceUID", "1.2.3.9")
	require.NoError(t, err)
	_, err = edit.Apply(ds, opts(false))
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.9", dicomfile.String(ds, tag.SeriesInstanceUID))
}
