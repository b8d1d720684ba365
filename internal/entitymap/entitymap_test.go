package entitymap

import (
	"testing"

	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestStudyFromDataset(t *testing.T) {
	ds := testutil.NewDataset(t, testutil.Instance{
		StudyInstanceUID: "1.2.3",
		PatientsName:     "DOE^JOHN",
		PatientID:        "ID1",
		AccessionNumber:  "ACC1",
		StudyDate:        "20240101",
		CharacterSet:     "ISO_IR 100",
	})

	s := StudyFromDataset(ds, "ARCHIVE")
	assert.Equal(t, "1.2.3", s.StudyInstanceUID)
	assert.Equal(t, "ARCHIVE", s.PartitionKey)
	assert.Equal(t, "DOE^JOHN", s.PatientsName)
	assert.Equal(t, "ID1", s.PatientID)
	assert.Equal(t, "ACC1", s.AccessionNumber)
	assert.Equal(t, "20240101", s.StudyDate)
	assert.Equal(t, "ISO_IR 100", s.SpecificCharacterSet)

	p := PatientFromDataset(ds, "ARCHIVE")
	assert.Equal(t, models.PatientInfo{Name: "DOE^JOHN", PatientID: "ID1"}, p.Info())
	assert.Equal(t, p.Info(), PatientInfo(ds))

	series := SeriesFromDataset(ds)
	assert.Equal(t, "1.2.3.1", series.SeriesInstanceUID)
	assert.Equal(t, "OT", series.Modality)
}

func TestApplyOnlyMappedTags(t *testing.T) {
	var s models.Study
	assert.True(t, Study.Apply(&s, tag.AccessionNumber, "X"))
	assert.Equal(t, "X", s.AccessionNumber)
	assert.False(t, Study.Apply(&s, tag.Modality, "CT"))
	assert.True(t, Series.Maps(tag.Modality))
	assert.False(t, Patient.Maps(tag.StudyDate))
}
