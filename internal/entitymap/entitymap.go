// Package entitymap declares which database column each DICOM attribute
// populates. The tables are static; the same mapping is used when a study
// row is created from an instance and when an edit is copied to the rows.
package entitymap

import (
	"strings"

	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Field maps one attribute onto a setter of entity E
type Field[E any] struct {
	Tag tag.Tag
	Set func(e *E, value string)
}

// Table is an ordered attribute mapping for entity E
type Table[E any] []Field[E]

// Apply sets the field mapped to t and reports whether t is mapped
func (tbl Table[E]) Apply(e *E, t tag.Tag, value string) bool {
	for _, f := range tbl {
		if f.Tag == t {
			f.Set(e, value)
			return true
		}
	}
	return false
}

// Maps reports whether t populates a field of E
func (tbl Table[E]) Maps(t tag.Tag) bool {
	for _, f := range tbl {
		if f.Tag == t {
			return true
		}
	}
	return false
}

// Fill copies every mapped attribute present in ds onto e
func (tbl Table[E]) Fill(e *E, ds *dicom.Dataset) {
	for _, f := range tbl {
		if values := dicomfile.Strings(ds, f.Tag); values != nil {
			f.Set(e, strings.TrimSpace(strings.Join(values, `\`)))
		}
	}
}

// Study maps attributes onto the study row, including its cached patient fields
var Study = Table[models.Study]{
	{tag.StudyInstanceUID, func(s *models.Study, v string) { s.StudyInstanceUID = v }},
	{tag.PatientName, func(s *models.Study, v string) { s.PatientsName = v }},
	{tag.PatientID, func(s *models.Study, v string) { s.PatientID = v }},
	{tag.IssuerOfPatientID, func(s *models.Study, v string) { s.IssuerOfPatientID = v }},
	{tag.PatientBirthDate, func(s *models.Study, v string) { s.PatientsBirthDate = v }},
	{tag.PatientSex, func(s *models.Study, v string) { s.PatientsSex = v }},
	{tag.AccessionNumber, func(s *models.Study, v string) { s.AccessionNumber = v }},
	{tag.StudyDate, func(s *models.Study, v string) { s.StudyDate = v }},
	{tag.StudyTime, func(s *models.Study, v string) { s.StudyTime = v }},
	{tag.StudyID, func(s *models.Study, v string) { s.StudyID = v }},
	{tag.StudyDescription, func(s *models.Study, v string) { s.StudyDescription = v }},
	{tag.ReferringPhysicianName, func(s *models.Study, v string) { s.ReferringPhysiciansName = v }},
	{tag.SpecificCharacterSet, func(s *models.Study, v string) { s.SpecificCharacterSet = v }},
}

// Patient maps attributes onto the patient row
var Patient = Table[models.Patient]{
	{tag.PatientName, func(p *models.Patient, v string) { p.PatientsName = v }},
	{tag.PatientID, func(p *models.Patient, v string) { p.PatientID = v }},
	{tag.IssuerOfPatientID, func(p *models.Patient, v string) { p.IssuerOfPatientID = v }},
	{tag.SpecificCharacterSet, func(p *models.Patient, v string) { p.SpecificCharacterSet = v }},
}

// Series maps attributes onto the series row
var Series = Table[models.Series]{
	{tag.SeriesInstanceUID, func(s *models.Series, v string) { s.SeriesInstanceUID = v }},
	{tag.Modality, func(s *models.Series, v string) { s.Modality = v }},
	{tag.SeriesNumber, func(s *models.Series, v string) { s.SeriesNumber = v }},
	{tag.SeriesDescription, func(s *models.Series, v string) { s.SeriesDescription = v }},
}

// StudyFromDataset builds an unsaved study row from an instance
func StudyFromDataset(ds *dicom.Dataset, partition string) *models.Study {
	s := &models.Study{PartitionKey: partition}
	Study.Fill(s, ds)
	return s
}

// PatientFromDataset builds an unsaved patient row from an instance
func PatientFromDataset(ds *dicom.Dataset, partition string) *models.Patient {
	p := &models.Patient{PartitionKey: partition}
	Patient.Fill(p, ds)
	return p
}

// SeriesFromDataset builds an unsaved series row from an instance
func SeriesFromDataset(ds *dicom.Dataset) *models.Series {
	s := &models.Series{}
	Series.Fill(s, ds)
	return s
}

// PatientInfo extracts the patient identity of an instance
func PatientInfo(ds *dicom.Dataset) models.PatientInfo {
	return models.PatientInfo{
		Name:              dicomfile.String(ds, tag.PatientName),
		PatientID:         dicomfile.String(ds, tag.PatientID),
		IssuerOfPatientID: dicomfile.String(ds, tag.IssuerOfPatientID),
	}
}
