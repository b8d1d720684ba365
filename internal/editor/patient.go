package editor

import (
	"context"
	"errors"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
)

// PatientResolution is how an edit settled the study's patient
type PatientResolution string

const (
	// PatientUpdated means the identity did not change and the patient row was updated in place
	PatientUpdated PatientResolution = "InPlace"
	// PatientTransferred means the study moved to another existing patient
	PatientTransferred PatientResolution = "Transfer"
	// PatientCreated means a new patient row was created for the study
	PatientCreated PatientResolution = "Create"
)

// ResolvePatient attaches study to the patient identified by info. The
// outcome depends only on whether current already is that patient and,
// if not, whether a matching patient row exists.
func ResolvePatient(ctx context.Context, tx *repository.Store, study *models.Study, current *models.Patient, info models.PatientInfo, caseSensitive bool) (PatientResolution, *models.Patient, error) {
	if current != nil && current.Info().Equal(info, caseSensitive) {
		return updateInPlace(ctx, tx, study, current, info)
	}

	match, err := tx.FindPatient(ctx, study.PartitionKey, info, caseSensitive)
	if err != nil && !errors.Is(err, archiveerr.ErrNotFound) {
		return "", nil, err
	}
	if current != nil && match != nil && match.ID == current.ID {
		return updateInPlace(ctx, tx, study, current, info)
	}

	if current != nil {
		if err := tx.AdjustPatientStudyCount(ctx, current.ID, -1); err != nil {
			return "", nil, err
		}
	}

	if match != nil {
		if err := tx.AdjustPatientStudyCount(ctx, match.ID, 1); err != nil {
			return "", nil, err
		}
		match.NumberOfPatientRelatedStudies++
		attach(study, match)
		return PatientTransferred, match, nil
	}

	created := &models.Patient{
		PartitionKey:                  study.PartitionKey,
		PatientsName:                  info.Name,
		PatientID:                     info.PatientID,
		IssuerOfPatientID:             info.IssuerOfPatientID,
		SpecificCharacterSet:          study.SpecificCharacterSet,
		NumberOfPatientRelatedStudies: 1,
	}
	if err := tx.CreatePatient(ctx, created); err != nil {
		return "", nil, err
	}
	attach(study, created)
	return PatientCreated, created, nil
}

func updateInPlace(ctx context.Context, tx *repository.Store, study *models.Study, current *models.Patient, info models.PatientInfo) (PatientResolution, *models.Patient, error) {
	current.PatientsName = info.Name
	current.PatientID = info.PatientID
	current.IssuerOfPatientID = info.IssuerOfPatientID
	if err := tx.UpdatePatient(ctx, current); err != nil {
		return "", nil, err
	}
	attach(study, current)
	return PatientUpdated, current, nil
}

func attach(study *models.Study, patient *models.Patient) {
	study.PatientFK = patient.ID
	study.PatientsName = patient.PatientsName
	study.PatientID = patient.PatientID
	study.IssuerOfPatientID = patient.IssuerOfPatientID
}

// AttachOrder points study at the order matching its accession number and
// patient ID, or clears the reference when there is none
func AttachOrder(ctx context.Context, tx *repository.Store, study *models.Study) error {
	study.OrderFK = nil
	if study.AccessionNumber == "" {
		return nil
	}
	order, err := tx.FindOrder(ctx, study.PartitionKey, study.AccessionNumber, study.PatientID)
	if errors.Is(err, archiveerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	study.OrderFK = &order.ID
	return nil
}
