// Package editor rewrites attributes across every instance of a study,
// relocating the study when its UID changes and committing the matching
// database changes as the last step of one command processor run.
package editor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/command"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomedit"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/otcheredev/ris-dicom-archive/internal/entitymap"
	"github.com/otcheredev/ris-dicom-archive/internal/manifest"
	"github.com/otcheredev/ris-dicom-archive/internal/metrics"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/rules"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Request is one whole-study edit
type Request struct {
	StudyInstanceUID string
	Edits            []*dicomedit.SetTag
	Reason           string
	User             string
}

// RequestFromTagEdits parses the edits carried by a work item payload
func RequestFromTagEdits(studyUID string, data models.WorkItemData) (Request, error) {
	req := Request{StudyInstanceUID: studyUID, Reason: data.Reason, User: data.User}
	for _, e := range data.Edits {
		edit, err := dicomedit.NewSetTag(e.TagPath, e.Value)
		if err != nil {
			return Request{}, err
		}
		if _, err := edit.Preview(); err != nil {
			return Request{}, err
		}
		req.Edits = append(req.Edits, edit)
	}
	return req, nil
}

// Result describes a committed edit
type Result struct {
	StudyInstanceUID         string
	PreviousStudyInstanceUID string
	Relocated                bool
	ExpectedInstances        int
	UpdatedInstances         int
	MissingInstances         int
	ConvertedToUnicode       bool
	Patient                  PatientResolution
	Changes                  []models.TagChange
	Manifest                 manifest.Manifest
}

// Editor applies study edits
type Editor struct {
	store     *repository.Store
	locator   *storage.Locator
	cfg       config.ArchiveConfig
	engine    rules.Engine
	rulesOpts rules.Options
	log       zerolog.Logger
	now       func() time.Time
}

// New creates an editor
func New(store *repository.Store, locator *storage.Locator, engine rules.Engine, rulesOpts rules.Options) *Editor {
	return &Editor{
		store:     store,
		locator:   locator,
		cfg:       locator.Config(),
		engine:    engine,
		rulesOpts: rulesOpts,
		log:       logger.Component("editor"),
		now:       time.Now,
	}
}

// run is the state shared by the commands of one edit
type run struct {
	req       Request
	opts      dicomedit.Options
	oldLoc    storage.Location
	newLoc    storage.Location
	builder   *manifest.Builder
	updated   int
	missing   int
	converted bool
	log       zerolog.Logger
}

// Edit applies req to every instance of the study. On failure the files,
// the manifest and the database are left exactly as they were.
func (e *Editor) Edit(ctx context.Context, req Request) (*Result, error) {
	if req.StudyInstanceUID == "" {
		return nil, archiveerr.Validation("study_instance_uid", "must not be empty")
	}
	if len(req.Edits) == 0 {
		return nil, archiveerr.Validation("edits", "at least one edit is required")
	}

	log := e.log.With().Str("study_uid", req.StudyInstanceUID).Logger()

	// initialize
	values := make([]string, len(req.Edits))
	for i, edit := range req.Edits {
		v, err := edit.Preview()
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	study, err := e.store.GetStudy(ctx, req.StudyInstanceUID)
	if err != nil {
		return nil, err
	}
	row, err := e.store.GetStudyStorage(ctx, req.StudyInstanceUID)
	if err != nil {
		return nil, err
	}
	oldLoc, err := e.locator.Resolve(row)
	if err != nil {
		return nil, err
	}
	current, err := manifest.Load(oldLoc.ManifestPath(), oldLoc.CompressedManifestPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest of study %s: %w", req.StudyInstanceUID, err)
	}

	newUID := req.StudyInstanceUID
	for i, edit := range req.Edits {
		if edit.Path.Is(tag.StudyInstanceUID) {
			newUID = values[i]
		}
	}
	if newUID == "" {
		return nil, archiveerr.Validation("study_instance_uid", "cannot be set to an empty value")
	}
	relocated := newUID != req.StudyInstanceUID
	if relocated {
		if err := e.ensureUnused(ctx, newUID); err != nil {
			return nil, err
		}
	}
	newLoc := oldLoc.WithStudyInstanceUID(newUID)

	oldPatient := study.PatientInfo()
	if newPatient := patientInfoAfter(oldPatient, req.Edits, values); !newPatient.Equal(oldPatient, e.cfg.PatientNameCaseSensitive) {
		log.Info().
			Str("old_patient_id", oldPatient.PatientID).
			Str("new_patient_id", newPatient.PatientID).
			Msg("Edit changes patient identity")
	}

	r := &run{
		req: req,
		opts: dicomedit.Options{
			AllowConvertToUnicode: e.cfg.AllowConvertToUnicode,
			ModifyingSystem:       e.cfg.ModifyingSystem,
			Now:                   e.now(),
			Log:                   log,
		},
		oldLoc:  oldLoc,
		newLoc:  newLoc,
		builder: manifest.NewBuilder(newUID),
		log:     log,
	}

	opts := []command.Option{command.WithStagingRoot(e.cfg.StagingRoot), command.WithLogger(log)}
	if !e.cfg.BackupOnEdit {
		opts = append(opts, command.WithoutBackup())
	}
	p := command.NewProcessor("study-edit", opts...)

	// backup
	if e.cfg.BackupOnEdit {
		p.Add(backupStudy(oldLoc, current))
	}
	if relocated {
		p.Add(command.NewCreateDirectory(newLoc.StudyPath()))
	}

	// mutate filesystem
	for _, s := range current.Series {
		for _, inst := range s.Instances {
			p.Add(&updateInstance{
				run:    r,
				series: s,
				inst:   inst,
				src:    oldLoc.InstancePath(s.SeriesInstanceUID, inst.SOPInstanceUID),
			})
		}
	}
	p.Add(&command.Func{Label: "VerifyInstanceCount", Run: func(ctx context.Context, pc *command.Context) error {
		return r.verify(current.NumberOfInstances)
	}})

	// write manifest
	p.Add(
		command.NewSaveFile(newLoc.ManifestPath(), func(w io.Writer) error {
			return manifest.Encode(w, r.builder.Build())
		}),
		command.NewSaveFile(newLoc.CompressedManifestPath(), func(w io.Writer) error {
			return manifest.EncodeCompressed(w, r.builder.Build())
		}),
	)
	if relocated {
		p.Add(command.NewDeleteDirectory(oldLoc.StudyPath()))
	}

	// update database
	result := &Result{
		StudyInstanceUID:  newUID,
		Relocated:         relocated,
		ExpectedInstances: current.NumberOfInstances,
	}
	if relocated {
		result.PreviousStudyInstanceUID = req.StudyInstanceUID
	}
	p.Add(command.NewDatabaseUpdate("study-edit "+req.StudyInstanceUID, e.store, func(ctx context.Context, tx *repository.Store) error {
		return e.updateDatabase(ctx, tx, r, values, result)
	}))

	if err := p.Execute(ctx); err != nil {
		metrics.StudyEdits.WithLabelValues("failure").Inc()
		log.Error().Err(err).Msg("Study edit rolled back")
		return nil, err
	}
	result.UpdatedInstances = r.updated
	result.MissingInstances = r.missing
	result.ConvertedToUnicode = r.converted
	result.Manifest = r.builder.Build()
	metrics.StudyEdits.WithLabelValues("success").Inc()
	log.Info().
		Str("new_study_uid", newUID).
		Int("instances", r.updated).
		Str("patient", string(result.Patient)).
		Msg("Study edited")

	rules.Invoke(ctx, e.engine, rules.StudyIdentity{PartitionKey: newLoc.PartitionKey, StudyInstanceUID: newUID}, e.rulesOpts)
	return result, nil
}

// ensureUnused rejects a new Study Instance UID that is already taken
func (e *Editor) ensureUnused(ctx context.Context, uid string) error {
	if _, err := e.store.GetStudy(ctx, uid); err == nil {
		return archiveerr.Validation("study_instance_uid", "study %s already exists", uid)
	} else if !errors.Is(err, archiveerr.ErrNotFound) {
		return err
	}
	if _, err := e.store.GetStudyStorage(ctx, uid); err == nil {
		return archiveerr.Validation("study_instance_uid", "study %s is already stored", uid)
	} else if !errors.Is(err, archiveerr.ErrNotFound) {
		return err
	}
	return nil
}

// verify logs instance count drift; it only fails when nothing was updated
func (r *run) verify(expected int) error {
	if r.updated != expected {
		metrics.DriftWarnings.WithLabelValues("instance_count").Inc()
		r.log.Warn().
			Int("expected", expected).
			Int("updated", r.updated).
			Int("missing", r.missing).
			Msg("Updated instance count differs from the manifest")
	}
	if r.updated == 0 {
		return fmt.Errorf("no instance of study %s could be updated", r.req.StudyInstanceUID)
	}
	return nil
}

// updateDatabase reloads the rows and applies the edit to them
func (e *Editor) updateDatabase(ctx context.Context, tx *repository.Store, r *run, values []string, result *Result) error {
	oldUID := r.req.StudyInstanceUID
	study, err := tx.GetStudy(ctx, oldUID)
	if err != nil {
		return err
	}
	row, err := tx.GetStudyStorage(ctx, oldUID)
	if err != nil {
		return err
	}
	var current *models.Patient
	if study.PatientFK != uuid.Nil {
		current, err = tx.GetPatient(ctx, study.PatientFK)
		if err != nil && !errors.Is(err, archiveerr.ErrNotFound) {
			return err
		}
	}

	info := patientInfoAfter(study.PatientInfo(), r.req.Edits, values)
	for i, edit := range r.req.Edits {
		if !edit.Path.Nested() {
			entitymap.Study.Apply(study, edit.Path.Leaf(), values[i])
		}
	}
	if r.converted {
		study.SpecificCharacterSet = dicomfile.UnicodeCharacterSet
		if current != nil {
			current.SpecificCharacterSet = dicomfile.UnicodeCharacterSet
		}
	}

	m := r.builder.Build()
	study.NumberOfStudyRelatedSeries = m.NumberOfSeries
	study.NumberOfStudyRelatedInstances = m.NumberOfInstances
	study.StudySizeInKB = (m.Size() + 1023) / 1024

	resolution, _, err := ResolvePatient(ctx, tx, study, current, info, e.cfg.PatientNameCaseSensitive)
	if err != nil {
		return err
	}
	result.Patient = resolution

	if err := AttachOrder(ctx, tx, study); err != nil {
		return err
	}

	if err := tx.UpdateStudy(ctx, study); err != nil {
		return err
	}
	if err := e.updateSeries(ctx, tx, study, r, values, m); err != nil {
		return err
	}

	row.StudyInstanceUID = study.StudyInstanceUID
	if err := tx.UpdateStudyStorage(ctx, row); err != nil {
		return err
	}

	changes := make([]models.TagChange, len(r.req.Edits))
	for i, edit := range r.req.Edits {
		changes[i] = models.TagChange{TagPath: edit.Path.String(), OriginalValue: edit.OriginalValue, NewValue: values[i]}
	}
	result.Changes = changes
	return tx.CreateStudyHistory(ctx, &models.StudyHistory{
		StudyInstanceUID:         study.StudyInstanceUID,
		PreviousStudyInstanceUID: result.PreviousStudyInstanceUID,
		Type:                     models.StudyHistoryEdit,
		Reason:                   r.req.Reason,
		User:                     r.req.User,
		ChangeDescription:        changes,
	})
}

// updateSeries refreshes the series rows from the new manifest
func (e *Editor) updateSeries(ctx context.Context, tx *repository.Store, study *models.Study, r *run, values []string, m manifest.Manifest) error {
	existing, err := tx.ListSeries(ctx, study.ID)
	if err != nil {
		return err
	}
	byUID := make(map[string]models.Series, len(existing))
	for _, s := range existing {
		byUID[s.SeriesInstanceUID] = s
	}

	keep := make(map[string]bool, len(m.Series))
	for _, ms := range m.Series {
		s, ok := byUID[ms.SeriesInstanceUID]
		if !ok {
			s = models.Series{StudyFK: study.ID, SeriesInstanceUID: ms.SeriesInstanceUID, Modality: ms.Modality}
		}
		for i, edit := range r.req.Edits {
			if !edit.Path.Nested() && !edit.Path.Is(tag.SeriesInstanceUID) {
				entitymap.Series.Apply(&s, edit.Path.Leaf(), values[i])
			}
		}
		s.NumberOfSeriesRelatedInstances = ms.NumberOfInstances
		if err := tx.UpsertSeries(ctx, &s); err != nil {
			return err
		}
		keep[ms.SeriesInstanceUID] = true
	}

	var stale []string
	for uid := range byUID {
		if !keep[uid] {
			stale = append(stale, uid)
		}
	}
	return tx.DeleteSeries(ctx, study.ID, stale)
}

// patientInfoAfter applies the identity edits to info
func patientInfoAfter(info models.PatientInfo, edits []*dicomedit.SetTag, values []string) models.PatientInfo {
	p := models.Patient{PatientsName: info.Name, PatientID: info.PatientID, IssuerOfPatientID: info.IssuerOfPatientID}
	for i, edit := range edits {
		if !edit.Path.Nested() && edit.Path.Leaf() != tag.SpecificCharacterSet {
			entitymap.Patient.Apply(&p, edit.Path.Leaf(), values[i])
		}
	}
	return p.Info()
}
