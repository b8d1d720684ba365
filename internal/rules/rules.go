// Package rules is the boundary to the policy engine that decides follow-up
// actions, such as auto-deletion or auto-routing, for a study that was
// mutated or imported.
package rules

import (
	"context"
	"sync"

	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
)

// StudyIdentity names the study the rules run against
type StudyIdentity struct {
	PartitionKey     string
	StudyInstanceUID string
}

// Options is the option bag passed to the engine
type Options struct {
	ApplyDeleteActions bool
	ApplyRouteActions  bool
}

// Engine evaluates rules for a study
type Engine interface {
	Apply(ctx context.Context, study StudyIdentity, opts Options) error
}

// Invoke calls the engine and only logs its failures. Rule evaluation
// never changes the outcome of the operation that triggered it.
func Invoke(ctx context.Context, engine Engine, study StudyIdentity, opts Options) {
	if engine == nil {
		return
	}
	log := logger.Component("rules")
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("study_uid", study.StudyInstanceUID).Msg("Rules engine panicked")
		}
	}()
	if err := engine.Apply(ctx, study, opts); err != nil {
		log.Warn().Err(err).Str("study_uid", study.StudyInstanceUID).Msg("Rules engine failed")
	}
}

// LoggingEngine records each evaluation in the log and takes no action
type LoggingEngine struct {
	log zerolog.Logger
}

// NewLoggingEngine creates a logging engine
func NewLoggingEngine() *LoggingEngine {
	return &LoggingEngine{log: logger.Component("rules")}
}

// Apply logs the evaluation
func (e *LoggingEngine) Apply(ctx context.Context, study StudyIdentity, opts Options) error {
	e.log.Info().
		Str("partition", study.PartitionKey).
		Str("study_uid", study.StudyInstanceUID).
		Bool("apply_delete_actions", opts.ApplyDeleteActions).
		Bool("apply_route_actions", opts.ApplyRouteActions).
		Msg("Rules evaluated")
	return nil
}

// Recorder remembers every study it was applied to
type Recorder struct {
	mu      sync.Mutex
	Studies []StudyIdentity
	Err     error
}

// Apply records the call
func (r *Recorder) Apply(ctx context.Context, study StudyIdentity, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Studies = append(r.Studies, study)
	return r.Err
}

// Calls returns a copy of the recorded studies
func (r *Recorder) Calls() []StudyIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StudyIdentity, len(r.Studies))
	copy(out, r.Studies)
	return out
}
