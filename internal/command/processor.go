package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/metrics"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog"
)

// Processor executes its commands in order and undoes the succeeded ones
// in reverse order when one fails
type Processor struct {
	name        string
	stagingRoot string
	backup      bool
	log         zerolog.Logger
	commands    []Command

	failedCommand string
	undoErr       error
}

// Option configures a Processor
type Option func(*Processor)

// WithStagingRoot sets the directory under which the run's staging area is created
func WithStagingRoot(dir string) Option {
	return func(p *Processor) {
		p.stagingRoot = dir
	}
}

// WithoutBackup disables copying files before they are overwritten.
// Created files and stashed deletions are still undone.
func WithoutBackup() Option {
	return func(p *Processor) {
		p.backup = false
	}
}

// WithLogger sets the processor logger
func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) {
		p.log = l
	}
}

// NewProcessor creates a processor; name appears in logs, metrics and errors
func NewProcessor(name string, opts ...Option) *Processor {
	p := &Processor{
		name:        name,
		stagingRoot: os.TempDir(),
		backup:      true,
		log:         logger.Component("command"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("processor", name).Logger()
	return p
}

// Add appends commands to the run
func (p *Processor) Add(cmds ...Command) *Processor {
	p.commands = append(p.commands, cmds...)
	return p
}

// Len is the number of commands queued
func (p *Processor) Len() int {
	return len(p.commands)
}

// FailedCommand names the command that aborted the last run
func (p *Processor) FailedCommand() string {
	return p.failedCommand
}

// UndoError holds the aggregated undo failures of the last rollback
func (p *Processor) UndoError() error {
	return p.undoErr
}

// Execute runs every command. On failure the succeeded commands are undone,
// the staging area is purged when the undo was clean and kept otherwise,
// and the returned error is a CommandFailure wrapping the cause.
func (p *Processor) Execute(ctx context.Context) (err error) {
	if err := p.validate(); err != nil {
		return err
	}
	if len(p.commands) == 0 {
		return nil
	}

	stagingDir := filepath.Join(p.stagingRoot, p.name+"-"+uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return fmt.Errorf("failed to create staging area: %w", err)
	}
	pc := newContext(stagingDir, p.backup, p.log)

	executed := make([]Command, 0, len(p.commands))
	defer func() {
		if err == nil {
			p.purge(pc)
			return
		}
		p.rollback(context.WithoutCancel(ctx), pc, executed)
	}()

	for _, cmd := range p.commands {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return p.fail(cmd, ctxErr)
		}
		if cmdErr := p.run(ctx, pc, cmd); cmdErr != nil {
			return p.fail(cmd, cmdErr)
		}
		executed = append(executed, cmd)
		metrics.CommandsExecuted.WithLabelValues(p.name, "success").Inc()
	}
	p.log.Debug().Int("commands", len(executed)).Msg("Processor run completed")
	return nil
}

func (p *Processor) validate() error {
	for i, cmd := range p.commands {
		if _, ok := cmd.(databaseCommand); ok && i != len(p.commands)-1 {
			return archiveerr.Validation("commands", "database command %q must be the last command, found at %d of %d", cmd.Name(), i+1, len(p.commands))
		}
	}
	return nil
}

func (p *Processor) run(ctx context.Context, pc *Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	p.log.Debug().Str("command", cmd.Name()).Msg("Executing command")
	return cmd.Execute(ctx, pc)
}

func (p *Processor) undo(ctx context.Context, pc *Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cmd.Undo(ctx, pc)
}

func (p *Processor) fail(cmd Command, cause error) error {
	p.failedCommand = cmd.Name()
	metrics.CommandsExecuted.WithLabelValues(p.name, "failure").Inc()
	p.log.Error().Err(cause).Str("command", cmd.Name()).Msg("Command failed, rolling back")
	return &archiveerr.CommandFailure{Processor: p.name, Command: cmd.Name(), Err: cause}
}

func (p *Processor) rollback(ctx context.Context, pc *Context, executed []Command) {
	var result *multierror.Error
	for i := len(executed) - 1; i >= 0; i-- {
		cmd := executed[i]
		if err := p.undo(ctx, pc, cmd); err != nil {
			p.log.Warn().Err(err).Str("command", cmd.Name()).Msg("Undo failed, continuing rollback")
			result = multierror.Append(result, fmt.Errorf("%s: %w", cmd.Name(), err))
		}
	}
	p.undoErr = result.ErrorOrNil()
	if p.undoErr != nil {
		metrics.Rollbacks.WithLabelValues(p.name, "false").Inc()
		p.log.Error().Err(p.undoErr).Str("staging", pc.StagingDir).Msg("Rollback incomplete, staging area retained")
		return
	}
	metrics.Rollbacks.WithLabelValues(p.name, "true").Inc()
	p.purge(pc)
}

func (p *Processor) purge(pc *Context) {
	if err := os.RemoveAll(pc.StagingDir); err != nil {
		p.log.Warn().Err(err).Str("staging", pc.StagingDir).Msg("Failed to purge staging area")
	}
}
