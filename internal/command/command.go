// Package command runs ordered lists of reversible filesystem and database
// operations as one unit. When a command fails, every command that already
// succeeded is undone in reverse order, using the copies the run kept in
// its private staging area.
package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/rs/zerolog"
)

// Command is one reversible step of a processor run. Undo is only called
// after Execute returned nil.
type Command interface {
	Name() string
	Execute(ctx context.Context, pc *Context) error
	Undo(ctx context.Context, pc *Context) error
}

// databaseCommand is implemented by commands that commit to the database.
// Such a command must be the last one of a run.
type databaseCommand interface {
	Command
	commitsDatabase()
}

type backup struct {
	staged  string
	existed bool
}

// Context is the state shared by the commands of one run
type Context struct {
	StagingDir string
	Log        zerolog.Logger

	backupEnabled bool
	backups       map[string]backup
	seq           int
}

func newContext(stagingDir string, backupEnabled bool, log zerolog.Logger) *Context {
	return &Context{
		StagingDir:    stagingDir,
		Log:           log,
		backupEnabled: backupEnabled,
		backups:       make(map[string]backup),
	}
}

// BackupEnabled reports whether files are copied to staging before being overwritten
func (c *Context) BackupEnabled() bool {
	return c.backupEnabled
}

// Backup records the current state of path so Restore can return to it.
// Only the first call for a path has an effect. A path that does not exist
// is recorded as absent and Restore removes it.
func (c *Context) Backup(path string) error {
	if _, ok := c.backups[path]; ok {
		return nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		c.backups[path] = backup{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot back up directory %s", path)
	}
	if !c.backupEnabled {
		return nil
	}
	staged := c.stagingPath(path)
	if err := storage.CopyFile(path, staged); err != nil {
		return fmt.Errorf("failed to back up %s: %w", path, err)
	}
	c.backups[path] = backup{staged: staged, existed: true}
	return nil
}

// Restore returns path to the state recorded by Backup. Paths that were
// never backed up are left alone.
func (c *Context) Restore(path string) error {
	b, ok := c.backups[path]
	if !ok {
		return nil
	}
	if !b.existed {
		return storage.Remove(path)
	}
	return storage.CopyFile(b.staged, path)
}

// Stash moves path into the staging area and returns where it went
func (c *Context) Stash(path string) (string, error) {
	staged := c.stagingPath(path)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		err = storage.MoveDir(path, staged)
	} else {
		err = storage.MoveFile(path, staged)
	}
	if err != nil {
		return "", err
	}
	return staged, nil
}

// Unstash moves a stashed path back to where it came from
func (c *Context) Unstash(staged, path string) error {
	info, err := os.Stat(staged)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", staged, err)
	}
	if info.IsDir() {
		return storage.MoveDir(staged, path)
	}
	return storage.MoveFile(staged, path)
}

func (c *Context) stagingPath(path string) string {
	c.seq++
	return filepath.Join(c.StagingDir, fmt.Sprintf("%06d-%s", c.seq, filepath.Base(path)))
}
