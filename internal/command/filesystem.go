package command

import (
	"context"
	"fmt"
	"io"

	"github.com/otcheredev/ris-dicom-archive/internal/storage"
)

// CreateDirectory creates a directory and its missing parents. Undo removes
// the topmost directory it created.
type CreateDirectory struct {
	Path    string
	created string
}

// NewCreateDirectory creates the command
func NewCreateDirectory(path string) *CreateDirectory {
	return &CreateDirectory{Path: path}
}

func (c *CreateDirectory) Name() string {
	return "CreateDirectory " + c.Path
}

func (c *CreateDirectory) Execute(ctx context.Context, pc *Context) error {
	created, err := storage.EnsureDir(c.Path)
	if err != nil {
		return err
	}
	c.created = created
	return nil
}

func (c *CreateDirectory) Undo(ctx context.Context, pc *Context) error {
	if c.created == "" {
		return nil
	}
	return storage.RemoveAll(c.created)
}

// SaveFile writes a file through Write. Undo restores the previous content,
// or removes the file when there was none.
type SaveFile struct {
	Path  string
	Write func(w io.Writer) error
}

// NewSaveFile creates the command
func NewSaveFile(path string, write func(w io.Writer) error) *SaveFile {
	return &SaveFile{Path: path, Write: write}
}

func (c *SaveFile) Name() string {
	return "SaveFile " + c.Path
}

func (c *SaveFile) Execute(ctx context.Context, pc *Context) error {
	if err := pc.Backup(c.Path); err != nil {
		return err
	}
	return storage.WriteFileAtomic(c.Path, c.Write)
}

func (c *SaveFile) Undo(ctx context.Context, pc *Context) error {
	return pc.Restore(c.Path)
}

// CopyFile copies Src over Dst
type CopyFile struct {
	Src string
	Dst string
}

// NewCopyFile creates the command
func NewCopyFile(src, dst string) *CopyFile {
	return &CopyFile{Src: src, Dst: dst}
}

func (c *CopyFile) Name() string {
	return fmt.Sprintf("CopyFile %s -> %s", c.Src, c.Dst)
}

func (c *CopyFile) Execute(ctx context.Context, pc *Context) error {
	if err := pc.Backup(c.Dst); err != nil {
		return err
	}
	return storage.CopyFile(c.Src, c.Dst)
}

func (c *CopyFile) Undo(ctx context.Context, pc *Context) error {
	return pc.Restore(c.Dst)
}

// MoveFile moves Src to Dst. Undo moves it back.
type MoveFile struct {
	Src string
	Dst string
}

// NewMoveFile creates the command
func NewMoveFile(src, dst string) *MoveFile {
	return &MoveFile{Src: src, Dst: dst}
}

func (c *MoveFile) Name() string {
	return fmt.Sprintf("MoveFile %s -> %s", c.Src, c.Dst)
}

func (c *MoveFile) Execute(ctx context.Context, pc *Context) error {
	if err := pc.Backup(c.Dst); err != nil {
		return err
	}
	return storage.MoveFile(c.Src, c.Dst)
}

func (c *MoveFile) Undo(ctx context.Context, pc *Context) error {
	if err := storage.MoveFile(c.Dst, c.Src); err != nil {
		return err
	}
	return pc.Restore(c.Dst)
}

// DeleteFile moves a file into the staging area. It is gone for good once
// the run succeeds and the staging area is purged.
type DeleteFile struct {
	Path   string
	staged string
}

// NewDeleteFile creates the command
func NewDeleteFile(path string) *DeleteFile {
	return &DeleteFile{Path: path}
}

func (c *DeleteFile) Name() string {
	return "DeleteFile " + c.Path
}

func (c *DeleteFile) Execute(ctx context.Context, pc *Context) error {
	if !storage.Exists(c.Path) {
		pc.Log.Warn().Str("path", c.Path).Msg("File to delete does not exist")
		return nil
	}
	staged, err := pc.Stash(c.Path)
	if err != nil {
		return err
	}
	c.staged = staged
	return nil
}

func (c *DeleteFile) Undo(ctx context.Context, pc *Context) error {
	if c.staged == "" {
		return nil
	}
	return pc.Unstash(c.staged, c.Path)
}

// DeleteDirectory moves a directory tree into the staging area
type DeleteDirectory struct {
	Path   string
	staged string
}

// NewDeleteDirectory creates the command
func NewDeleteDirectory(path string) *DeleteDirectory {
	return &DeleteDirectory{Path: path}
}

func (c *DeleteDirectory) Name() string {
	return "DeleteDirectory " + c.Path
}

func (c *DeleteDirectory) Execute(ctx context.Context, pc *Context) error {
	if !storage.Exists(c.Path) {
		pc.Log.Warn().Str("path", c.Path).Msg("Directory to delete does not exist")
		return nil
	}
	staged, err := pc.Stash(c.Path)
	if err != nil {
		return err
	}
	c.staged = staged
	return nil
}

func (c *DeleteDirectory) Undo(ctx context.Context, pc *Context) error {
	if c.staged == "" {
		return nil
	}
	return pc.Unstash(c.staged, c.Path)
}

// Func adapts a pair of functions into a command
type Func struct {
	Label  string
	Run    func(ctx context.Context, pc *Context) error
	Revert func(ctx context.Context, pc *Context) error
}

func (c *Func) Name() string {
	return c.Label
}

func (c *Func) Execute(ctx context.Context, pc *Context) error {
	return c.Run(ctx, pc)
}

func (c *Func) Undo(ctx context.Context, pc *Context) error {
	if c.Revert == nil {
		return nil
	}
	return c.Revert(ctx, pc)
}
