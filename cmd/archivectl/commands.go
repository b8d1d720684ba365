package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otcheredev/ris-dicom-archive/internal/app"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomedit"
	"github.com/otcheredev/ris-dicom-archive/internal/editor"
	"github.com/otcheredev/ris-dicom-archive/internal/ingest"
	"github.com/otcheredev/ris-dicom-archive/internal/models"
	"github.com/otcheredev/ris-dicom-archive/internal/sources"
	"github.com/spf13/cobra"
)

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Reconcile the study folders on disk with the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(func(ctx context.Context, a *app.App) error {
				report, err := a.Archive.Reindex(ctx)
				if report != nil {
					if perr := printJSON(report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func importCmd() *cobra.Command {
	var (
		mode      string
		partition string
		aeTitle   string
		dicomweb  bool
		studies   []string
	)
	cmd := &cobra.Command{
		Use:   "import [path...]",
		Short: "Import instance files, directory trees or a remote DICOMweb archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ingest.ParseMode(mode)
			if err != nil {
				return err
			}
			if m == ingest.ModeSave || m == ingest.ModeInPlace {
				return fmt.Errorf("import mode must be copy or move")
			}
			if !dicomweb && len(args) == 0 {
				return fmt.Errorf("nothing to import: give paths or --dicomweb")
			}

			return withArchive(func(ctx context.Context, a *app.App) error {
				var srcs []sources.Source
				for _, path := range args {
					src := sources.NewDirectorySource(path)
					src.Mode = m
					src.PartitionKey = partition
					src.SourceAETitle = aeTitle
					srcs = append(srcs, src)
				}
				if dicomweb {
					src, err := sources.NewDICOMWebSource(a.Config.DICOMWeb, filepath.Join(a.Config.Archive.StagingRoot, "dicomweb"))
					if err != nil {
						return err
					}
					defer src.Close()
					src.StudyInstanceUIDs = studies
					src.PartitionKey = partition
					srcs = append(srcs, src)
				}

				var summaries []*sources.Summary
				for _, src := range srcs {
					summary, err := a.Archive.ImportFrom(ctx, src)
					if summary != nil {
						summaries = append(summaries, summary)
					}
					if err != nil {
						_ = printJSON(summaries)
						return err
					}
				}
				return printJSON(summaries)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "copy", "copy or move the source files")
	cmd.Flags().StringVar(&partition, "partition", "", "partition AE title (default partition when empty)")
	cmd.Flags().StringVar(&aeTitle, "ae-title", "", "source AE title recorded for the instances")
	cmd.Flags().BoolVar(&dicomweb, "dicomweb", false, "pull from the configured DICOMweb archive")
	cmd.Flags().StringSliceVar(&studies, "study", nil, "Study Instance UIDs to pull with --dicomweb (default all)")
	return cmd
}

func editCmd() *cobra.Command {
	var (
		sets     []string
		reason   string
		user     string
		schedule bool
	)
	cmd := &cobra.Command{
		Use:   "edit <study-instance-uid>",
		Short: "Change attributes in every instance of a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sets) == 0 {
				return fmt.Errorf("at least one --set tag=value is required")
			}
			if user == "" {
				user = os.Getenv("USER")
			}
			req := editor.Request{StudyInstanceUID: args[0], Reason: reason, User: user}
			var tagEdits []models.TagEdit
			for _, kv := range sets {
				path, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --set %q: expected tag=value", kv)
				}
				edit, err := dicomedit.NewSetTag(path, value)
				if err != nil {
					return err
				}
				req.Edits = append(req.Edits, edit)
				tagEdits = append(tagEdits, models.TagEdit{TagPath: path, Value: value})
			}

			return withArchive(func(ctx context.Context, a *app.App) error {
				if schedule {
					item, err := a.Archive.ScheduleEdit(ctx, req.StudyInstanceUID, tagEdits, reason, user)
					if err != nil {
						return err
					}
					return printJSON(item)
				}
				result, err := a.Archive.EditStudy(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "tag path and new value, e.g. PatientID=123 (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the study history")
	cmd.Flags().StringVar(&user, "user", "", "user recorded in the study history (default $USER)")
	cmd.Flags().BoolVar(&schedule, "schedule", false, "enqueue the edit for the server's worker instead of applying it now")
	return cmd
}

func deleteCmd() *cobra.Command {
	var (
		series    []string
		instances []string
		reason    string
		user      string
	)
	cmd := &cobra.Command{
		Use:   "delete <study-instance-uid>",
		Short: "Schedule the deletion of a study, some of its series or some of its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(func(ctx context.Context, a *app.App) error {
				var err error
				var item interface{}
				switch {
				case len(series) > 0:
					item, err = a.Archive.DeleteSeries(ctx, args[0], series, reason, user)
				case len(instances) > 0:
					item, err = a.Archive.DeleteInstances(ctx, args[0], instances, reason, user)
				default:
					item, err = a.Archive.DeleteStudy(ctx, args[0], reason, user)
				}
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
	cmd.Flags().StringSliceVar(&series, "series", nil, "Series Instance UIDs to delete")
	cmd.Flags().StringSliceVar(&instances, "instance", nil, "SOP Instance UIDs to delete")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the study history")
	cmd.Flags().StringVar(&user, "user", "", "user recorded in the study history")
	return cmd
}
