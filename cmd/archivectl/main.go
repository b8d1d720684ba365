package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/otcheredev/ris-dicom-archive/internal/app"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "archivectl",
		Short:         "Maintain a DICOM archive from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(reindexCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(editCmd())
	rootCmd.AddCommand(deleteCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "archivectl:", err)
		os.Exit(1)
	}
}

// withArchive loads the configuration, opens the archive and runs fn with a
// context that is canceled on SIGINT or SIGTERM
func withArchive(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.InitWithWriter(cfg.Log.Level, "console", os.Stderr)

	a, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
