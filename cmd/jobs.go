package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"reservoir/internal/repository"
	"reservoir/internal/services"
)

func newReconcileCmd() *cobra.Command {
	var dryRun bool
	var stagingAge = services.DefaultStagingAge

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair drift between the catalog and the archive store",
		Long: `Recompute the latest-model projection, remove stale staged uploads and
archives without a catalog row, and report catalog rows whose archive is missing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := services.NewReconcileService(rt.db, repository.NewModelRepository(rt.db), rt.store, rt.log)
			report, err := svc.Run(ctx, dryRun, stagingAge)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report, change nothing")
	cmd.Flags().DurationVar(&stagingAge, "staging-age", stagingAge, "Minimum age of staged uploads and unreferenced archives before removal")
	return cmd
}

func newNightlyCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "nightly",
		Short: "Write a zip of all current models and their metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputPath == "" {
				return errors.New("--out is required")
			}
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".nightly-*.zip")
			if err != nil {
				return fmt.Errorf("creating dump file: %w", err)
			}
			defer os.Remove(tmp.Name())

			svc := services.NewNightlyService(repository.NewModelRepository(rt.db), rt.store, rt.log)
			n, err := svc.Dump(ctx, tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("writing dump: %w", err)
			}
			if err := os.Rename(tmp.Name(), outputPath); err != nil {
				return fmt.Errorf("moving dump into place: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Dumped %d models to %s\n", n, outputPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "out", "o", "", "Output zip file")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every model with all revisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errors.New("refusing to purge without --yes")
			}
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			modelRepo := repository.NewModelRepository(rt.db)
			svc := services.NewDeletionService(rt.db, modelRepo, repository.NewChangeRepository(rt.db),
				rt.store, InitDownloadCache(ctx, rt, nil), rt.log, nil)
			deleted, failures, err := svc.Purge(ctx)
			fmt.Fprintf(cmd.ErrOrStderr(), "Deleted %d models\n", deleted)

			ids := make([]int, 0, len(failures))
			for id := range failures {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			for _, id := range ids {
				fmt.Fprintf(cmd.ErrOrStderr(), "  model %d: %v\n", id, failures[id])
			}
			if err != nil {
				return err
			}
			if len(failures) > 0 {
				return fmt.Errorf("%d models could not be deleted", len(failures))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm deletion of all models")
	return cmd
}
