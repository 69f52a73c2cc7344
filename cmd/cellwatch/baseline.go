package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cellwatch/pkg/snapshot"
)

func newBaselineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Inspect and manage stored baselines",
	}
	cmd.AddCommand(
		newBaselineScanCmd(),
		newBaselineCaptureCmd(),
		newBaselineShowCmd(),
		newBaselineDeleteCmd(),
	)
	return cmd
}

func newBaselineScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Build baselines for every supported file under the watch folders",
		Long: `Runs the same scan the watcher performs at startup: every supported
file under the watch folders gets a baseline if it does not have one yet.
Files that already have baselines are skipped, so an interrupted scan can
simply be run again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			return startupScan(ctx, a)
		},
	}
}

func newBaselineCaptureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture <file>...",
		Short: "Capture or refresh the baseline for specific files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			for _, path := range args {
				// Delete first so Seed re-reads instead of short-circuiting
				// on the existing baseline.
				key := snapshot.KeyForPath(path)
				if err := a.store.Delete(ctx, key); err != nil {
					return err
				}
				if err := a.engine.Seed(ctx, path); err != nil {
					return errors.Errorf("capturing %s: %w", path, err)
				}
				fmt.Printf("baseline captured: %s\n", path)
			}
			return nil
		},
	}
}

func newBaselineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <file>",
		Short: "Show the stored baseline for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			key := snapshot.KeyForPath(args[0])
			b, err := a.store.Load(ctx, key)
			if err != nil {
				return err
			}
			if b == nil {
				return errors.Errorf("no baseline stored for %s", args[0])
			}

			fmt.Printf("source:      %s\n", b.SourcePath)
			fmt.Printf("captured:    %s\n", b.SavedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("fingerprint: %s\n", b.Fingerprint)
			if b.LastAuthor != "" {
				fmt.Printf("last author: %s\n", b.LastAuthor)
			}
			for _, sheet := range b.Snapshot.SheetNames() {
				fmt.Printf("  %s: %d cell(s)\n", sheet, len(b.Snapshot.Sheets[sheet]))
			}
			return nil
		},
	}
}

func newBaselineDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <file>...",
		Short: "Delete the stored baseline for specific files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			for _, path := range args {
				key := snapshot.KeyForPath(path)
				if err := a.store.Delete(ctx, key); err != nil {
					return err
				}
				zerolog.Ctx(ctx).Info().Str("path", path).Msg("baseline deleted")
			}
			return nil
		},
	}
}
