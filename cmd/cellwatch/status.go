package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what is configured, how many baselines exist, and where the logs are",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			keys, err := a.store.Keys()
			if err != nil {
				return err
			}

			pterm.DefaultSection.Println("cellwatch status")

			data := pterm.TableData{
				{"watch folders", fmt.Sprintf("%d", len(a.cfg.WatchFolders))},
				{"extensions", fmt.Sprintf("%v", a.cfg.SupportedExtensions)},
				{"baselines stored", fmt.Sprintf("%d", len(keys))},
				{"baseline folder", a.cfg.BaselineFolder},
				{"log folder", a.cfg.LogFolder},
				{"auto update", fmt.Sprintf("%t", a.cfg.AutoUpdate())},
				{"quick skip", fmt.Sprintf("%t", a.cfg.QuickSkip())},
			}
			if err := pterm.DefaultTable.WithData(data).Render(); err != nil {
				return err
			}

			logs, _ := filepath.Glob(filepath.Join(a.cfg.LogFolder, "changes_*.csv.gz"))
			for _, log := range logs {
				if info, err := os.Stat(log); err == nil {
					fmt.Printf("  %s (%d bytes)\n", log, info.Size())
				}
			}
			return nil
		},
	}
}
