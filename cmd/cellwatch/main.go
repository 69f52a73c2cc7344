// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "cellwatch",
		Short: "Watches folders of spreadsheet files and reports cell-level changes",
		Long: `cellwatch watches folders for xlsx and xlsm files, compares every save
against a stored baseline, and reports exactly which cells changed and how:
typed values, edited formulas, moved external references.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := setupLogging()
			cmd.SetContext(logger.WithContext(cmd.Context()))
		},
	}

	addRootFlags(rootCmd)
	rootCmd.AddCommand(
		newWatchCmd(),
		newBaselineCmd(),
		newStatusCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger := zerolog.New(os.Stderr)
		logger.Err(err).Msg("command failed")
		os.Exit(1)
	}
}
