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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		config      string
		wantErr     bool
		errContains string
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name:     "valid_yaml_config",
			filename: "cellwatch.yaml",
			config: `
watch_folders:
  - /data/reports
  - /data/shared
exclude_folders:
  - "**/archive/**"
debounce_seconds: 3
baseline_folder: /var/lib/cellwatch/baselines
track:
  direct_value_changes: false
  whitelist_users:
    - batch-runner
mirror:
  strategy: chunked
  chunk_size_mb: 8
polling:
  size_threshold_mb: 20
  dense_seconds: 5
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Len(t, cfg.WatchFolders, 2, "should have 2 watch folders")
				assert.Equal(t, 3*time.Second, cfg.Debounce(), "debounce should match")
				assert.Equal(t, "/var/lib/cellwatch/baselines", cfg.BaselineFolder)
				assert.True(t, cfg.Track.TrackFormulaChanges(), "formula tracking defaults on")
				assert.False(t, cfg.Track.TrackDirectValueChanges(), "direct values disabled")
				assert.Equal(t, []string{"batch-runner"}, cfg.Track.WhitelistUsers)
				assert.Equal(t, "chunked", cfg.Mirror.Strategy)
				assert.Equal(t, 8, cfg.Mirror.ChunkSizeMB)
				assert.Equal(t, 5*time.Second, cfg.Polling.DenseInterval())
				assert.Equal(t, 15*time.Second, cfg.Polling.SparseInterval(), "sparse interval should default")
			},
		},
		{
			name:     "minimal_yaml_defaults",
			filename: "cellwatch.yaml",
			config: `
watch_folders:
  - /data/reports
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{".xlsx", ".xlsm"}, cfg.SupportedExtensions, "extensions should default")
				assert.Equal(t, 2*time.Second, cfg.Debounce(), "debounce should default")
				assert.Equal(t, 2*time.Second, cfg.MtimeTolerance(), "mtime tolerance should default")
				assert.Equal(t, 120*time.Second, cfg.FileTimeout(), "file timeout should default")
				assert.Equal(t, 5*time.Minute, cfg.LogDedupWindow(), "dedup window should default")
				assert.True(t, cfg.QuickSkip(), "quick skip defaults on")
				assert.True(t, cfg.AutoUpdate(), "auto update defaults on")
				assert.True(t, cfg.Track.IgnoreIndirectChanges(), "indirect changes ignored by default")
				assert.Equal(t, "single", cfg.Mirror.Strategy, "mirror strategy should default")
				assert.Equal(t, 10, cfg.Mirror.MaxRetries, "mirror retries should default")
			},
		},
		{
			name:     "valid_json_config",
			filename: "cellwatch.json",
			config: `{
  "watch_folders": ["/data/reports"],
  "supported_extensions": ["XLSX"],
  "auto_update_baseline": false
}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{".xlsx"}, cfg.SupportedExtensions, "extension should be normalized")
				assert.False(t, cfg.AutoUpdate(), "auto update disabled explicitly")
			},
		},
		{
			name:     "valid_hcl_config",
			filename: "cellwatch.hcl",
			config: `
watch_folders = ["/data/reports"]
debounce_seconds = 1.5

mirror {
  strategy = "single"
  strict   = true
}
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 1500*time.Millisecond, cfg.Debounce(), "fractional seconds should work")
				assert.True(t, cfg.Mirror.Strict, "strict should be set")
			},
		},
		{
			name:        "missing_watch_folders",
			filename:    "cellwatch.yaml",
			config:      `debounce_seconds: 3`,
			wantErr:     true,
			errContains: "watch_folders is required",
		},
		{
			name:     "bad_mirror_strategy",
			filename: "cellwatch.yaml",
			config: `
watch_folders: ["/data"]
mirror:
  strategy: rsync
`,
			wantErr:     true,
			errContains: "mirror.strategy must be one of",
		},
		{
			name:     "tool_strategy_needs_command",
			filename: "cellwatch.yaml",
			config: `
watch_folders: ["/data"]
mirror:
  strategy: tool
`,
			wantErr:     true,
			errContains: "tool_command is required",
		},
		{
			name:        "unknown_yaml_field",
			filename:    "cellwatch.yaml",
			config:      "watch_folders: [/data]\nwatch_folder_typo: [/other]\n",
			wantErr:     true,
			errContains: "parsing YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())

			dir := t.TempDir()
			path := filepath.Join(dir, tt.filename)
			require.NoError(t, os.WriteFile(path, []byte(tt.config), 0644))

			cfg, err := Load(ctx, path)
			if tt.wantErr {
				require.Error(t, err, "expected error")
				assert.Contains(t, err.Error(), tt.errContains, "error should contain expected message")
				return
			}
			require.NoError(t, err, "unexpected error")
			require.NotNil(t, cfg)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestIsSupportedFile(t *testing.T) {
	cfg := &Config{WatchFolders: []string{"/data"}}
	require.NoError(t, cfg.Validate())

	tests := []struct {
		path string
		want bool
	}{
		{"/data/report.xlsx", true},
		{"/data/report.XLSM", true},
		{"/data/report.csv", false},
		{"/data/~$report.xlsx", false},
		{"/data/nested/deep/book.xlsx", true},
		{"/data/report.xlsx.bak", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.IsSupportedFile(tt.path))
		})
	}
}

func TestIsExcluded(t *testing.T) {
	cfg := &Config{
		WatchFolders:   []string{"/data"},
		ExcludeFolders: []string{"archive", "**/backup/**"},
	}
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.IsExcluded("/data/archive"), "bare folder name matches the folder itself")
	assert.True(t, cfg.IsExcluded("/data/archive/book.xlsx"), "bare folder name matches contents")
	assert.True(t, cfg.IsExcluded("/data/q1/backup/book.xlsx"))
	assert.False(t, cfg.IsExcluded("/data/reports/book.xlsx"))
	assert.False(t, cfg.IsExcluded("/data/archived-reports/book.xlsx"), "partial folder names do not match")
}

func TestIsNoPreBaseline(t *testing.T) {
	cfg := &Config{
		WatchFolders:         []string{"/data"},
		NoPreBaselineFolders: []string{"/mnt/shared-drive"},
	}
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.IsNoPreBaseline("/mnt/shared-drive/anything/book.xlsx"))
	assert.True(t, cfg.IsNoPreBaseline("/MNT/Shared-Drive/book.xlsx"), "matching is case insensitive")
	assert.False(t, cfg.IsNoPreBaseline("/data/book.xlsx"))
}
