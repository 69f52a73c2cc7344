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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

// 🔌 Parser is the interface for config parsers
type Parser interface {
	// 📝 Parse parses the config from bytes
	Parse(ctx context.Context, data []byte) (*Config, error)

	// 🔍 CanParse checks if this parser can handle the given file
	CanParse(filename string) bool
}

var (
	// 🗺️ parsers is a list of available parsers
	parsers []Parser
)

// 📝 Register registers a parser
func Register(p Parser) {
	parsers = append(parsers, p)
}

// 🎯 GetParser returns a parser that can handle the given file
func GetParser(filename string) Parser {
	for _, p := range parsers {
		if p.CanParse(filename) {
			return p
		}
	}
	return nil
}

// 🔧 TrackArgs selects which change categories are written to the change log.
// The console display always shows every differing cell regardless of these.
type TrackArgs struct {
	FormulaChanges     *bool    `json:"formula_changes,omitempty" yaml:"formula_changes,omitempty" hcl:"formula_changes,optional"`
	DirectValueChanges *bool    `json:"direct_value_changes,omitempty" yaml:"direct_value_changes,omitempty" hcl:"direct_value_changes,optional"`
	ExternalRefUpdates *bool    `json:"external_ref_updates,omitempty" yaml:"external_ref_updates,omitempty" hcl:"external_ref_updates,optional"`
	IgnoreIndirect     *bool    `json:"ignore_indirect,omitempty" yaml:"ignore_indirect,omitempty" hcl:"ignore_indirect,optional"`
	WhitelistUsers     []string `json:"whitelist_users,omitempty" yaml:"whitelist_users,omitempty" hcl:"whitelist_users,optional"`
	CachedLookupLimit  int      `json:"cached_lookup_limit,omitempty" yaml:"cached_lookup_limit,omitempty" hcl:"cached_lookup_limit,optional"`
}

// 🪞 MirrorArgs configures snapshot acquisition (the local copy step).
type MirrorArgs struct {
	Folder             string   `json:"folder,omitempty" yaml:"folder,omitempty" hcl:"folder,optional"`
	Strategy           string   `json:"strategy,omitempty" yaml:"strategy,omitempty" hcl:"strategy,optional"`
	ChunkSizeMB        int      `json:"chunk_size_mb,omitempty" yaml:"chunk_size_mb,omitempty" hcl:"chunk_size_mb,optional"`
	ToolCommand        []string `json:"tool_command,omitempty" yaml:"tool_command,omitempty" hcl:"tool_command,optional"`
	MaxRetries         int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty" hcl:"max_retries,optional"`
	RetrySeconds       float64  `json:"retry_seconds,omitempty" yaml:"retry_seconds,omitempty" hcl:"retry_seconds,optional"`
	SettleChecks       int      `json:"settle_checks,omitempty" yaml:"settle_checks,omitempty" hcl:"settle_checks,optional"`
	SettleGapSeconds   float64  `json:"settle_gap_seconds,omitempty" yaml:"settle_gap_seconds,omitempty" hcl:"settle_gap_seconds,optional"`
	SettleMaxSeconds   float64  `json:"settle_max_seconds,omitempty" yaml:"settle_max_seconds,omitempty" hcl:"settle_max_seconds,optional"`
	PostCopySeconds    float64  `json:"post_copy_seconds,omitempty" yaml:"post_copy_seconds,omitempty" hcl:"post_copy_seconds,optional"`
	Strict             bool     `json:"strict,omitempty" yaml:"strict,omitempty" hcl:"strict,optional"`
	JournalFile        string   `json:"journal_file,omitempty" yaml:"journal_file,omitempty" hcl:"journal_file,optional"`
	DisableLocalMirror bool     `json:"disable_local_mirror,omitempty" yaml:"disable_local_mirror,omitempty" hcl:"disable_local_mirror,optional"`
}

// ⏱️ PollingArgs configures the closer-watching loop after a change is seen.
type PollingArgs struct {
	SizeThresholdMB float64 `json:"size_threshold_mb,omitempty" yaml:"size_threshold_mb,omitempty" hcl:"size_threshold_mb,optional"`
	DenseSeconds    float64 `json:"dense_seconds,omitempty" yaml:"dense_seconds,omitempty" hcl:"dense_seconds,optional"`
	SparseSeconds   float64 `json:"sparse_seconds,omitempty" yaml:"sparse_seconds,omitempty" hcl:"sparse_seconds,optional"`
}

// 📚 Config represents the complete configuration
type Config struct {
	WatchFolders        []string `json:"watch_folders" yaml:"watch_folders" hcl:"watch_folders"`
	ExcludeFolders      []string `json:"exclude_folders,omitempty" yaml:"exclude_folders,omitempty" hcl:"exclude_folders,optional"`
	SupportedExtensions []string `json:"supported_extensions,omitempty" yaml:"supported_extensions,omitempty" hcl:"supported_extensions,optional"`
	DebounceSeconds     float64  `json:"debounce_seconds,omitempty" yaml:"debounce_seconds,omitempty" hcl:"debounce_seconds,optional"`

	BaselineFolder        string   `json:"baseline_folder,omitempty" yaml:"baseline_folder,omitempty" hcl:"baseline_folder,optional"`
	NoPreBaselineFolders  []string `json:"no_pre_baseline_folders,omitempty" yaml:"no_pre_baseline_folders,omitempty" hcl:"no_pre_baseline_folders,optional"`
	ManualBaselineTargets []string `json:"manual_baseline_targets,omitempty" yaml:"manual_baseline_targets,omitempty" hcl:"manual_baseline_targets,optional"`
	ScanAllOnStart        bool     `json:"scan_all_on_start,omitempty" yaml:"scan_all_on_start,omitempty" hcl:"scan_all_on_start,optional"`

	QuickSkipByStat       *bool   `json:"quick_skip_by_stat,omitempty" yaml:"quick_skip_by_stat,omitempty" hcl:"quick_skip_by_stat,optional"`
	MtimeToleranceSeconds float64 `json:"mtime_tolerance_seconds,omitempty" yaml:"mtime_tolerance_seconds,omitempty" hcl:"mtime_tolerance_seconds,optional"`
	AutoUpdateBaseline    *bool   `json:"auto_update_baseline,omitempty" yaml:"auto_update_baseline,omitempty" hcl:"auto_update_baseline,optional"`
	FileTimeoutSeconds    float64 `json:"file_timeout_seconds,omitempty" yaml:"file_timeout_seconds,omitempty" hcl:"file_timeout_seconds,optional"`

	LogFolder           string  `json:"log_folder,omitempty" yaml:"log_folder,omitempty" hcl:"log_folder,optional"`
	LogDedupSeconds     float64 `json:"log_dedup_seconds,omitempty" yaml:"log_dedup_seconds,omitempty" hcl:"log_dedup_seconds,optional"`
	MaxChangesToDisplay int     `json:"max_changes_to_display,omitempty" yaml:"max_changes_to_display,omitempty" hcl:"max_changes_to_display,optional"`

	Track   *TrackArgs   `json:"track,omitempty" yaml:"track,omitempty" hcl:"track,block"`
	Mirror  *MirrorArgs  `json:"mirror,omitempty" yaml:"mirror,omitempty" hcl:"mirror,block"`
	Polling *PollingArgs `json:"polling,omitempty" yaml:"polling,omitempty" hcl:"polling,block"`
}

// 🎯 Load loads the configuration from a file
func Load(ctx context.Context, path string) (*Config, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("path", path).Msg("loading configuration")

	// Read config file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading config file: %w", err)
	}

	// Get parser
	p := GetParser(path)
	if p == nil {
		return nil, errors.Errorf("no parser found for file: %s", path)
	}

	// Parse config
	cfg, err := p.Parse(ctx, data)
	if err != nil {
		return nil, errors.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func boolDefault(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// 🔍 Validate checks required fields, cleans paths and applies defaults.
func (cfg *Config) Validate() error {
	if len(cfg.WatchFolders) == 0 {
		return errors.Errorf("watch_folders is required")
	}
	for i, folder := range cfg.WatchFolders {
		cfg.WatchFolders[i] = filepath.Clean(folder)
	}

	if len(cfg.SupportedExtensions) == 0 {
		cfg.SupportedExtensions = []string{".xlsx", ".xlsm"}
	}
	for i, ext := range cfg.SupportedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.SupportedExtensions[i] = ext
	}

	if cfg.DebounceSeconds <= 0 {
		cfg.DebounceSeconds = 2
	}
	if cfg.BaselineFolder == "" {
		cfg.BaselineFolder = filepath.Join(os.TempDir(), "cellwatch", "baselines")
	}
	cfg.BaselineFolder = filepath.Clean(cfg.BaselineFolder)
	if cfg.LogFolder == "" {
		cfg.LogFolder = filepath.Join(os.TempDir(), "cellwatch", "logs")
	}
	cfg.LogFolder = filepath.Clean(cfg.LogFolder)
	if cfg.LogDedupSeconds <= 0 {
		cfg.LogDedupSeconds = 300
	}
	if cfg.MaxChangesToDisplay < 0 {
		cfg.MaxChangesToDisplay = 0
	}
	if cfg.MtimeToleranceSeconds <= 0 {
		cfg.MtimeToleranceSeconds = 2
	}
	if cfg.FileTimeoutSeconds <= 0 {
		cfg.FileTimeoutSeconds = 120
	}

	if cfg.Track == nil {
		cfg.Track = &TrackArgs{}
	}
	if cfg.Track.CachedLookupLimit < 0 {
		cfg.Track.CachedLookupLimit = 0
	}

	if cfg.Mirror == nil {
		cfg.Mirror = &MirrorArgs{}
	}
	if err := cfg.Mirror.validate(); err != nil {
		return err
	}

	if cfg.Polling == nil {
		cfg.Polling = &PollingArgs{}
	}
	if cfg.Polling.SizeThresholdMB <= 0 {
		cfg.Polling.SizeThresholdMB = 10
	}
	if cfg.Polling.DenseSeconds <= 0 {
		cfg.Polling.DenseSeconds = 10
	}
	if cfg.Polling.SparseSeconds <= 0 {
		cfg.Polling.SparseSeconds = 15
	}

	return nil
}

func (m *MirrorArgs) validate() error {
	if m.Folder == "" {
		m.Folder = filepath.Join(os.TempDir(), "cellwatch", "mirror")
	}
	m.Folder = filepath.Clean(m.Folder)

	switch m.Strategy {
	case "":
		m.Strategy = "single"
	case "single", "chunked", "tool":
	default:
		return errors.Errorf("mirror.strategy must be one of single, chunked, tool: %q", m.Strategy)
	}
	if m.Strategy == "tool" && len(m.ToolCommand) == 0 {
		return errors.Errorf("mirror.tool_command is required when strategy is tool")
	}
	if m.ChunkSizeMB <= 0 {
		m.ChunkSizeMB = 4
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = 10
	}
	if m.RetrySeconds <= 0 {
		m.RetrySeconds = 2
	}
	if m.SettleChecks < 0 {
		m.SettleChecks = 0
	}
	if m.SettleGapSeconds <= 0 {
		m.SettleGapSeconds = 0.5
	}
	if m.SettleMaxSeconds <= 0 {
		m.SettleMaxSeconds = 10
	}
	if m.PostCopySeconds < 0 {
		m.PostCopySeconds = 0
	}
	return nil
}

// Duration helpers. The file formats store plain seconds the way the
// original flat settings file did; everything downstream wants
// time.Duration.

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (cfg *Config) Debounce() time.Duration       { return seconds(cfg.DebounceSeconds) }
func (cfg *Config) MtimeTolerance() time.Duration { return seconds(cfg.MtimeToleranceSeconds) }
func (cfg *Config) FileTimeout() time.Duration    { return seconds(cfg.FileTimeoutSeconds) }
func (cfg *Config) LogDedupWindow() time.Duration { return seconds(cfg.LogDedupSeconds) }

func (m *MirrorArgs) RetryInterval() time.Duration { return seconds(m.RetrySeconds) }
func (m *MirrorArgs) SettleGap() time.Duration     { return seconds(m.SettleGapSeconds) }
func (m *MirrorArgs) SettleMax() time.Duration     { return seconds(m.SettleMaxSeconds) }
func (m *MirrorArgs) PostCopyDelay() time.Duration { return seconds(m.PostCopySeconds) }

func (p *PollingArgs) DenseInterval() time.Duration  { return seconds(p.DenseSeconds) }
func (p *PollingArgs) SparseInterval() time.Duration { return seconds(p.SparseSeconds) }

// Category helpers with their historical defaults: every category tracked,
// indirect changes ignored.

func (t *TrackArgs) TrackFormulaChanges() bool     { return boolDefault(t.FormulaChanges, true) }
func (t *TrackArgs) TrackDirectValueChanges() bool { return boolDefault(t.DirectValueChanges, true) }
func (t *TrackArgs) TrackExternalRefUpdates() bool { return boolDefault(t.ExternalRefUpdates, true) }
func (t *TrackArgs) IgnoreIndirectChanges() bool   { return boolDefault(t.IgnoreIndirect, true) }

func (cfg *Config) QuickSkip() bool  { return boolDefault(cfg.QuickSkipByStat, true) }
func (cfg *Config) AutoUpdate() bool { return boolDefault(cfg.AutoUpdateBaseline, true) }

// 🔍 IsSupportedFile reports whether path has one of the supported
// spreadsheet extensions and is not an editor temp file.
func (cfg *Config) IsSupportedFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, "~$") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, supported := range cfg.SupportedExtensions {
		if ext == supported {
			return true
		}
	}
	return false
}

// 🔍 IsExcluded matches path against the exclude patterns, against both the
// full path and its trailing components so bare folder-name patterns work.
func (cfg *Config) IsExcluded(path string) bool {
	slashed := filepath.ToSlash(path)
	for _, pattern := range cfg.ExcludeFolders {
		pattern = filepath.ToSlash(pattern)
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, filepath.Base(path)); ok {
			return true
		}
		if strings.Contains(slashed, "/"+strings.Trim(pattern, "/")+"/") {
			return true
		}
	}
	return false
}

// 🔍 IsNoPreBaseline reports whether path falls under a folder watched
// without up-front baselines (broad folders like a whole drive).
func (cfg *Config) IsNoPreBaseline(path string) bool {
	lower := strings.ToLower(filepath.ToSlash(path))
	for _, folder := range cfg.NoPreBaselineFolders {
		prefix := strings.ToLower(filepath.ToSlash(filepath.Clean(folder)))
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// 📝 String returns a short description of the config
func (cfg *Config) String() string {
	return fmt.Sprintf("%d folder(s), ext %s -> baselines %s",
		len(cfg.WatchFolders), strings.Join(cfg.SupportedExtensions, ","), cfg.BaselineFolder)
}

// 🔧 YAMLParser implements the Parser interface for YAML files
type YAMLParser struct{}

func init() {
	Register(&YAMLParser{})
}

func (p *YAMLParser) CanParse(filename string) bool {
	return strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml")
}

func (p *YAMLParser) Parse(ctx context.Context, data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// 🔧 JSONParser implements the Parser interface for JSON files
type JSONParser struct{}

func init() {
	Register(&JSONParser{})
}

func (p *JSONParser) CanParse(filename string) bool {
	return strings.HasSuffix(filename, ".json")
}

func (p *JSONParser) Parse(ctx context.Context, data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Errorf("parsing JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// 🔧 HCLParser implements the Parser interface for HCL files
type HCLParser struct{}

func init() {
	Register(&HCLParser{})
}

func (p *HCLParser) CanParse(filename string) bool {
	return strings.HasSuffix(filename, ".hcl")
}

func (p *HCLParser) Parse(ctx context.Context, data []byte) (*Config, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(data, "config.hcl")
	if diags.HasErrors() {
		return nil, errors.Errorf("parsing HCL: %s", diags.Error())
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{},
	}

	var cfg Config
	diags = gohcl.DecodeBody(hclFile.Body, evalCtx, &cfg)
	if diags.HasErrors() {
		return nil, errors.Errorf("decoding HCL: %s", diags.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
