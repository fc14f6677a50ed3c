// Package config handles configuration loading for the cacoa server and CLI.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Scoring ScoringConfig `yaml:"scoring"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes where the inputs of one dataset live.
//
// A dataset is read either from plain files (Counts, Genes, Cells, Samples)
// or from a SOMA experiment (SomaPath, SampleColumn). Neighborhoods is always
// a file.
type DatasetConfig struct {
	Counts        string   `yaml:"counts"`
	Genes         string   `yaml:"genes"`
	Cells         string   `yaml:"cells"`
	Samples       string   `yaml:"samples"`
	Neighborhoods string   `yaml:"neighborhoods"`
	SomaPath      string   `yaml:"soma_path"`
	SampleColumn  string   `yaml:"sample_column"`
	Reference     []string `yaml:"reference"`
}

// DataConfig holds one or more datasets in the order they appear in the file.
//
// Two layouts are accepted: a single dataset written directly under data:
// (registered as "default"), or a mapping of dataset id to DatasetConfig.
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// UnmarshalYAML decodes either layout of the data section.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}

	legacy := false
	for i := 1; i < len(node.Content); i += 2 {
		if node.Content[i].Kind != yaml.MappingNode {
			legacy = true
			break
		}
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.add("default", ds)
		d.DefaultDataset = "default"
		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.add(id, ds)
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
}

// DatasetIDs returns dataset ids in file order.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// ScoringConfig holds the default thresholds of the z-score and expression
// shift computations. Requests may override them.
type ScoringConfig struct {
	Workers int `yaml:"workers"`

	// Thresholds are pointers so an explicit 0 in the file is kept.
	MinSamplesPerCondition *int     `yaml:"min_samples_per_condition"`
	MinObsPerSample        *int     `yaml:"min_obs_per_sample"`
	Robust                 *bool    `yaml:"robust"`
	MinZ                   *float64 `yaml:"min_z"`

	MinBetween *int   `yaml:"min_between"`
	MinWithin  *int   `yaml:"min_within"`
	NormAll    bool   `yaml:"norm_all"`
	Metric     string `yaml:"metric"`
	LogVecs    bool   `yaml:"log_vecs"`
}

// JobsConfig contains background job settings.
type JobsConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	QueueSize      int `yaml:"queue_size"`
	RetentionHours int `yaml:"retention_hours"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ImageSizeMB     int `yaml:"image_size_mb"`
	ImageTTLMinutes int `yaml:"image_ttl_minutes"`
	QueryCacheSize  int `yaml:"query_cache_size"`
}

// RenderConfig contains heatmap rendering settings.
type RenderConfig struct {
	CellSize int     `yaml:"cell_size"`
	MaxGenes int     `yaml:"max_genes"`
	MaxCells int     `yaml:"max_cells"`
	ZLimit   float64 `yaml:"z_limit"`
	Colormap string  `yaml:"colormap"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Scoring: ScoringConfig{
			Workers:                runtime.NumCPU(),
			MinSamplesPerCondition: ptr(2),
			MinObsPerSample:        ptr(1),
			Robust:                 ptr(true),
			MinZ:                   ptr(0.01),
			MinBetween:             ptr(1),
			MinWithin:              ptr(1),
			Metric:                 "cosine",
		},
		Jobs: JobsConfig{
			MaxConcurrent:  1,
			QueueSize:      100,
			RetentionHours: 24,
		},
		Cache: CacheConfig{
			ImageSizeMB:     128,
			ImageTTLMinutes: 10,
			QueryCacheSize:  256,
		},
		Render: RenderConfig{
			CellSize: 4,
			MaxGenes: 200,
			MaxCells: 2000,
			ZLimit:   3,
			Colormap: "rdbu",
		},
		Log: LogConfig{Level: "info"},
	}
	cfg.Data.add("default", DatasetConfig{
		Counts:        "./data/counts.mtx.gz",
		Genes:         "./data/genes.tsv",
		Cells:         "./data/cells.tsv",
		Samples:       "./data/samples.tsv",
		Neighborhoods: "./data/neighborhoods.json",
	})
	cfg.Data.DefaultDataset = "default"
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}

	s, ds := &cfg.Scoring, defaults.Scoring
	if s.Workers <= 0 {
		s.Workers = ds.Workers
	}
	if s.MinSamplesPerCondition == nil {
		s.MinSamplesPerCondition = ds.MinSamplesPerCondition
	}
	if s.MinObsPerSample == nil {
		s.MinObsPerSample = ds.MinObsPerSample
	}
	if s.Robust == nil {
		s.Robust = ds.Robust
	}
	if s.MinZ == nil {
		s.MinZ = ds.MinZ
	}
	if s.MinBetween == nil {
		s.MinBetween = ds.MinBetween
	}
	if s.MinWithin == nil {
		s.MinWithin = ds.MinWithin
	}
	if s.Metric == "" {
		s.Metric = ds.Metric
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = defaults.Jobs.QueueSize
	}
	if cfg.Jobs.RetentionHours == 0 {
		cfg.Jobs.RetentionHours = defaults.Jobs.RetentionHours
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.CellSize == 0 {
		cfg.Render.CellSize = defaults.Render.CellSize
	}
	if cfg.Render.MaxGenes == 0 {
		cfg.Render.MaxGenes = defaults.Render.MaxGenes
	}
	if cfg.Render.MaxCells == 0 {
		cfg.Render.MaxCells = defaults.Render.MaxCells
	}
	if cfg.Render.ZLimit == 0 {
		cfg.Render.ZLimit = defaults.Render.ZLimit
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}

func ptr[T any](v T) *T { return &v }
