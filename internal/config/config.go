// Package config handles configuration loading for clusterstats.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
)

// Config represents the full clusterstats configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Stats  StatsConfig  `yaml:"stats"`
	Output OutputConfig `yaml:"output"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Cache  CacheConfig  `yaml:"cache"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" validate:"gte=0,lte=65535"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig describes one pair of input tables.
type DatasetConfig struct {
	MatrixPath   string `yaml:"matrix_path" validate:"required"`
	MetadataPath string `yaml:"metadata_path" validate:"required"`

	// CellColumn and ClusterColumn locate the cell identifier and the
	// assigned cluster label in the metadata table, by header name or
	// by zero-based index.
	CellColumn    ColumnRef `yaml:"cell_column"`
	ClusterColumn ColumnRef `yaml:"cluster_column"`

	// BarcodeLength truncates cell identifiers to a canonical length.
	// Unset means DefaultBarcodeLength; an explicit zero disables
	// truncation.
	BarcodeLength *int   `yaml:"barcode_length" validate:"omitempty,gte=0"`
	Delimiter     string `yaml:"delimiter" validate:"omitempty,len=1"`

	// Clusters lists the labels to aggregate, in output order. When
	// empty every label found in the metadata is used, in order of
	// first appearance.
	Clusters []string `yaml:"clusters" validate:"unique,dive,required"`
}

// DefaultBarcodeLength is the cell identifier length used when a dataset
// does not set barcode_length.
const DefaultBarcodeLength = 20

// Truncation returns the effective barcode length of the dataset.
func (d *DatasetConfig) Truncation() int {
	if d.BarcodeLength == nil {
		return DefaultBarcodeLength
	}
	return *d.BarcodeLength
}

// Comma returns the field delimiter as a rune.
func (d *DatasetConfig) Comma() rune {
	if d.Delimiter == "" {
		return ','
	}
	return []rune(d.Delimiter)[0]
}

// StatsConfig contains the statistic parameters.
type StatsConfig struct {
	// Threshold is the expression level a cell must strictly exceed
	// to count as expressing.
	Threshold float64 `yaml:"threshold" validate:"gte=0"`
	Precision int     `yaml:"precision" validate:"gte=0,lte=15"`
	Workers   int     `yaml:"workers" validate:"gte=0"`
	BatchSize int     `yaml:"batch_size" validate:"gte=1"`
}

// OutputConfig contains output artifact settings.
type OutputConfig struct {
	Dir         string `yaml:"dir"`
	MeanFile    string `yaml:"mean_file" validate:"required"`
	PercentFile string `yaml:"percent_file" validate:"required"`
	HeaderFile  string `yaml:"header_file" validate:"required"`
	Mode        string `yaml:"mode" validate:"oneof=fail overwrite append"`
	HeaderLabel string `yaml:"header_label" validate:"required"`
}

// Path joins name onto the output directory.
func (o OutputConfig) Path(name string) string {
	if o.Dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(o.Dir, name)
}

// JobsConfig contains job manager settings for serve mode.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent" validate:"gte=0"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=0"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TableSizeMB     int `yaml:"table_size_mb"`
	TableTTLMinutes int `yaml:"table_ttl_minutes"`
	QueryCacheSize  int `yaml:"query_cache_size"`
	IndexCacheSize  int `yaml:"index_cache_size"`
}

// Load reads configuration from a YAML file. An empty path yields the
// default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &aggerr.ConfigError{Field: "config", Err: err}
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &aggerr.ConfigError{Field: "config", Err: err}
	}

	applyDefaults(cfg)

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			Datasets: map[string]*DatasetConfig{},
		},
		Stats: StatsConfig{
			Threshold: 1.0,
			Precision: 4,
			Workers:   runtime.NumCPU(),
			BatchSize: 256,
		},
		Output: OutputConfig{
			Dir:         ".",
			MeanFile:    "logCPM_per_cluster.txt",
			PercentFile: "percent_expressing_per_cluster.txt",
			HeaderFile:  "header_per_cluster.txt",
			Mode:        "fail",
			HeaderLabel: "ClusterID",
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/jobs.sqlite",
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			TableSizeMB:     256,
			TableTTLMinutes: 30,
			QueryCacheSize:  1000,
			IndexCacheSize:  8,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Stats.Workers == 0 {
		cfg.Stats.Workers = defaults.Stats.Workers
	}
	if cfg.Stats.BatchSize == 0 {
		cfg.Stats.BatchSize = defaults.Stats.BatchSize
	}
	if cfg.Output.Mode == "" {
		cfg.Output.Mode = defaults.Output.Mode
	}
	if cfg.Output.HeaderLabel == "" {
		cfg.Output.HeaderLabel = defaults.Output.HeaderLabel
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Cache.TableSizeMB == 0 {
		cfg.Cache.TableSizeMB = defaults.Cache.TableSizeMB
	}
	if cfg.Cache.TableTTLMinutes == 0 {
		cfg.Cache.TableTTLMinutes = defaults.Cache.TableTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Cache.IndexCacheSize == 0 {
		cfg.Cache.IndexCacheSize = defaults.Cache.IndexCacheSize
	}
	for _, ds := range cfg.Data.Datasets {
		applyDatasetDefaults(ds)
	}
}

func applyDatasetDefaults(ds *DatasetConfig) {
	if !ds.CellColumn.IsSet() {
		ds.CellColumn = ColumnIndex(0)
	}
	if ds.BarcodeLength == nil {
		n := DefaultBarcodeLength
		ds.BarcodeLength = &n
	}
	if ds.Delimiter == "" {
		ds.Delimiter = ","
	}
}

// AddDataset registers a dataset built outside of YAML, e.g. from command
// line flags. The first dataset added becomes the default.
func (c *Config) AddDataset(id string, ds *DatasetConfig) {
	applyDatasetDefaults(ds)
	if c.Data.Datasets == nil {
		c.Data.Datasets = map[string]*DatasetConfig{}
	}
	if _, ok := c.Data.Datasets[id]; !ok {
		c.Data.order = append(c.Data.order, id)
	}
	c.Data.Datasets[id] = ds
	if c.Data.DefaultDataset == "" {
		c.Data.DefaultDataset = id
	}
}

// Dataset returns the dataset with the given id, or the default dataset
// when id is empty.
func (c *Config) Dataset(id string) (*DatasetConfig, error) {
	if id == "" {
		id = c.Data.DefaultDataset
	}
	ds, ok := c.Data.Datasets[id]
	if !ok {
		return nil, &aggerr.ConfigError{Field: "data", Err: fmt.Errorf("unknown dataset %q", id)}
	}
	return ds, nil
}

// CheckInputs verifies that both input tables of ds can be opened.
func CheckInputs(ds *DatasetConfig) error {
	for _, f := range []struct {
		field, path string
	}{
		{"matrix_path", ds.MatrixPath},
		{"metadata_path", ds.MetadataPath},
	} {
		info, err := os.Stat(f.path)
		if err != nil {
			return &aggerr.ConfigError{Field: f.field, Err: err}
		}
		if info.IsDir() {
			return &aggerr.ConfigError{Field: f.field, Err: errors.New(f.path + " is a directory")}
		}
	}
	return nil
}
