// Package config loads deepel settings from defaults, an optional YAML file
// and DEEPEL_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/happyhackingspace/deepel/candidates"
)

// EnvPrefix prefixes environment overrides, e.g. DEEPEL_TRAIN_BATCH_SIZE.
const EnvPrefix = "DEEPEL"

// Config is the full configuration surface.
type Config struct {
	Store StoreConfig `mapstructure:"store" yaml:"store"`
	Paths PathsConfig `mapstructure:"paths" yaml:"paths"`
	Model ModelConfig `mapstructure:"model" yaml:"model"`
	Train TrainConfig `mapstructure:"train" yaml:"train"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// StoreConfig locates the mention store.
type StoreConfig struct {
	DSN              string  `mapstructure:"dsn" yaml:"dsn"`
	QueriesPerSecond float64 `mapstructure:"queries_per_second" yaml:"queries_per_second"`
}

// PathsConfig locates the artifacts built by `deepel data`.
type PathsConfig struct {
	Prior        string `mapstructure:"prior" yaml:"prior"`
	PageOrder    string `mapstructure:"page_order" yaml:"page_order"`
	LabelVectors string `mapstructure:"label_vectors" yaml:"label_vectors"`
	Vocab        string `mapstructure:"vocab" yaml:"vocab"`
	Model        string `mapstructure:"model" yaml:"model"`
}

// ModelConfig shapes the classifier and candidate sets.
type ModelConfig struct {
	Cutoffs       []int  `mapstructure:"cutoffs" yaml:"cutoffs"`
	ReduceFactor  int    `mapstructure:"reduce_factor" yaml:"reduce_factor"`
	NumCandidates int    `mapstructure:"num_candidates" yaml:"num_candidates"`
	CandidateMode string `mapstructure:"candidate_mode" yaml:"candidate_mode"`
	Seed          uint64 `mapstructure:"seed" yaml:"seed"`
}

// TrainConfig controls streaming and optimization.
type TrainConfig struct {
	BatchSize           int           `mapstructure:"batch_size" yaml:"batch_size"`
	MinMentions         int           `mapstructure:"min_mentions" yaml:"min_mentions"`
	BufferScale         int           `mapstructure:"buffer_scale" yaml:"buffer_scale"`
	Prefetch            int           `mapstructure:"prefetch" yaml:"prefetch"`
	PlaceholderSampling bool          `mapstructure:"placeholder_sampling" yaml:"placeholder_sampling"`
	Limit               int           `mapstructure:"limit" yaml:"limit"`
	Epochs              int           `mapstructure:"epochs" yaml:"epochs"`
	LearningRate        float64       `mapstructure:"learning_rate" yaml:"learning_rate"`
	TrainSize           float64       `mapstructure:"train_size" yaml:"train_size"`
	NameCacheTTL        time.Duration `mapstructure:"name_cache_ttl" yaml:"name_cache_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "deepel.db")
	v.SetDefault("store.queries_per_second", 0)
	v.SetDefault("paths.prior", "prior.msgpack.zst")
	v.SetDefault("paths.page_order", "page_order.msgpack.zst")
	v.SetDefault("paths.label_vectors", "label_vectors")
	v.SetDefault("paths.vocab", "vocab.json")
	v.SetDefault("paths.model", "model.json")
	v.SetDefault("model.cutoffs", []int{})
	v.SetDefault("model.reduce_factor", 4)
	v.SetDefault("model.num_candidates", 30)
	v.SetDefault("model.candidate_mode", "lenient")
	v.SetDefault("model.seed", 1)
	v.SetDefault("train.batch_size", 100)
	v.SetDefault("train.min_mentions", 1)
	v.SetDefault("train.buffer_scale", 1)
	v.SetDefault("train.prefetch", 2)
	v.SetDefault("train.placeholder_sampling", false)
	v.SetDefault("train.limit", 0)
	v.SetDefault("train.epochs", 1)
	v.SetDefault("train.learning_rate", 0.01)
	v.SetDefault("train.train_size", 0.8)
	v.SetDefault("train.name_cache_ttl", 10*time.Minute)
}

// New returns a viper instance with defaults and environment binding. It
// reads path when non-empty, otherwise deepel.yaml from the working
// directory or $HOME/.deepel if one exists.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("deepel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".deepel"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that do not depend on the label space. The last
// cutoff is checked against the label count when training starts; empty
// cutoffs mean a single shortlist over all labels.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Store.QueriesPerSecond < 0 {
		errs = append(errs, errors.New("store.queries_per_second must not be negative"))
	}
	for i, cut := range c.Model.Cutoffs {
		if cut <= 0 || (i > 0 && cut <= c.Model.Cutoffs[i-1]) {
			errs = append(errs, fmt.Errorf("model.cutoffs must be positive and strictly increasing, got %v", c.Model.Cutoffs))
			break
		}
	}
	if c.Model.ReduceFactor < 1 {
		errs = append(errs, errors.New("model.reduce_factor must be at least 1"))
	}
	if c.Model.NumCandidates < 1 {
		errs = append(errs, errors.New("model.num_candidates must be positive"))
	}
	if _, err := candidates.ParseMode(c.Model.CandidateMode); err != nil {
		errs = append(errs, err)
	}
	if c.Train.BatchSize < 1 {
		errs = append(errs, errors.New("train.batch_size must be positive"))
	}
	if c.Train.MinMentions < 1 {
		errs = append(errs, errors.New("train.min_mentions must be at least 1"))
	}
	if c.Train.BufferScale < 1 {
		errs = append(errs, errors.New("train.buffer_scale must be at least 1"))
	}
	if c.Train.Prefetch < 0 {
		errs = append(errs, errors.New("train.prefetch must not be negative"))
	}
	if c.Train.Limit < 0 {
		errs = append(errs, errors.New("train.limit must not be negative"))
	}
	if c.Train.Epochs < 1 {
		errs = append(errs, errors.New("train.epochs must be positive"))
	}
	if c.Train.LearningRate <= 0 {
		errs = append(errs, errors.New("train.learning_rate must be positive"))
	}
	if c.Train.TrainSize <= 0 || c.Train.TrainSize > 1 {
		errs = append(errs, errors.New("train.train_size must be in (0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Mode returns the parsed candidate mode. Validate has already checked it.
func (c *Config) Mode() candidates.Mode {
	m, _ := candidates.ParseMode(c.Model.CandidateMode)
	return m
}
