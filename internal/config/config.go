package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"load_projection/internal/model"
	"load_projection/internal/predictor"
	"load_projection/internal/spatial"
)

// Config represents the complete application configuration
type Config struct {
	Data     DataConfig     `mapstructure:"data"`
	Model    ModelConfig    `mapstructure:"model"`
	Training TrainingConfig `mapstructure:"training"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Output   OutputConfig   `mapstructure:"output"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DataConfig locates the input tables
type DataConfig struct {
	FeaturesDir     string  `mapstructure:"features_dir"`
	WeightsFile     string  `mapstructure:"weights_file"`
	TargetsFile     string  `mapstructure:"targets_file"`
	WeightTolerance float64 `mapstructure:"weight_tolerance"`
	WeightMode      string  `mapstructure:"weight_mode"`
}

// ModelConfig holds region model hyper-parameters and persistence settings
type ModelConfig struct {
	Dir          string   `mapstructure:"dir"`
	Family       string   `mapstructure:"family"`
	Features     []string `mapstructure:"features"`
	Hidden       []int    `mapstructure:"hidden"`
	LearningRate float64  `mapstructure:"learning_rate"`
	BatchSize    int      `mapstructure:"batch_size"`
	Epochs       int      `mapstructure:"epochs"`
	Patience     int      `mapstructure:"patience"`
	L2           float64  `mapstructure:"l2"`
	MinRows      int      `mapstructure:"min_rows"`
	Calendar     bool     `mapstructure:"calendar"`
	DomainMargin float64  `mapstructure:"domain_margin"`
	Seed         uint64   `mapstructure:"seed"`
	Save         bool     `mapstructure:"save_model"`
	Overwrite    bool     `mapstructure:"overwrite_model"`
}

// TrainingConfig holds the historical window and the regions to train
type TrainingConfig struct {
	Start       string   `mapstructure:"start"`
	Split       string   `mapstructure:"split"`
	End         string   `mapstructure:"end"`
	Regions     []string `mapstructure:"regions"`
	Parallelism int      `mapstructure:"parallelism"`
}

// PipelineConfig holds forward execution settings
type PipelineConfig struct {
	Years              []int    `mapstructure:"years"`
	Scenarios          []string `mapstructure:"scenarios"`
	Regions            []string `mapstructure:"regions"`
	Parallelism        int      `mapstructure:"parallelism"`
	EmitCounty         bool     `mapstructure:"emit_county"`
	VerifyConservation bool     `mapstructure:"verify_conservation"`
}

// OutputConfig holds the output root
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// LedgerConfig holds the run ledger database settings
type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty
// path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// LOADPROJ_PIPELINE_PARALLELISM overrides pipeline.parallelism
	v.SetEnvPrefix("LOADPROJ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	mc := predictor.DefaultConfig()

	// Data defaults
	v.SetDefault("data.features_dir", "./data/features")
	v.SetDefault("data.weights_file", "./data/weights.csv")
	v.SetDefault("data.targets_file", "./data/targets.csv")
	v.SetDefault("data.weight_tolerance", spatial.DefaultTolerance)
	v.SetDefault("data.weight_mode", string(spatial.Linear))

	// Model defaults
	v.SetDefault("model.dir", "./data/models")
	v.SetDefault("model.family", string(mc.Family))
	v.SetDefault("model.features", []string{})
	v.SetDefault("model.hidden", mc.Hidden)
	v.SetDefault("model.learning_rate", mc.Train.LearningRate)
	v.SetDefault("model.batch_size", mc.Train.BatchSize)
	v.SetDefault("model.epochs", mc.Train.Epochs)
	v.SetDefault("model.patience", mc.Train.Patience)
	v.SetDefault("model.l2", mc.L2)
	v.SetDefault("model.min_rows", mc.MinRows)
	v.SetDefault("model.calendar", mc.Calendar)
	v.SetDefault("model.domain_margin", mc.DomainMargin)
	v.SetDefault("model.seed", mc.Seed)
	v.SetDefault("model.save_model", false)
	v.SetDefault("model.overwrite_model", false)

	// Training defaults
	v.SetDefault("training.start", "2016-01-01")
	v.SetDefault("training.split", "2019-01-01")
	v.SetDefault("training.end", "2020-01-01")
	v.SetDefault("training.regions", []string{})
	v.SetDefault("training.parallelism", 0)

	// Pipeline defaults
	v.SetDefault("pipeline.years", []int{})
	v.SetDefault("pipeline.scenarios", []string{})
	v.SetDefault("pipeline.regions", []string{})
	v.SetDefault("pipeline.parallelism", 0)
	v.SetDefault("pipeline.emit_county", false)
	v.SetDefault("pipeline.verify_conservation", false)

	// Output defaults
	v.SetDefault("output.dir", "./output")

	// Ledger defaults
	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.path", "./data/ledger.db")

	// Server defaults
	v.SetDefault("server.addr", ":8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Window parses the training dates. Dates are YYYY-MM-DD or RFC 3339, in UTC.
func (c *Config) Window() (model.Window, error) {
	var w model.Window
	var err error
	if w.TrainStart, err = parseDate(c.Training.Start); err != nil {
		return w, fmt.Errorf("training.start: %w", err)
	}
	if w.SplitAt, err = parseDate(c.Training.Split); err != nil {
		return w, fmt.Errorf("training.split: %w", err)
	}
	if w.EvalEnd, err = parseDate(c.Training.End); err != nil {
		return w, fmt.Errorf("training.end: %w", err)
	}
	return w, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t.UTC(), nil
}

// Predictor returns the model fitting configuration.
func (m ModelConfig) Predictor() predictor.Config {
	cfg := predictor.DefaultConfig()
	cfg.Family = predictor.Family(m.Family)
	cfg.Hidden = m.Hidden
	cfg.Train.LearningRate = m.LearningRate
	cfg.Train.BatchSize = m.BatchSize
	cfg.Train.Epochs = m.Epochs
	cfg.Train.Patience = m.Patience
	cfg.L2 = m.L2
	cfg.MinRows = m.MinRows
	cfg.Calendar = m.Calendar
	cfg.DomainMargin = m.DomainMargin
	cfg.Seed = m.Seed
	return cfg
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Data config
	if c.Data.FeaturesDir == "" {
		return fmt.Errorf("data.features_dir is required")
	}
	if c.Data.WeightTolerance <= 0 || c.Data.WeightTolerance >= 1 {
		return fmt.Errorf("data.weight_tolerance must be between 0 and 1")
	}
	switch spatial.Mode(c.Data.WeightMode) {
	case spatial.Linear, spatial.Step:
	default:
		return fmt.Errorf("data.weight_mode must be one of: linear, step")
	}

	// Validate Model config
	switch predictor.Family(c.Model.Family) {
	case predictor.FamilyMLP:
		if len(c.Model.Hidden) == 0 {
			return fmt.Errorf("model.hidden must list at least one layer for the mlp family")
		}
		for _, h := range c.Model.Hidden {
			if h < 1 {
				return fmt.Errorf("model.hidden layer widths must be at least 1")
			}
		}
		if c.Model.LearningRate <= 0 {
			return fmt.Errorf("model.learning_rate must be positive")
		}
		if c.Model.BatchSize < 1 || c.Model.Epochs < 1 {
			return fmt.Errorf("model.batch_size and model.epochs must be at least 1")
		}
	case predictor.FamilyLinear:
		if c.Model.L2 < 0 {
			return fmt.Errorf("model.l2 must not be negative")
		}
	default:
		return fmt.Errorf("model.family must be one of: mlp, linear")
	}
	if c.Model.MinRows < 2 {
		return fmt.Errorf("model.min_rows must be at least 2")
	}
	if c.Model.DomainMargin < 0 {
		return fmt.Errorf("model.domain_margin must not be negative")
	}
	if c.Model.Save && c.Model.Dir == "" {
		return fmt.Errorf("model.dir is required when save_model is enabled")
	}

	// Validate Training config
	w, err := c.Window()
	if err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return fmt.Errorf("training window: %w", err)
	}

	// Validate Pipeline config
	for _, y := range c.Pipeline.Years {
		if y < 1900 || y > 2200 {
			return fmt.Errorf("pipeline.years contains implausible year %d", y)
		}
	}
	for _, s := range c.Pipeline.Scenarios {
		if s == "" || strings.ContainsAny(s, `/\`) {
			return fmt.Errorf("pipeline.scenarios contains invalid name %q", s)
		}
	}

	// Validate Output config
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}

	// Validate Ledger config
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required when the ledger is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
