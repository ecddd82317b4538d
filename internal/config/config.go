package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Data     DataConfig     `yaml:"data" mapstructure:"data"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	Bench    BenchConfig    `yaml:"bench" mapstructure:"bench"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DataConfig locates input datasets.
type DataConfig struct {
	Dir        string                   `yaml:"dir" mapstructure:"dir"`
	CacheDir   string                   `yaml:"cache_dir" mapstructure:"cache_dir"`
	Properties PropertiesConfig         `yaml:"properties" mapstructure:"properties"`
	Datasets   map[string]DatasetConfig `yaml:"datasets" mapstructure:"datasets"`
}

// PropertiesConfig names the attributes read from GeoJSON and shapefile inputs.
type PropertiesConfig struct {
	GEOID      string `yaml:"geoid" mapstructure:"geoid"`
	Population string `yaml:"population" mapstructure:"population"`
	ZCTA       string `yaml:"zcta" mapstructure:"zcta"`
}

// DatasetConfig describes one named dataset. File paths default to
// <data.dir>/<name>_tracts.geojson and <data.dir>/<name>_zipcode.geojson.
type DatasetConfig struct {
	Format     string           `yaml:"format" mapstructure:"format"`
	Label      string           `yaml:"label" mapstructure:"label"`
	Tracts     string           `yaml:"tracts" mapstructure:"tracts"`
	ZCTAs      string           `yaml:"zctas" mapstructure:"zctas"`
	Population string           `yaml:"population" mapstructure:"population"`
	StateFIPS  string           `yaml:"state_fips" mapstructure:"state_fips"`
	Year       int              `yaml:"year" mapstructure:"year"`
	SRID       int              `yaml:"srid" mapstructure:"srid"`
	Properties PropertiesConfig `yaml:"properties" mapstructure:"properties"`
}

// EngineConfig tunes the index and the work-stealing scheduler.
type EngineConfig struct {
	StealBatch      int    `yaml:"steal_batch" mapstructure:"steal_batch"`
	VictimPolicy    string `yaml:"victim_policy" mapstructure:"victim_policy"`
	LinearThreshold int    `yaml:"linear_threshold" mapstructure:"linear_threshold"`
	NodeCapacity    int    `yaml:"node_capacity" mapstructure:"node_capacity"`
	StrictGeometry  bool   `yaml:"strict_geometry" mapstructure:"strict_geometry"`
}

// BenchConfig is the default benchmark grid and its outputs.
type BenchConfig struct {
	Strategies []string `yaml:"strategies" mapstructure:"strategies"`
	Threads    []int    `yaml:"threads" mapstructure:"threads"`
	Repeats    int      `yaml:"repeats" mapstructure:"repeats"`
	Warmup     int      `yaml:"warmup" mapstructure:"warmup"`
	Verify     bool     `yaml:"verify" mapstructure:"verify"`
	CSVOut     string   `yaml:"csv_out" mapstructure:"csv_out"`
	XLSXOut    string   `yaml:"xlsx_out" mapstructure:"xlsx_out"`
}

// StoreConfig configures the benchmark history database.
type StoreConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	Disabled bool   `yaml:"disabled" mapstructure:"disabled"`
}

// PostgresConfig configures the PostGIS connection.
type PostgresConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	// ConnectAttempts is how many times the initial ping is tried.
	ConnectAttempts int `yaml:"connect_attempts" mapstructure:"connect_attempts"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port     int    `yaml:"port" mapstructure:"port"`
	Strategy string `yaml:"strategy" mapstructure:"strategy"`
	Threads  int    `yaml:"threads" mapstructure:"threads"`
}

var validFormats = map[string]bool{"": true, "geojson": true, "shapefile": true, "postgis": true}

// DefaultDatasets are used when the config names none: the two sizes the
// benchmark reports compare.
func DefaultDatasets() map[string]DatasetConfig {
	return map[string]DatasetConfig{
		"delaware":   {Format: "geojson", Label: "small"},
		"california": {Format: "geojson", Label: "big"},
	}
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TRACTJOIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.cache_dir", "")
	v.SetDefault("data.properties.geoid", "GEOID")
	v.SetDefault("data.properties.population", "P1_001N")
	v.SetDefault("data.properties.zcta", "ZCTA5CE20")
	v.SetDefault("engine.steal_batch", 0)
	v.SetDefault("engine.victim_policy", "round-robin")
	v.SetDefault("engine.linear_threshold", 8)
	v.SetDefault("engine.node_capacity", 16)
	v.SetDefault("engine.strict_geometry", false)
	v.SetDefault("bench.strategies", []string{"sequential", "parallel-basic", "parallel-work-stealing"})
	v.SetDefault("bench.threads", []int{1, 2, 4, 8})
	v.SetDefault("bench.repeats", 1)
	v.SetDefault("bench.warmup", 0)
	v.SetDefault("bench.verify", true)
	v.SetDefault("bench.csv_out", "benchmarks.csv")
	v.SetDefault("bench.xlsx_out", "")
	v.SetDefault("store.path", "tractjoin.db")
	v.SetDefault("store.disabled", false)
	v.SetDefault("postgres.database_url", "")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.connect_attempts", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.strategy", "parallel-work-stealing")
	v.SetDefault("server.threads", 4)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data.Datasets = DefaultDatasets()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return eris.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Bench.Repeats < 1 {
		return eris.Errorf("config: bench.repeats must be at least 1, got %d", c.Bench.Repeats)
	}
	if c.Bench.Warmup < 0 {
		return eris.Errorf("config: bench.warmup must not be negative, got %d", c.Bench.Warmup)
	}
	if c.Engine.StealBatch < 0 {
		return eris.Errorf("config: engine.steal_batch must not be negative, got %d", c.Engine.StealBatch)
	}
	for name, ds := range c.Data.Datasets {
		if !validFormats[strings.ToLower(ds.Format)] {
			return eris.Errorf("config: dataset %q has unknown format %q", name, ds.Format)
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
