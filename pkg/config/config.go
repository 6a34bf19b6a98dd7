package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. FFJOBS_JOBS_WORKERS
const EnvPrefix = "FFJOBS"

// Config is the effective service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server" json:"server"`
	Jobs      JobsConfig      `mapstructure:"jobs" yaml:"jobs" json:"jobs"`
	Tools     ToolsConfig     `mapstructure:"tools" yaml:"tools" json:"tools"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention" json:"retention"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" json:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit" json:"ratelimit"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// TLSCert and TLSKey switch the API to HTTPS; TLSClientCA adds mTLS
	TLSCert     string `mapstructure:"tls_cert" yaml:"tls_cert" json:"tls_cert"`
	TLSKey      string `mapstructure:"tls_key" yaml:"tls_key" json:"tls_key"`
	TLSClientCA string `mapstructure:"tls_client_ca" yaml:"tls_client_ca" json:"tls_client_ca"`
}

type JobsConfig struct {
	Workers       int           `mapstructure:"workers" yaml:"workers" json:"workers"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	ConversionDir string        `mapstructure:"conversion_dir" yaml:"conversion_dir" json:"conversion_dir"`
	DownloadDir   string        `mapstructure:"download_dir" yaml:"download_dir" json:"download_dir"`
	StagingDir    string        `mapstructure:"staging_dir" yaml:"staging_dir" json:"staging_dir"`
	MaxBatchSize  int           `mapstructure:"max_batch_size" yaml:"max_batch_size" json:"max_batch_size"`
}

type ToolsConfig struct {
	FFmpegPath        string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path" json:"ffmpeg_path"`
	YTDLPPath         string        `mapstructure:"ytdlp_path" yaml:"ytdlp_path" json:"ytdlp_path"`
	EstimatorInterval time.Duration `mapstructure:"estimator_interval" yaml:"estimator_interval" json:"estimator_interval"`
	AudioFormat       string        `mapstructure:"audio_format" yaml:"audio_format" json:"audio_format"`
	AudioQuality      string        `mapstructure:"audio_quality" yaml:"audio_quality" json:"audio_quality"`
}

type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MaxAge   time.Duration `mapstructure:"max_age" yaml:"max_age" json:"max_age"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
	Dir    string `mapstructure:"dir" yaml:"dir" json:"dir"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Environment  string  `mapstructure:"environment" yaml:"environment" json:"environment"`
	SampleRatio  float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" json:"sample_ratio"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RPS     float64 `mapstructure:"rps" yaml:"rps" json:"rps"`
	Burst   int     `mapstructure:"burst" yaml:"burst" json:"burst"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.tls_client_ca", "")

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.queue_size", 64)
	v.SetDefault("jobs.timeout", "2h")
	v.SetDefault("jobs.conversion_dir", "./outputs/conversions")
	v.SetDefault("jobs.download_dir", "./outputs/downloads")
	v.SetDefault("jobs.staging_dir", "./uploads")
	v.SetDefault("jobs.max_batch_size", 25)

	v.SetDefault("tools.ffmpeg_path", "ffmpeg")
	v.SetDefault("tools.ytdlp_path", "yt-dlp")
	v.SetDefault("tools.estimator_interval", "1s")
	v.SetDefault("tools.audio_format", "mp3")
	v.SetDefault("tools.audio_quality", "192K")

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.max_age", "24h")
	v.SetDefault("retention.interval", "1h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.dir", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 10)
	v.SetDefault("ratelimit.burst", 20)
}

// New returns a viper instance with defaults and environment binding applied
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration built from defaults only
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.TLSClientCA != "" && c.Server.TLSCert == "" {
		return fmt.Errorf("server.tls_client_ca requires server.tls_cert")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	if c.Jobs.QueueSize <= 0 {
		return fmt.Errorf("jobs.queue_size must be positive, got %d", c.Jobs.QueueSize)
	}
	if c.Jobs.Timeout < 0 {
		return fmt.Errorf("jobs.timeout must not be negative, got %s", c.Jobs.Timeout)
	}
	if c.Jobs.MaxBatchSize <= 0 {
		return fmt.Errorf("jobs.max_batch_size must be positive, got %d", c.Jobs.MaxBatchSize)
	}
	if c.Jobs.MaxBatchSize > c.Jobs.QueueSize {
		// A larger batch could never be admitted all at once
		return fmt.Errorf("jobs.max_batch_size (%d) must not exceed jobs.queue_size (%d)", c.Jobs.MaxBatchSize, c.Jobs.QueueSize)
	}
	if c.Jobs.ConversionDir == "" || c.Jobs.DownloadDir == "" {
		return fmt.Errorf("jobs.conversion_dir and jobs.download_dir are required")
	}
	if c.Tools.FFmpegPath == "" || c.Tools.YTDLPPath == "" {
		return fmt.Errorf("tools.ffmpeg_path and tools.ytdlp_path are required")
	}
	if c.Tools.EstimatorInterval <= 0 {
		return fmt.Errorf("tools.estimator_interval must be positive, got %s", c.Tools.EstimatorInterval)
	}
	if c.Retention.Enabled {
		if c.Retention.MaxAge <= 0 {
			return fmt.Errorf("retention.max_age must be positive, got %s", c.Retention.MaxAge)
		}
		if c.Retention.Interval <= 0 {
			return fmt.Errorf("retention.interval must be positive, got %s", c.Retention.Interval)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %g", c.Tracing.SampleRatio)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must be positive when enabled")
	}
	return nil
}
