package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Optflow   OptflowConfig   `yaml:"optflow"`
	Venue     VenueConfig     `yaml:"venue"`
	Engine    EngineConfig    `yaml:"engine"`
	Channels  ChannelsConfig  `yaml:"channels"`
	RefPrice  RefPriceConfig  `yaml:"refprice"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type OptflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type VenueConfig struct {
	WS   WSConfig   `yaml:"ws"`
	REST RESTConfig `yaml:"rest"`
}

type WSConfig struct {
	URL       string        `yaml:"url"`
	Currency  string        `yaml:"currency"`
	PingEvery time.Duration `yaml:"ping_every"`
}

type RESTConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Currency       string        `yaml:"currency"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Burst          int           `yaml:"burst"`
	Timeout        time.Duration `yaml:"timeout"`
}

type EngineConfig struct {
	BucketWidth    float64       `yaml:"bucket_width"`
	ManualBigUnit  int           `yaml:"manual_big_unit"`
	FullOnStart    bool          `yaml:"full_on_start"`
	SnapshotEvery  time.Duration `yaml:"snapshot_every"`
	OIRefreshEvery time.Duration `yaml:"oi_refresh_every"`
	IVPumpEvery    time.Duration `yaml:"iv_pump_every"`
	IVPumpBatch    int           `yaml:"iv_pump_batch"`
	LegRingCap     int           `yaml:"leg_ring_cap"`
}

type ChannelsConfig struct {
	TradeBuffer  int `yaml:"trade_buffer"`
	TickerBuffer int `yaml:"ticker_buffer"`
	LegBuffer    int `yaml:"leg_buffer"`
}

type RefPriceConfig struct {
	Interval       time.Duration `yaml:"interval"`
	FallbackSymbol string        `yaml:"fallback_symbol"`
}

type SnapshotConfig struct {
	Path string   `yaml:"path"`
	S3   S3Config `yaml:"s3"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Key             string `yaml:"key"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	ResourceHistory int           `yaml:"resource_history"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{Addr: "0.0.0.0:2112"},
		Channels: ChannelsConfig{
			TradeBuffer:  1024,
			TickerBuffer: 1024,
			LegBuffer:    256,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	applyS3Env(&config.Snapshot.S3)
	applyS3Env(&config.Archive.S3)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyS3Env(s3 *S3Config) {
	if !s3.Enabled {
		return
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		s3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		s3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		s3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		s3.Bucket = strings.TrimSpace(v)
	}
	s3.Bucket = strings.TrimSpace(s3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Optflow.Name == "" {
		return fmt.Errorf("optflow.name is required")
	}
	if cfg.Optflow.Version == "" {
		return fmt.Errorf("optflow.version is required")
	}

	if cfg.Venue.WS.URL == "" {
		return fmt.Errorf("venue.ws.url is required")
	}
	if cfg.Venue.WS.Currency == "" {
		return fmt.Errorf("venue.ws.currency is required")
	}
	if cfg.Venue.REST.BaseURL == "" {
		return fmt.Errorf("venue.rest.base_url is required")
	}
	if cfg.Venue.REST.Currency == "" {
		cfg.Venue.REST.Currency = cfg.Venue.WS.Currency
	}

	if cfg.Channels.TradeBuffer <= 0 {
		return fmt.Errorf("channels.trade_buffer must be greater than 0")
	}
	if cfg.Channels.TickerBuffer <= 0 {
		return fmt.Errorf("channels.ticker_buffer must be greater than 0")
	}

	if cfg.Engine.ManualBigUnit < 0 {
		return fmt.Errorf("engine.manual_big_unit must not be negative")
	}
	if cfg.Engine.BucketWidth < 0 {
		return fmt.Errorf("engine.bucket_width must not be negative")
	}

	if cfg.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required")
	}

	if cfg.Archive.Enabled && cfg.Archive.Dir == "" {
		return fmt.Errorf("archive.dir is required when the archive is enabled")
	}

	for name, s3 := range map[string]S3Config{
		"snapshot.s3": cfg.Snapshot.S3,
		"archive.s3":  cfg.Archive.S3,
	} {
		if !s3.Enabled {
			continue
		}
		if s3.Bucket == "" {
			return fmt.Errorf("%s.bucket is required when S3 is enabled", name)
		}
		if s3.Region == "" {
			return fmt.Errorf("%s.region is required when S3 is enabled", name)
		}
		if !isValidS3Bucket(s3.Bucket) {
			return fmt.Errorf("%s.bucket '%s' is invalid", name, s3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
