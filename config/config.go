package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type AppSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	TmpDir   string `yaml:"tmp_dir"`
}

type StorageSettings struct {
	DatabaseURL string `yaml:"database_url"`
}

type S3Settings struct {
	URL       string `yaml:"url"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

type SamplerSettings struct {
	SceneThreshold float64 `yaml:"scene_threshold"`
	// HistCorrelation is the Pearson-correlation dedup cutoff: a frame
	// is kept only when its histogram correlates below this value with
	// the last kept frame.
	HistCorrelation float64 `yaml:"hist_correlation"`
	PHashEnabled    bool    `yaml:"phash_enabled"`
	PHashThreshold  int     `yaml:"phash_threshold"`
}

type JobsSettings struct {
	PollIntervalSec   int `yaml:"poll_interval_sec"`
	MaxRetries        int `yaml:"max_retries"`
	RetryBaseDelaySec int `yaml:"retry_base_delay_sec"`
}

type OCRSettings struct {
	// Languages for the first tesseract pass; the retry pass always
	// uses "eng" alone.
	Languages string `yaml:"languages"`
	Command   string `yaml:"command"`
}

type EventsSettings struct {
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
}

type AppConfig struct {
	App     AppSettings     `yaml:"app"`
	Storage StorageSettings `yaml:"storage"`
	S3      S3Settings      `yaml:"s3"`
	Sampler SamplerSettings `yaml:"sampler"`
	Jobs    JobsSettings    `yaml:"jobs"`
	OCR     OCRSettings     `yaml:"ocr"`
	Events  EventsSettings  `yaml:"events"`
}

func (c *AppConfig) PollInterval() time.Duration {
	return time.Duration(c.Jobs.PollIntervalSec) * time.Second
}

func (c *AppConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.Jobs.RetryBaseDelaySec) * time.Second
}

// LoadConfig reads an optional YAML file, fills in defaults, and then
// applies environment overrides so containerized deployments never need
// the file at all.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := &AppConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.App.Host == "" {
		cfg.App.Host = "0.0.0.0"
	}
	if cfg.App.Port == 0 {
		cfg.App.Port = 8000
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.TmpDir == "" {
		cfg.App.TmpDir = os.TempDir()
	}
	if cfg.Storage.DatabaseURL == "" {
		cfg.Storage.DatabaseURL = "data/cortana.db"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "eu-central-1"
	}
	if cfg.Sampler.SceneThreshold == 0 {
		cfg.Sampler.SceneThreshold = 0.08
	}
	if cfg.Sampler.HistCorrelation == 0 {
		cfg.Sampler.HistCorrelation = 0.97
	}
	if cfg.Sampler.PHashThreshold == 0 {
		cfg.Sampler.PHashThreshold = 4
	}
	if cfg.Jobs.PollIntervalSec == 0 {
		cfg.Jobs.PollIntervalSec = 5
	}
	if cfg.Jobs.MaxRetries == 0 {
		cfg.Jobs.MaxRetries = 3
	}
	if cfg.Jobs.RetryBaseDelaySec == 0 {
		cfg.Jobs.RetryBaseDelaySec = 60
	}
	if cfg.OCR.Languages == "" {
		cfg.OCR.Languages = "deu+eng"
	}
	if cfg.OCR.Command == "" {
		cfg.OCR.Command = "tesseract"
	}
	if cfg.Events.Channel == "" {
		cfg.Events.Channel = "cortana-events"
	}
}

func applyEnv(cfg *AppConfig) {
	setStr(&cfg.Storage.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.S3.URL, "S3_URL")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.Region, "REGION")
	setStr(&cfg.App.TmpDir, "TMP_DIR")
	setStr(&cfg.Events.RedisURL, "REDIS_URL")
	setFloat(&cfg.Sampler.SceneThreshold, "SAMPLE_THRESHOLD")
	setInt(&cfg.Jobs.PollIntervalSec, "JOB_POLL_INTERVAL")
	setInt(&cfg.Jobs.MaxRetries, "JOB_MAX_RETRIES")
	setInt(&cfg.Jobs.RetryBaseDelaySec, "JOB_RETRY_BASE_DELAY")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
