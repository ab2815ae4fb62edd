// Package config reads the upload tool's settings from UPLOADSESSION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/bitrise-io/go-uploadsession/chunkupload/s3backend"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/kelseyhightower/envconfig"
)

// Prefix of every environment variable read by Load.
const Prefix = "UPLOADSESSION"

// Backend names.
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Config ...
type Config struct {
	Backend     string `envconfig:"BACKEND" default:"http"`
	APIURL      string `envconfig:"API_URL" default:"https://upload.box.com/api/2.0"`
	AccessToken string `envconfig:"ACCESS_TOKEN"`
	// TokenFile is re-read whenever the server rejects the current token.
	TokenFile string `envconfig:"TOKEN_FILE"`

	Concurrency     int           `envconfig:"CONCURRENCY"`
	MaxRetryPerPart int           `envconfig:"MAX_RETRY_PER_PART" default:"3"`
	HTTPRetries     int           `envconfig:"HTTP_RETRIES" default:"5"`
	HungThreshold   time.Duration `envconfig:"HUNG_THRESHOLD" default:"30s"`
	CommitMaxWait   time.Duration `envconfig:"COMMIT_MAX_WAIT" default:"90s"`
	Debug           bool          `envconfig:"DEBUG"`

	Checkpoint struct {
		Dir       string        `envconfig:"DIR"`
		RedisAddr string        `envconfig:"REDIS_ADDR"`
		RedisTTL  time.Duration `envconfig:"REDIS_TTL" default:"168h"`
	} `envconfig:"CHECKPOINT"`

	S3 struct {
		Bucket          string `envconfig:"BUCKET"`
		Region          string `envconfig:"REGION"`
		AccessKeyID     string `envconfig:"ACCESS_KEY_ID"`
		SecretAccessKey string `envconfig:"SECRET_ACCESS_KEY"`
		Endpoint        string `envconfig:"ENDPOINT"`
		Prefix          string `envconfig:"PREFIX"`
	} `envconfig:"S3"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ...
func (c Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.APIURL == "" {
			return errors.New("API URL is required for the http backend")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return errors.New("S3 bucket is required for the s3 backend")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			return errors.New("S3 access key ID and secret access key must be set together")
		}
	default:
		return fmt.Errorf("unknown backend %q, expected %s or %s", c.Backend, BackendHTTP, BackendS3)
	}

	if c.AccessToken != "" && c.TokenFile != "" {
		return errors.New("access token and token file are mutually exclusive")
	}
	if c.Checkpoint.Dir != "" && c.Checkpoint.RedisAddr != "" {
		return errors.New("checkpoint dir and checkpoint redis address are mutually exclusive")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.MaxRetryPerPart < 1 {
		return fmt.Errorf("max retry per part must be at least 1, got %d", c.MaxRetryPerPart)
	}
	if c.HTTPRetries < 0 {
		return fmt.Errorf("HTTP retries must not be negative, got %d", c.HTTPRetries)
	}
	if c.CommitMaxWait <= 0 {
		return fmt.Errorf("commit max wait must be positive, got %s", c.CommitMaxWait)
	}
	return nil
}

// UploaderConfig ...
func (c Config) UploaderConfig(logger log.Logger) chunkupload.Config {
	cfg := chunkupload.DefaultConfig()
	if c.Concurrency > 0 {
		cfg.Concurrency = c.Concurrency
	}
	cfg.MaxRetryPerPart = c.MaxRetryPerPart
	if c.HungThreshold > 0 {
		cfg.HungThreshold = c.HungThreshold
	}
	cfg.Commit.MaxWait = c.CommitMaxWait
	cfg.Logger = logger
	return cfg
}

// S3Params ...
func (c Config) S3Params(concurrency int) s3backend.Params {
	return s3backend.Params{
		Bucket:          c.S3.Bucket,
		Region:          c.S3.Region,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
		Endpoint:        c.S3.Endpoint,
		Prefix:          c.S3.Prefix,
		Concurrency:     concurrency,
	}
}
