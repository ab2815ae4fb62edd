package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/bitrise-io/go-uploadsession/chunkupload/checkpoint"
	"github.com/bitrise-io/go-uploadsession/chunkupload/network"
	"github.com/bitrise-io/go-uploadsession/chunkupload/s3backend"
	"github.com/bitrise-io/go-uploadsession/config"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

// environment is everything a command needs to talk to the configured backend.
type environment struct {
	cfg    *config.Config
	logger log.Logger
	api    chunkupload.API
	// sessionByID rebuilds a session descriptor from its id; key is only used by the s3 backend.
	sessionByID func(id, key string) (chunkupload.Session, error)
}

func loadConfig(c *cli.Context) (*config.Config, log.Logger, error) {
	if envFile := c.String("env-file"); envFile != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil {
			return nil, nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	if c.IsSet("backend") {
		cfg.Backend = c.String("backend")
	}
	if c.IsSet("api-url") {
		cfg.APIURL = c.String("api-url")
	}
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, newLogger(cfg.Debug), nil
}

func newLogger(debug bool) log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(debug)
	return logger
}

func newEnvironment(c *cli.Context) (*environment, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	env := &environment{cfg: cfg, logger: logger}
	switch cfg.Backend {
	case config.BackendS3:
		backend, err := s3backend.NewFromParams(c.Context, cfg.S3Params(cfg.UploaderConfig(logger).Concurrency), logger)
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		env.api = backend
		env.sessionByID = func(id, key string) (chunkupload.Session, error) {
			if key == "" {
				return chunkupload.Session{}, errors.New("the s3 backend needs the object key of the upload (--key)")
			}
			return backend.SessionByID(key, id, 0)
		}
	default:
		client := network.NewClient(network.NewRetryClient(logger, cfg.HTTPRetries), cfg.APIURL, tokenSource(cfg), logger)
		env.api = client
		env.sessionByID = func(id, _ string) (chunkupload.Session, error) {
			return client.SessionByID(id), nil
		}
	}

	return env, nil
}

func tokenSource(cfg *config.Config) network.TokenSource {
	if cfg.TokenFile == "" {
		return network.StaticToken(cfg.AccessToken)
	}
	return network.NewRefreshingToken(func(context.Context) (string, error) {
		b, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	})
}

// openCheckpoints returns nil when no checkpoint store is configured.
func openCheckpoints(cfg *config.Config) (chunkupload.CheckpointStore, func() error, error) {
	switch {
	case cfg.Checkpoint.Dir != "":
		store, err := checkpoint.NewLevelDB(cfg.Checkpoint.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return store, store.Close, nil
	case cfg.Checkpoint.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.Checkpoint.RedisAddr})
		return checkpoint.NewRedis(client, cfg.Checkpoint.RedisTTL), client.Close, nil
	default:
		return nil, func() error { return nil }, nil
	}
}
