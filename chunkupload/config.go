package chunkupload

import (
	"runtime"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/semaphore"
)

const (
	minPartSize = 8 * 1024 * 1024
	maxPartSize = 100 * 1024 * 1024
)

// Config holds configuration for the uploader.
type Config struct {
	// Concurrency is the maximum number of parallel part uploads when Pool is nil.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// Pool bounds parallel part uploads across every upload that shares it.
	// It is owned by the caller; when nil, each upload gets its own pool of Concurrency slots.
	Pool *semaphore.Weighted

	// MaxRetryPerPart is the maximum number of attempts per part.
	// Default: 3
	MaxRetryPerPart int

	// HungThreshold is the duration after which a part upload is considered hung
	// if it exceeds the average upload time by this amount.
	// Default: 30 seconds
	HungThreshold time.Duration

	// Commit controls the wait between "still processing" commit responses.
	Commit CommitPolicy

	// Logger defaults to log.NewLogger().
	Logger log.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:     DefaultConcurrency(),
		MaxRetryPerPart: 3,
		HungThreshold:   30 * time.Second,
		Commit:          DefaultCommitPolicy(),
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency()
	}
	if c.MaxRetryPerPart <= 0 {
		c.MaxRetryPerPart = 1
	}
	if c.Commit == (CommitPolicy{}) {
		c.Commit = DefaultCommitPolicy()
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	return c
}

// OptimalPartSize calculates the part size for backends that let the client choose it.
func OptimalPartSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	return int64(optimalPartSize(uint64(totalSize), minPartSize, maxPartSize, uint64(concurrency)))
}

func optimalPartSize(totalSize, min, max, concurrency uint64) uint64 {
	ps := totalSize / concurrency

	// Reduce part size for very large parts to improve parallelism
	if ps >= maxPartSize {
		ps = ps / 2
	}

	if ps < min {
		ps = min
	}

	if max > 0 && ps > max {
		ps = max
	}

	return ps
}
