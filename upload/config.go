package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/bitrise-io/go-uploadkit/upload/chunkplan"
	"github.com/bitrise-io/go-uploadkit/upload/network"
	"github.com/bitrise-io/go-uploadkit/upload/scheduler"
	"github.com/bitrise-io/go-uploadkit/upload/state"
)

// DefaultStaleStateMaxAge is how old a recorded task snapshot may grow before
// startup housekeeping removes it.
const DefaultStaleStateMaxAge = 7 * 24 * time.Hour

// Config ...
type Config struct {
	// Scheduler tunes worker count, chunking, size routing and retention.
	Scheduler scheduler.Config
	// Client tunes the HTTP transport assembled by NewDefaultManager. It is
	// not consulted when a ready transport is injected.
	Client network.ClientConfig
	// StaleStateMaxAge bounds the age of task snapshots kept across runs.
	// Zero means DefaultStaleStateMaxAge.
	StaleStateMaxAge time.Duration
}

// DefaultConfig returns the production defaults: 3 workers, 5 MiB chunks,
// 10 MiB whole-file threshold, 3 retries starting at a 1s backoff.
func DefaultConfig() Config {
	return Config{
		Scheduler: scheduler.Config{
			WorkerCount:             scheduler.DefaultWorkerCount,
			ChunkSizeBytes:          chunkplan.DefaultChunkSizeBytes,
			WholeFileThresholdBytes: scheduler.DefaultWholeFileThresholdBytes,
			TerminalGrace:           scheduler.DefaultTerminalGrace,
			FailedRetention:         scheduler.DefaultFailedRetention,
		},
		Client: network.ClientConfig{
			MaxRetries:   network.DefaultMaxRetries,
			RetryWaitMin: network.DefaultRetryWaitMin,
			RetryWaitMax: network.DefaultRetryWaitMax,
		},
		StaleStateMaxAge: DefaultStaleStateMaxAge,
	}
}

func (c Config) withDefaults() Config {
	if c.StaleStateMaxAge <= 0 {
		c.StaleStateMaxAge = DefaultStaleStateMaxAge
	}
	return c
}

// envConfig is the environment contract of the default manager, parsed the
// way steps parse their inputs. Sizes accept human form ("8MB", "512k").
type envConfig struct {
	APIBaseURL         string          `env:"UPLOADKIT_API_BASE_URL,required"`
	APIAccessToken     stepconf.Secret `env:"UPLOADKIT_API_ACCESS_TOKEN,required"`
	StateDBPath        string          `env:"UPLOADKIT_STATE_DB_PATH"`
	WorkerCount        int             `env:"UPLOADKIT_WORKER_COUNT"`
	ChunkSize          string          `env:"UPLOADKIT_CHUNK_SIZE"`
	WholeFileThreshold string          `env:"UPLOADKIT_WHOLE_FILE_THRESHOLD"`
	DebugLog           bool            `env:"UPLOADKIT_DEBUG_LOG"`
}

// NewDefaultManager assembles a Manager from the process environment: the
// retrying HTTP transport against UPLOADKIT_API_BASE_URL, a SQLite-backed
// state store and the default usage tracker.
func NewDefaultManager(envRepo env.Repository, logger log.Logger) (*Manager, error) {
	var input envConfig
	if err := stepconf.NewInputParser(envRepo).Parse(&input); err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}
	logger.EnableDebugLog(input.DebugLog)

	cfg, err := configFromEnv(input)
	if err != nil {
		return nil, err
	}

	dbPath, err := stateDBPath(input.StateDBPath)
	if err != nil {
		return nil, err
	}
	store, err := state.NewSQLiteStore(context.Background(), dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open the state store: %w", err)
	}

	tokens := network.NewTokenStore(string(input.APIAccessToken))
	transport := network.NewClient(cfg.Client, tokens, logger)
	tracker := newDefaultTracker(envRepo, logger)
	return NewManager(cfg, transport, store, tokens, tracker, logger), nil
}

func configFromEnv(input envConfig) (Config, error) {
	cfg := DefaultConfig()
	cfg.Client.BaseURL = input.APIBaseURL

	if input.WorkerCount < 0 {
		return Config{}, fmt.Errorf("worker count should be positive, got %d", input.WorkerCount)
	}
	if input.WorkerCount > 0 {
		cfg.Scheduler.WorkerCount = input.WorkerCount
	}
	if input.ChunkSize != "" {
		size, err := units.RAMInBytes(input.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse chunk size %s: %w", input.ChunkSize, err)
		}
		cfg.Scheduler.ChunkSizeBytes = size
	}
	if input.WholeFileThreshold != "" {
		size, err := units.RAMInBytes(input.WholeFileThreshold)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse whole file threshold %s: %w", input.WholeFileThreshold, err)
		}
		cfg.Scheduler.WholeFileThresholdBytes = size
	}
	return cfg, nil
}

// stateDBPath picks where task progress is recorded between runs. The user
// cache directory survives reboots; the temp dir is the fallback.
func stateDBPath(configured string) (string, error) {
	dbPath := configured
	if dbPath == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dbPath = filepath.Join(base, "uploadkit", "state.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create the state directory: %w", err)
	}
	return dbPath, nil
}
