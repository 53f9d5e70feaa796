package upload

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		input   envConfig
		want    func(t *testing.T, cfg Config)
		wantErr string
	}{
		{
			name:  "defaults with only the required inputs",
			input: envConfig{APIBaseURL: "https://upload.example.com", APIAccessToken: "secret"},
			want: func(t *testing.T, cfg Config) {
				assert.Equal(t, "https://upload.example.com", cfg.Client.BaseURL)
				assert.Equal(t, 3, cfg.Scheduler.WorkerCount)
				assert.Equal(t, int64(5*1024*1024), cfg.Scheduler.ChunkSizeBytes)
				assert.Equal(t, int64(10*1024*1024), cfg.Scheduler.WholeFileThresholdBytes)
			},
		},
		{
			name:  "worker count override",
			input: envConfig{APIBaseURL: "https://upload.example.com", WorkerCount: 5},
			want: func(t *testing.T, cfg Config) {
				assert.Equal(t, 5, cfg.Scheduler.WorkerCount)
			},
		},
		{
			name:  "human readable sizes",
			input: envConfig{APIBaseURL: "https://upload.example.com", ChunkSize: "8MB", WholeFileThreshold: "16MB"},
			want: func(t *testing.T, cfg Config) {
				assert.Equal(t, int64(8*1024*1024), cfg.Scheduler.ChunkSizeBytes)
				assert.Equal(t, int64(16*1024*1024), cfg.Scheduler.WholeFileThresholdBytes)
			},
		},
		{
			name:    "negative worker count",
			input:   envConfig{APIBaseURL: "https://upload.example.com", WorkerCount: -1},
			wantErr: "worker count should be positive",
		},
		{
			name:    "unparseable chunk size",
			input:   envConfig{APIBaseURL: "https://upload.example.com", ChunkSize: "five megabytes"},
			wantErr: "failed to parse chunk size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := configFromEnv(tt.input)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.want(t, cfg)
		})
	}
}

func TestStateDBPath(t *testing.T) {
	t.Run("configured path gets its directory created", func(t *testing.T) {
		configured := filepath.Join(t.TempDir(), "nested", "state", "tasks.db")

		dbPath, err := stateDBPath(configured)

		require.NoError(t, err)
		assert.Equal(t, configured, dbPath)
		assert.DirExists(t, filepath.Dir(configured))
	})

	t.Run("empty path lands in the user cache directory", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", t.TempDir())

		dbPath, err := stateDBPath("")

		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(dbPath, filepath.Join("uploadkit", "state.db")), "got %s", dbPath)
	})
}

func TestNewDefaultManagerFromEnvironment(t *testing.T) {
	envRepo := fakeEnvRepo{envVars: map[string]string{
		"UPLOADKIT_API_BASE_URL":     "https://upload.example.com",
		"UPLOADKIT_API_ACCESS_TOKEN": "token-1",
		"UPLOADKIT_STATE_DB_PATH":    filepath.Join(t.TempDir(), "state.db"),
		"UPLOADKIT_WORKER_COUNT":     "2",
		"UPLOADKIT_CHUNK_SIZE":       "1MB",
	}}

	manager, err := NewDefaultManager(envRepo, log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, manager.store.Close())
	})

	assert.Equal(t, "https://upload.example.com", manager.cfg.Client.BaseURL)
	assert.Equal(t, 2, manager.cfg.Scheduler.WorkerCount)
	assert.Equal(t, int64(1024*1024), manager.cfg.Scheduler.ChunkSizeBytes)
	require.NotNil(t, manager.tokens)
	assert.Equal(t, "token-1", manager.tokens.Token())
	assert.NotNil(t, manager.tracker.tracker)
}

func TestNewDefaultManagerRequiresAPIInputs(t *testing.T) {
	_, err := NewDefaultManager(fakeEnvRepo{envVars: map[string]string{}}, log.NewLogger())
	require.Error(t, err)
}
