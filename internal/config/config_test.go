package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	Getenv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	t.Cleanup(func() { Getenv = defaultLookup })
}

// defaultLookup restores a real (empty) environment between tests.
func defaultLookup(string) (string, bool) { return "", false }

func TestFromEnv_Defaults(t *testing.T) {
	withEnv(t, nil)

	cfg := FromEnv()

	assert.Equal(t, DefaultBindAddress, cfg.BindAddress)
	assert.EqualValues(t, DefaultPort, cfg.Port)
	assert.EqualValues(t, DefaultMaxMemory, cfg.MaxMemory)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultSnapshotDir, cfg.SnapshotDir)
}

func TestFromEnv_NonNumericPortFallsBackToDefault(t *testing.T) {
	withEnv(t, map[string]string{"CACHEFORGE_PORT": "not-a-port"})

	cfg := FromEnv()

	assert.EqualValues(t, DefaultPort, cfg.Port)
}

func TestFromEnv_MaxMemorySuffixes(t *testing.T) {
	cases := map[string]uint64{
		"512":  512,
		"4k":   4 * 1024,
		"4K":   4 * 1024,
		"256m": 256 * 1024 * 1024,
		"2g":   2 * 1024 * 1024 * 1024,
	}

	for in, want := range cases {
		withEnv(t, map[string]string{"CACHEFORGE_MAX_MEMORY": in})
		cfg := FromEnv()
		assert.Equal(t, want, cfg.MaxMemory, "input %q", in)
	}
}

func TestFromEnv_OverridesEverything(t *testing.T) {
	withEnv(t, map[string]string{
		"CACHEFORGE_BIND":                   "127.0.0.1",
		"CACHEFORGE_PORT":                   "7000",
		"CACHEFORGE_MAX_MEMORY":             "1g",
		"CACHEFORGE_LOG_LEVEL":              "debug",
		"CACHEFORGE_SNAPSHOT_DIR":           "/var/lib/cacheforge",
		"CACHEFORGE_SNAPSHOT_INTERVAL_SECS": "60",
		"CACHEFORGE_MAX_ENTRIES":            "42",
		"CACHEFORGE_REPLICATION_QUEUE_MAX":  "100",
	})

	cfg := FromEnv()

	require.Equal(t, "127.0.0.1", cfg.BindAddress)
	assert.EqualValues(t, 7000, cfg.Port)
	assert.EqualValues(t, 1024*1024*1024, cfg.MaxMemory)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/cacheforge", cfg.SnapshotDir)
	assert.Equal(t, 60*time.Second, cfg.SnapshotInterval)
	assert.Equal(t, 42, cfg.MaxEntries)
	assert.Equal(t, 100, cfg.ReplicationQueueMax)
}

func TestGet_IsMemoized(t *testing.T) {
	ResetForTesting()
	withEnv(t, map[string]string{"CACHEFORGE_BIND": "10.0.0.1"})
	t.Cleanup(ResetForTesting)

	first := Get()
	// Mutating the environment after the first Get must not change the
	// memoized singleton.
	Getenv = func(string) (string, bool) { return "", false }

	second := Get()
	assert.Equal(t, first, second)
	assert.Equal(t, "10.0.0.1", second.BindAddress)
}
