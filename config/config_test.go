package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  path: hunt.log
  mode: rotate
  level: debug
cache:
  store: redis
  redis:
    addr: localhost:6379
    key_prefix: "hunt:"
    expiration: 30m
  materialization_budget: 4GiB
`)
	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hunt.log", conf.Logger.Path)
	assert.Equal(t, zapcore.DebugLevel, conf.Logger.Level)
	assert.Equal(t, "redis", conf.Cache.Store)
	assert.Equal(t, "localhost:6379", conf.Cache.Redis.Addr)
	assert.Equal(t, 30*time.Minute, conf.Cache.Redis.Expiration)
	assert.Equal(t, int64(4)<<30, int64(conf.Cache.Budget))
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMissingImplicitPathYieldsDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "nope.yaml"))
	conf, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), conf)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("HUNT_REDIS_ADDR", "redis.internal:6379")
	path := writeConfig(t, `
cache:
  store: redis
  redis:
    addr: $HUNT_REDIS_ADDR
    password: ${HUNT_REDIS_PASSWORD}
`)
	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", conf.Cache.Redis.Addr)
	// Undefined variables stay verbatim rather than collapsing to "".
	assert.Equal(t, "${HUNT_REDIS_PASSWORD}", conf.Cache.Redis.Password)
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	path := writeConfig(t, "cache:\n  store: memcached\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown cache store "memcached"`)
}

func TestRedisStoreNeedsAddr(t *testing.T) {
	path := writeConfig(t, "cache:\n  store: redis\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs an address")
}

func TestSchemaPathsResolveAgainstConfigDir(t *testing.T) {
	path := writeConfig(t, "schema:\n  dialects:\n    - maps/crowdstrike.yaml\n")
	conf, err := Load(path)
	require.NoError(t, err)
	require.Len(t, conf.Schema.Dialects, 1)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "maps", "crowdstrike.yaml"), conf.Schema.Dialects[0])
}

func TestBytesAcceptsIntegers(t *testing.T) {
	path := writeConfig(t, "cache:\n  materialization_budget: 1048576\n")
	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Bytes(1<<20), conf.Cache.Budget)
}

func TestMaterializationBudgetDefaultIsPositive(t *testing.T) {
	assert.Positive(t, Cache{}.MaterializationBudget())
}
