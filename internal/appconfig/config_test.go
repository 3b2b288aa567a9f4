package appconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPositiveIntRejectsZeroAndNegative(t *testing.T) {
	t.Setenv(EnvCloudPollSecs, "0")
	assert.Equal(t, DefaultCloudPollSecs, getPositiveInt(EnvCloudPollSecs, DefaultCloudPollSecs))

	t.Setenv(EnvCloudPollSecs, "-5")
	assert.Equal(t, DefaultCloudPollSecs, getPositiveInt(EnvCloudPollSecs, DefaultCloudPollSecs))

	t.Setenv(EnvCloudPollSecs, "30")
	assert.Equal(t, 30, getPositiveInt(EnvCloudPollSecs, DefaultCloudPollSecs))

	t.Setenv(EnvCloudPollSecs, "notanumber")
	assert.Equal(t, DefaultCloudPollSecs, getPositiveInt(EnvCloudPollSecs, DefaultCloudPollSecs))
}

func TestGetBoolAcceptsVariants(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		t.Setenv(EnvEnableWatcher, v)
		assert.True(t, getBool(EnvEnableWatcher, false), "value %q", v)
	}

	t.Setenv(EnvEnableWatcher, "nope")
	assert.False(t, getBool(EnvEnableWatcher, false))

	t.Setenv(EnvEnableWatcher, "")
	assert.Equal(t, false, getBool(EnvEnableWatcher, false))
	assert.Equal(t, true, getBool(EnvEnableWatcher, true))
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, DefaultRemoteRoot, cfg.RemoteRoot)
	assert.Equal(t, int64(DefaultCacheMaxBytes), cfg.CacheMaxBytes)
	assert.False(t, cfg.EnableWatcher)
}
