package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetUpConfigReadsTestFile(t *testing.T) {
	c, err := InitConfig(SetUpConfig("test"))
	require.NoError(t, err)

	assert.Equal(t, Testing, c.Environment)
	assert.Equal(t, 18080, c.Server.Port)
	assert.Equal(t, "memory", c.Database.Driver)
	assert.Equal(t, "memory", c.Blobstore.Backend)
	assert.Equal(t, time.Duration(0), c.Blobstore.GCInterval)
	assert.Equal(t, 8, c.Gateway.BufferSize)
	assert.Equal(t, 2*time.Second, c.Gateway.WriteTimeout)
	assert.Equal(t, uint64(2), c.Manager.ReleaseRetries)
	assert.Equal(t, time.Millisecond, c.Manager.RetryInterval)
	assert.False(t, c.Security.RateLimit.Enabled())
	assert.Equal(t, "postgres:15-alpine", c.Integration.PostgresImage)
	assert.Contains(t, c.Integration.PostgresDSN, "novatra")
}

func TestSetUpConfigDefaults(t *testing.T) {
	c, err := InitConfig(SetUpConfig("does-not-exist"))
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 30*time.Second, c.Server.ReadTimeout)
	assert.Equal(t, "memory", c.Database.Driver)
	assert.Equal(t, time.Duration(0), c.Server.WriteTimeout)
	assert.Equal(t, 256, c.Gateway.BufferSize)
	assert.Equal(t, 10*time.Minute, c.Blobstore.GracePeriod)
	assert.Equal(t, 128, c.Notifications.BufferSize)
	assert.Equal(t, 100, c.Security.RateLimit.Requests)
	assert.Equal(t, time.Minute, c.Security.RateLimit.Window)
	assert.True(t, c.Security.RateLimit.Enabled())
	assert.Equal(t, []string{"*"}, c.Security.CORS.AllowedOrigins)
	assert.Equal(t, "0.0.0.0:8080", c.ListenAddr())
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("NOVATRA_SERVER_PORT", "7000")
	c, err := InitConfig(SetUpConfig("test"))
	require.NoError(t, err)
	assert.Equal(t, 7000, c.Server.Port)
}

func TestGetEnv(t *testing.T) {
	cases := []struct {
		value    string
		expected Environment
	}{
		{"", Development},
		{"dev", Development},
		{"test", Testing},
		{"ci", CI},
		{"staging", Staging},
		{"production", Production},
	}
	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("ENV", tc.value)
			assert.Equal(t, tc.expected, GetEnv())
		})
	}

	t.Run("invalid", func(t *testing.T) {
		t.Setenv("ENV", "moon")
		assert.Panics(t, func() { GetEnv() })
	})
}

func TestMain(m *testing.M) {
	os.Unsetenv("NOVATRA_SERVER_PORT")
	os.Exit(m.Run())
}
