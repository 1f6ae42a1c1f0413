package config

import (
	"testing"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnviron()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10, cfg.DownloadConcurrency)
	assert.Equal(t, 600*time.Second, cfg.DownloadDeadline)
	assert.False(t, cfg.JobsEnabled)

	o := cfg.TransportOptions()
	assert.Equal(t, 60*time.Second, o.ConnectTimeout)
	assert.Equal(t, 600*time.Second, o.Timeout)
	assert.Equal(t, 3, o.Attempts)
	assert.True(t, o.LegacyTLS)

	e := cfg.Endpoints()
	assert.Equal(t, sat.DefaultPortalBase, e.PortalBase)
	require.NoError(t, e.Validate())
}

func TestEndpointOverrides(t *testing.T) {
	t.Setenv("PORTAL_BASE_URL", "http://127.0.0.1:9000")
	t.Setenv("BULK_VERIFY_URL", "http://127.0.0.1:9001/verify")

	cfg, err := FromEnviron()
	require.NoError(t, err)

	e := cfg.Endpoints()
	assert.Equal(t, "http://127.0.0.1:9000", e.PortalBase)
	assert.Equal(t, "http://127.0.0.1:9001/verify", e.Bulk[sat.ServiceCFDI].Verify)
	assert.Equal(t, "http://127.0.0.1:9001/verify", e.Bulk[sat.ServiceRetenciones].Verify)
	assert.Equal(t, sat.DefaultEndpoints().Bulk[sat.ServiceCFDI].Request, e.Bulk[sat.ServiceCFDI].Request)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "port", env: map[string]string{"PORT": "70000"}},
		{name: "environment", env: map[string]string{"ENVIRONMENT": "qa"}},
		{name: "log level", env: map[string]string{"LOG_LEVEL": "loud"}},
		{name: "concurrency", env: map[string]string{"DOWNLOAD_CONCURRENCY": "0"}},
		{name: "write timeout", env: map[string]string{"WRITE_TIMEOUT": "30s"}},
		{name: "relative url", env: map[string]string{"PORTAL_BASE_URL": "/portal"}},
		{name: "jobs without database", env: map[string]string{"JOBS_ENABLED": "true", "JOBS_SEAL_KEY": "x"}},
		{name: "jobs without key", env: map[string]string{"JOBS_ENABLED": "true", "DATABASE_URL": "postgres://x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnviron()
			assert.Error(t, err)
		})
	}
}

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	cfg := &ServerEnvironment{Environment: "prod", LogLevel: "warn"}
	cfg.ConfigureLogging()
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	t.Setenv("SAT_DEBUG", "true")
	cfg = &ServerEnvironment{Environment: "dev", LogLevel: "nonsense"}
	cfg.ConfigureLogging()
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logrus.StandardLogger().Formatter)
}
