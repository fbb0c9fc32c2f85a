package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout())
	assert.Equal(t, StoreRedis, cfg.Signaling.Store)
	assert.Equal(t, 60*time.Second, cfg.Signaling.RingTimeout)
	assert.Equal(t, 10*time.Second, cfg.Signaling.WriteTimeout)
	assert.True(t, cfg.Availability.RespectBlockedSlots)
	assert.Equal(t, "start", cfg.Availability.CollisionPolicy)
	assert.Equal(t, "test-secret", cfg.JWT.Secret)
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yml := []byte(`
server:
  port: 9090
signaling:
  store: memory
  ring_timeout: 45s
availability:
  collision_policy: overlap
jwt:
  secret: from-file
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), yml, 0o600))
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, StoreMemory, cfg.Signaling.Store)
	assert.Equal(t, 45*time.Second, cfg.Signaling.RingTimeout)
	assert.Equal(t, "overlap", cfg.Availability.CollisionPolicy)
	assert.Equal(t, "from-file", cfg.JWT.Secret)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			JWT:          JWTConfig{Secret: "s"},
			Signaling:    SignalingConfig{Store: StoreMemory},
			Availability: AvailabilityConfig{CollisionPolicy: "start"},
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Signaling.Store = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Signaling.Store = StoreFirestore
	assert.Error(t, cfg.Validate())
	cfg.Firebase.ProjectID = "demo"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Availability.CollisionPolicy = "fuzzy"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.JWT.Secret = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadWorkerConfig(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("WORKER_SMTP_HOST", "mail.internal")

	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "mail.internal", cfg.SMTPHost)
	assert.Equal(t, ":8081", cfg.HealthAddr)
	assert.Equal(t, 1025, cfg.SMTPPort)
}
