package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ENV", "test")
	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "Asia/Jerusalem", cfg.Engine.Timezone)
	assert.Equal(t, 50, cfg.Engine.DefaultQueryLimit)
	assert.Equal(t, 500, cfg.Engine.MaxQueryLimit)
	assert.Equal(t, 5*time.Second, cfg.Engine.OpTimeout)
	assert.Equal(t, "notifications", cfg.MQ.NotificationChannel)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_USE_SSL", "yes")
	t.Setenv("DB_OP_TIMEOUT", "750ms")
	t.Setenv("SEED_ADMIN_EMAILS", " root@example.com, ,ops@example.com ")
	t.Setenv("MQ_BACKEND", "RabbitMQ")

	cfg := LoadConfig()

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.True(t, cfg.Database.UseSSL)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.OpTimeout)
	assert.Equal(t, []string{"root@example.com", "ops@example.com"}, cfg.Engine.SeedAdminEmails)
	assert.Equal(t, "rabbitmq", cfg.MQ.Backend)
}

func TestGetEnvDuration_Invalid(t *testing.T) {
	t.Setenv("SOME_TIMEOUT", "soon")
	assert.Equal(t, time.Second, getEnvDuration("SOME_TIMEOUT", time.Second))
}
