package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfig_MergesEnvironmentAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
jwt:
  secret: ${JWT_SECRET}
`)
	writeFile(t, dir, "production.yaml", `
db:
  host: db.internal
`)
	writeFile(t, dir, "secrets.env", `
# comment
JWT_SECRET="s3cret"
`)

	cfgMap, err := LoadConfig("production", dir)
	require.NoError(t, err)

	var out struct {
		DB  DBConfig  `yaml:"db"`
		JWT JWTConfig `yaml:"jwt"`
	}
	require.NoError(t, Decode(cfgMap, &out))

	assert.Equal(t, "db.internal", out.DB.Host)
	assert.Equal(t, 5432, out.DB.Port)
	assert.Equal(t, "s3cret", out.JWT.Secret)
}

func TestLoadConfig_MissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}

func TestOverrideDBFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "envhost")
	t.Setenv("DB_PORT", "6543")

	cfg := DBConfig{Host: "localhost", Port: 5432}
	OverrideDBFromEnv(&cfg)

	assert.Equal(t, "envhost", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
}

func TestOverridesFromEnv(t *testing.T) {
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_MAX_CONNS", "32")
	t.Setenv("MQ_COMMAND_QUEUE", "ledger.cmd")
	t.Setenv("MQ_MAX_RETRIES", "7")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("JWT_ISSUER", "civic")

	db := DBConfig{Port: 5432}
	OverrideDBFromEnv(&db)
	assert.Equal(t, 6543, db.Port)
	assert.Equal(t, int32(32), db.MaxConns)

	mq := MQConfig{}
	OverrideMQFromEnv(&mq)
	assert.Equal(t, "ledger.cmd", mq.CommandQueue)
	assert.Equal(t, int64(7), mq.MaxRetries)

	rc := RedisConfig{}
	OverrideRedisFromEnv(&rc)
	assert.Equal(t, 2, rc.DB)

	jwt := JWTConfig{}
	OverrideJWTFromEnv(&jwt)
	assert.Equal(t, "civic", jwt.Issuer)
}
