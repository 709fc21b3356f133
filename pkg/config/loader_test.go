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

func TestLoadConfigMergesEnvironmentAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  password: ${DB_SECRET}
stripe:
  webhook_secrets:
    - ${WEBHOOK_A}
    - static
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
`)
	writeFile(t, dir, "secrets.env", "DB_SECRET=s3cret\nWEBHOOK_A=\"whsec_a\"\n")

	cfgMap, err := LoadConfig("staging", dir)
	require.NoError(t, err)

	var out struct {
		DB     DBConfig `yaml:"db"`
		Stripe struct {
			WebhookSecrets []string `yaml:"webhook_secrets"`
		} `yaml:"stripe"`
	}
	require.NoError(t, Decode(cfgMap, &out))

	assert.Equal(t, "db.staging", out.DB.Host)
	assert.Equal(t, 5432, out.DB.Port)
	assert.Equal(t, "s3cret", out.DB.Password)
	assert.Equal(t, []string{"whsec_a", "static"}, out.Stripe.WebhookSecrets)
}

func TestLoadConfigSystemEnvFillsRemainingPlaceholders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "jwt:\n  secret: ${COHORT_TEST_JWT}\n")
	t.Setenv("COHORT_TEST_JWT", "from-env")

	cfgMap, err := LoadConfig("local", dir)
	require.NoError(t, err)

	var out struct {
		JWT JWTConfig `yaml:"jwt"`
	}
	require.NoError(t, Decode(cfgMap, &out))
	assert.Equal(t, "from-env", out.JWT.Secret)
}

func TestLoadConfigMissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}

func TestDSNDefaultsSSLMode(t *testing.T) {
	cfg := DBConfig{Host: "h", Port: 5432, User: "u", Password: "p", Name: "n"}
	assert.Equal(t, "postgres://u:p@h:5432/n?sslmode=disable", cfg.DSN())
}
