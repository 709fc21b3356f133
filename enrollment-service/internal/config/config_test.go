package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohortengine/enrollment-service/internal/model"
)

func writeConfig(t *testing.T, files map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	t.Setenv("CONFIG_DIR", dir)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STRIPE_SECRET_KEY", "")
}

const baseYAML = `
jwt:
  secret: ${JWT_SECRET}
stripe:
  secret_key: ${STRIPE_SECRET_KEY}
enrollment:
  payment_mode: invoice
  bypass_level: T2
  application_fee_rate: "0.15"
  currency: EUR
`

func TestLoadAppliesOverridesAndDefaults(t *testing.T) {
	writeConfig(t, map[string]string{
		"base.yaml": baseYAML,
		"test.yaml": "jwt:\n  secret: from-test-yaml\n",
	})
	t.Setenv("STRIPE_WEBHOOK_SECRETS", "whsec_new, whsec_old,")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, "from-test-yaml", cfg.JWT.Secret)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, []string{"whsec_new", "whsec_old"}, cfg.Stripe.WebhookSecrets)
	assert.Empty(t, cfg.Stripe.SecretKey)
	assert.Equal(t, 10*time.Second, cfg.StripeTimeout())
	assert.Equal(t, time.Second, cfg.OutboxInterval())
	assert.Equal(t, 24*time.Hour, cfg.DedupeTTL())

	opts, err := cfg.EnrollmentOptions()
	require.NoError(t, err)
	assert.Equal(t, model.MethodInvoice, opts.PaymentMode)
	assert.Equal(t, model.TierTwo, opts.BypassLevel)
	assert.True(t, decimal.RequireFromString("0.15").Equal(opts.ApplicationFeeRate))
	assert.Equal(t, "eur", opts.Currency)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	writeConfig(t, map[string]string{"base.yaml": baseYAML})

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}

func TestEnrollmentOptionsRejectsBadValues(t *testing.T) {
	cases := map[string]EnrollmentConfig{
		"mode":   {PaymentMode: "cash", ApplicationFeeRate: "0.2"},
		"bypass": {PaymentMode: "charge", BypassLevel: "Gold", ApplicationFeeRate: "0.2"},
		"rate":   {PaymentMode: "charge", ApplicationFeeRate: "1.5"},
		"parse":  {PaymentMode: "charge", ApplicationFeeRate: "abc"},
	}
	for name, ec := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{Enrollment: ec}
			_, err := cfg.EnrollmentOptions()
			assert.Error(t, err)
		})
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := &Config{}
	cfg.JWT.Secret = "s"
	cfg.applyDefaults()
	cfg.Enrollment.Strategy = "round_robin"
	assert.Error(t, cfg.Validate())
}
