package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PATH", "")
	t.Setenv("MPESA_BASE_URL", "")
	t.Setenv("MPESA_ENVIRONMENT", "")
	t.Setenv("RECONCILE_HORIZON", "")

	cfg := LoadConfig()

	assert.Equal(t, MPesaSandboxURL, cfg.MPesa.BaseURL)
	assert.Equal(t, "CustomerPayBillOnline", cfg.MPesa.TransactionType)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Horizon)
	assert.Equal(t, 5*time.Second, cfg.Reconcile.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Reconcile.MaxDelay)
	assert.Equal(t, 30*time.Second, cfg.MPesa.PushTimeout)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("PATH", "")
	t.Setenv("MPESA_ENVIRONMENT", "production")
	t.Setenv("MPESA_BASE_URL", "")
	t.Setenv("MPESA_CONSUMER_KEY", "key")
	t.Setenv("MPESA_CONSUMER_SECRET", "secret")
	t.Setenv("MPESA_CALLBACK_ALLOWLIST", "196.201.214.0/24, ,196.201.213.44")
	t.Setenv("RECONCILE_HORIZON", "120")
	t.Setenv("MPESA_PUSH_TIMEOUT", "45s")
	t.Setenv("REDIS_ENABLED", "false")

	cfg := LoadConfig()

	assert.Equal(t, MPesaProductionURL, cfg.MPesa.BaseURL)
	assert.Equal(t, "key", cfg.MPesa.ConsumerKey)
	assert.Equal(t, "secret", cfg.MPesa.ConsumerSecret)
	assert.Equal(t, []string{"196.201.214.0/24", "196.201.213.44"}, cfg.MPesa.CallbackAllowlist)
	assert.Equal(t, 2*time.Minute, cfg.Reconcile.Horizon)
	assert.Equal(t, 45*time.Second, cfg.MPesa.PushTimeout)
	assert.False(t, cfg.Redis.Enabled)
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{
		Store: StoreConfig{Driver: "memory"},
		JWT:   JWTConfig{Secret: "s"},
		MPesa: MPesaConfig{
			ConsumerKey:    "k",
			ConsumerSecret: "s",
			ShortCode:      "174379",
			PassKey:        "p",
			CallbackURL:    "https://example.com/api/payments/mpesa/callback",
		},
		Reconcile: ReconcileConfig{BaseDelay: time.Second, MaxDelay: time.Minute},
	}
	require.NoError(t, cfg.Validate())

	cfg.MPesa.ConsumerSecret = ""
	cfg.Store.Driver = "mongo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MPESA_CONSUMER_SECRET")
	assert.Contains(t, err.Error(), "mongo")
}

func TestConfig_ValidateRequiresCallbackVerificationInProduction(t *testing.T) {
	cfg := &Config{
		Environment: "production",
		Store:       StoreConfig{Driver: "postgres"},
		JWT:         JWTConfig{Secret: "s"},
		MPesa: MPesaConfig{
			ConsumerKey:    "k",
			ConsumerSecret: "s",
			ShortCode:      "174379",
			PassKey:        "p",
			CallbackURL:    "https://api.agripay.co.ke/api/payments/mpesa/callback",
		},
		Reconcile: ReconcileConfig{BaseDelay: time.Second, MaxDelay: time.Minute},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MPESA_CALLBACK_TOKEN")

	cfg.MPesa.CallbackAllowlist = []string{"196.201.214.0/24"}
	assert.NoError(t, cfg.Validate())

	cfg.MPesa.CallbackAllowlist = nil
	cfg.MPesa.CallbackToken = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestMPesaConfig_SignedCallbackURL(t *testing.T) {
	m := MPesaConfig{CallbackURL: "https://api.agripay.co.ke/api/payments/mpesa/callback"}

	got, err := m.SignedCallbackURL()
	require.NoError(t, err)
	assert.Equal(t, m.CallbackURL, got)

	m.CallbackToken = "s3cret"
	got, err = m.SignedCallbackURL()
	require.NoError(t, err)
	assert.Equal(t, "https://api.agripay.co.ke/api/payments/mpesa/callback?token=s3cret", got)
}
