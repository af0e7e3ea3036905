package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("SMS_COUNTRY_CODE", "")
	t.Setenv("STORE_TIMEOUT", "")

	cfg := config.Load()

	assert.Equal(t, config.BackendSupabase, cfg.StoreBackend)
	assert.Equal(t, "91", cfg.SMSCountryCode)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 3, cfg.WalletMaxRetries)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("WALLET_MAX_RETRIES", "7")
	t.Setenv("SMS_TIMEOUT", "2s")
	t.Setenv("DB_MIGRATE", "false")

	cfg := config.Load()

	assert.Equal(t, config.BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 7, cfg.WalletMaxRetries)
	assert.Equal(t, 2*time.Second, cfg.SMSTimeout)
	assert.False(t, cfg.DBMigrate)
}

func TestValidate(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			StoreBackend: config.BackendMemory,
			SMSProvider:  "log",
			JWTSecret:    "0123456789abcdef",
			StoreTimeout: time.Second,
			SMSTimeout:   time.Second,
			OTPIPLimit:   20,
			OTPIPWindow:  time.Minute,
		}
	}

	require.NoError(t, base().Validate())

	c := base()
	c.StoreBackend = config.BackendPostgres
	assert.Error(t, c.Validate())

	c = base()
	c.SMSProvider = "twilio"
	c.TwilioAccountSID = "AC123"
	c.TwilioAuthToken = "tok"
	assert.Error(t, c.Validate(), "twilio needs a sender")

	c = base()
	c.JWTSecret = "short"
	assert.Error(t, c.Validate())

	for name, mutate := range map[string]func(*config.Config){
		"zero ip limit":       func(c *config.Config) { c.OTPIPLimit = 0 },
		"negative ip limit":   func(c *config.Config) { c.OTPIPLimit = -1 },
		"zero ip window":      func(c *config.Config) { c.OTPIPWindow = 0 },
		"zero store budget":   func(c *config.Config) { c.StoreTimeout = 0 },
		"negative sms budget": func(c *config.Config) { c.SMSTimeout = -time.Second },
	} {
		c := base()
		mutate(c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("GV_TEST_A=from-file\nGV_TEST_B=from-file\n"), 0o600))

	t.Setenv("GV_TEST_A", "from-env")
	os.Unsetenv("GV_TEST_B")
	t.Cleanup(func() { os.Unsetenv("GV_TEST_B") })

	require.NoError(t, config.LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv("GV_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("GV_TEST_B"))
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	assert.NoError(t, config.LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")))
}
