package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/safecircle/internal/config"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("SAFECIRCLE_AUTH_JWTSECRET", "test-secret")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, ":9090", cfg.GRPC.Addr)
	require.Equal(t, 5*time.Second, cfg.Delivery.Timeout)
	require.Equal(t, 2*time.Second, cfg.Delivery.RecordTimeout)
	require.Equal(t, 200*time.Millisecond, cfg.Outbox.Poll)
	require.Equal(t, 100, cfg.Outbox.Batch)
	require.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	require.Empty(t, cfg.Postgres.DSN)
	require.Equal(t, float64(5), cfg.RateLimit.SOS.Burst)
	require.Equal(t, 30*time.Second, cfg.HTTP.WriteTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SAFECIRCLE_HTTP_ADDR", ":18080")
	t.Setenv("SAFECIRCLE_DELIVERY_TIMEOUT", "750ms")
	t.Setenv("SAFECIRCLE_AUTH_JWTSECRET", "s3cret")
	t.Setenv("SAFECIRCLE_REDIS_ADDR", "redis:6379")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, ":18080", cfg.HTTP.Addr)
	require.Equal(t, 750*time.Millisecond, cfg.Delivery.Timeout)
	require.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	yaml := "sms:\n  accountsid: AC123\n  from: \"+15550000\"\noutbox:\n  batch: 25\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "AC123", cfg.SMS.AccountSID)
	require.Equal(t, "+15550000", cfg.SMS.From)
	require.Equal(t, 25, cfg.Outbox.Batch)
}

func TestLoadRejectsNonPositiveTimeout(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SAFECIRCLE_DELIVERY_TIMEOUT", "0s")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SAFECIRCLE_AUTH_JWTSECRET", "")

	_, err := config.Load()
	require.ErrorContains(t, err, "auth.jwtsecret")
}

func TestWriteTimeoutCoversDispatch(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SAFECIRCLE_DELIVERY_TIMEOUT", "10s")
	t.Setenv("SAFECIRCLE_DELIVERY_RECORDTIMEOUT", "3s")
	t.Setenv("SAFECIRCLE_HTTP_WRITETIMEOUT", "15s")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 40*time.Second, cfg.Delivery.DispatchBudget())
	require.Equal(t, 45*time.Second, cfg.HTTP.WriteTimeout)
}
