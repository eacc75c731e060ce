package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  address: ":8080"
database:
  driver: pgx
  url: postgres://club@localhost/club
billing:
  secret_key: sk_test
  webhook_secret: whsec_test
  timeout: 5s
auth:
  jwt_secret: jwt
journal:
  retention: 48h
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Billing.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Billing.SignatureTolerance)
	assert.Equal(t, 2*time.Minute, cfg.Billing.ProcessingTTL)
	assert.Equal(t, 48*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, "https://api.stripe.com", cfg.Billing.APIBaseURL)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mysql")
	t.Setenv("DATABASE_URL", "club:pw@tcp(db:3306)/club?parseTime=true")
	t.Setenv("BILLING_TIMEOUT_SECONDS", "20")
	t.Setenv("JOURNAL_RETENTION_HOURS", "6")
	t.Setenv("PORT", "9000")
	t.Setenv("ARCHIVE_ENABLED", "true")
	t.Setenv("ARCHIVE_BUCKET", "club-billing")

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "club:pw@tcp(db:3306)/club?parseTime=true", cfg.Database.URL)
	assert.Equal(t, 20*time.Second, cfg.Billing.Timeout)
	assert.Equal(t, 6*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "club-billing", cfg.Archive.Bucket)
}

func TestMissingFileUsesEnvOnly(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("BILLING_SECRET_KEY", "sk")
	t.Setenv("BILLING_WEBHOOK_SECRET", "whsec")
	t.Setenv("JWT_SECRET", "jwt")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, ":4000", cfg.Server.Address)
}

func TestInvalidIntEnv(t *testing.T) {
	t.Setenv("BILLING_TIMEOUT_SECONDS", "soon")

	_, err := LoadConfig(writeConfig(t, sampleYAML))
	assert.ErrorContains(t, err, "BILLING_TIMEOUT_SECONDS")
}

func TestValidateReportsEveryMissingField(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server:\n  address: \":1\"\n"))
	require.Error(t, err)
	for _, field := range []string{"database.url", "billing.webhook_secret", "billing.secret_key", "auth.jwt_secret"} {
		assert.ErrorContains(t, err, field)
	}
}
