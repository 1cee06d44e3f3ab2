package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "cooperative", cfg.Database.Name)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, "coop_events", cfg.RabbitMQ.Exchange)
	assert.Equal(t, 72*time.Hour, cfg.Consent.TokenTTL)
	assert.Equal(t, "0 1 1 * *", cfg.Scheduler.InterestSchedule)
	assert.Equal(t, 12*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, uint32(64*1024), cfg.Argon2.Memory)
	assert.Equal(t, uint8(4), cfg.Argon2.Threads)

	rate, min, max, err := cfg.Ledger.FeePolicy()
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.005")))
	assert.True(t, min.IsZero())
	assert.True(t, max.Equal(decimal.NewFromInt(500)))
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LEDGER_WITHDRAWAL_FEE_RATE", "0.01")
	t.Setenv("CONSENT_TOKEN_TTL", "24h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "0.01", cfg.Ledger.WithdrawalFeeRate)
	assert.Equal(t, 24*time.Hour, cfg.Consent.TokenTTL)
}

func TestLoad_RejectsInvalidFeePolicy(t *testing.T) {
	t.Setenv("LEDGER_WITHDRAWAL_FEE_MIN", "100")
	t.Setenv("LEDGER_WITHDRAWAL_FEE_MAX", "10")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("LEDGER_WITHDRAWAL_FEE_MIN", "abc")
	_, err = Load()
	assert.ErrorContains(t, err, "ledger.withdrawal_fee_min")
}
