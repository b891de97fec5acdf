package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func Test_NewConfig(t *testing.T) {
	t.Cleanup(viper.Reset)

	t.Run("Should apply defaults when nothing is set", func(t *testing.T) {
		viper.Reset()
		cfg := NewConfig()

		assert.Equal(t, Chain_Local, cfg.Chain)
		assert.Equal(t, DatabaseDriver_Postgres, cfg.DatabaseConfig.Driver)
		assert.Equal(t, 60*time.Second, cfg.IngestionConfig.ImpressionDedupWindow)
		assert.Equal(t, 5*time.Minute, cfg.IngestionConfig.ClickDedupWindow)
		assert.Equal(t, 100, cfg.IngestionConfig.RateLimitPerWindow)
		assert.Equal(t, int64(1), cfg.IngestionConfig.ImpressionPoints)
		assert.Equal(t, int64(5), cfg.IngestionConfig.ClickPoints)
		assert.Equal(t, int32(2), cfg.TreasuryConfig.PointDecimals)
		assert.Equal(t, TreasuryBackend_Vault, cfg.TreasuryConfig.Backend)
		assert.True(t, decimal.NewFromInt(10000).Equal(cfg.TreasuryConfig.ExchangeRate))
		assert.Equal(t, []string{"*"}, cfg.RpcConfig.AllowedOrigins)
	})

	t.Run("Should read values set through viper", func(t *testing.T) {
		viper.Reset()
		viper.Set(KebabToSnakeCase("vault.fee-bps"), 500)
		viper.Set(KebabToSnakeCase("vault.fee-recipient"), "0xfee")
		viper.Set(KebabToSnakeCase("treasury.point-decimals"), 0)
		viper.Set(KebabToSnakeCase("rpc.allowed-origins"), "https://a.example, https://b.example")
		viper.Set(ChainFlag, "celo")

		cfg := NewConfig()
		assert.Equal(t, int64(500), cfg.VaultConfig.FeeBps)
		assert.Equal(t, "0xfee", cfg.VaultConfig.FeeRecipient)
		assert.Equal(t, int32(0), cfg.TreasuryConfig.PointDecimals)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.RpcConfig.AllowedOrigins)
		assert.Equal(t, Chain_Celo, cfg.Chain)
	})
}

func Test_Validate(t *testing.T) {
	t.Cleanup(viper.Reset)

	newValid := func() *Config {
		viper.Reset()
		cfg := NewConfig()
		cfg.IngestionConfig.TrackingTokenSecret = "secret"
		return cfg
	}

	t.Run("Should accept a minimal config", func(t *testing.T) {
		assert.Nil(t, newValid().Validate())
	})
	t.Run("Should require a tracking token secret", func(t *testing.T) {
		cfg := newValid()
		cfg.IngestionConfig.TrackingTokenSecret = ""
		assert.NotNil(t, cfg.Validate())
	})
	t.Run("Should reject out of range fee bps", func(t *testing.T) {
		cfg := newValid()
		cfg.VaultConfig.FeeBps = 10001
		cfg.VaultConfig.FeeRecipient = "0xfee"
		assert.NotNil(t, cfg.Validate())
	})
	t.Run("Should require a fee recipient when fees are charged", func(t *testing.T) {
		cfg := newValid()
		cfg.VaultConfig.FeeBps = 100
		assert.NotNil(t, cfg.Validate())
	})
	t.Run("Should reject fractional vault rates", func(t *testing.T) {
		cfg := newValid()
		cfg.VaultConfig.ClickRate = decimal.RequireFromString("2.5")
		assert.NotNil(t, cfg.Validate())
	})
	t.Run("Should require chain settings for the chain treasury", func(t *testing.T) {
		cfg := newValid()
		cfg.TreasuryConfig.Backend = TreasuryBackend_Chain
		assert.NotNil(t, cfg.Validate())

		cfg.EthereumConfig.RpcUrl = "http://localhost:8545"
		cfg.EthereumConfig.TreasuryContract = "0xA37c1de1823dEe184C4ce9bA2CEDDeD9b7fE578E"
		cfg.EthereumConfig.PrivateKey = "0x01"
		assert.Nil(t, cfg.Validate())
	})
}

func Test_KebabToSnakeCase(t *testing.T) {
	assert.Equal(t, "database.db_name", KebabToSnakeCase("database.db-name"))
	assert.Equal(t, "debug", KebabToSnakeCase("debug"))
}
