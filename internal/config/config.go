package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const ENV_PREFIX = "SOVADS"

type Chain string

func (c Chain) String() string {
	return string(c)
}

const (
	Chain_Celo      Chain = "celo"
	Chain_Alfajores Chain = "alfajores"
	Chain_Local     Chain = "local"
)

func parseChain(name string) Chain {
	switch Chain(name) {
	case Chain_Celo, Chain_Alfajores:
		return Chain(name)
	}
	return Chain_Local
}

type DatabaseDriver string

const (
	DatabaseDriver_Postgres DatabaseDriver = "postgres"
	DatabaseDriver_Sqlite   DatabaseDriver = "sqlite"
)

type TreasuryBackend string

const (
	TreasuryBackend_Vault TreasuryBackend = "vault"
	TreasuryBackend_Chain TreasuryBackend = "chain"
)

type DatabaseConfig struct {
	Driver      DatabaseDriver
	Host        string
	Port        int
	User        string
	Password    string
	DbName      string
	SchemaName  string
	SSLMode     string
	SSLCert     string
	SSLKey      string
	SSLRootCert string
	SqlitePath  string
}

type IngestionConfig struct {
	TrackingTokenSecret   string
	TrackingTokenTTL      time.Duration
	SignatureWindow       time.Duration
	ImpressionDedupWindow time.Duration
	ClickDedupWindow      time.Duration
	RateLimitWindow       time.Duration
	RateLimitPerWindow    int
	ImpressionPoints      int64
	ClickPoints           int64
}

type VaultConfig struct {
	FeeBps         int64
	FeeRecipient   string
	ImpressionRate decimal.Decimal
	ClickRate      decimal.Decimal
	PayTimeout     time.Duration
}

type TreasuryConfig struct {
	Backend       TreasuryBackend
	CampaignId    string
	Token         string
	PointDecimals int32
	CallTimeout   time.Duration
	// Funder is the token account that tops up the treasury vault on the vault backend.
	Funder string
	// ExchangeRate is how many G$ a publisher receives per whole unit of a top-up token.
	ExchangeRate decimal.Decimal
}

type EthereumConfig struct {
	RpcUrl           string
	ChainId          int64
	PrivateKey       string
	TreasuryContract string
	ManagerContract  string
	ReceiptTimeout   time.Duration
}

type RpcConfig struct {
	HttpPort       int
	AdminToken     string
	AllowedOrigins []string
}

type RedisConfig struct {
	Url                   string
	EdgeRequestsPerMinute int
	DistributedLocks      bool
}

type ReconcilerConfig struct {
	Schedule          string
	AuditHashSchedule string
	PendingAfter      time.Duration
	PointsLookback    time.Duration
}

type PublisherConfig struct {
	EarningsWindow time.Duration
	AuthWindow     time.Duration
}

// G$ on Celo
const defaultTokenAddress = "0x62b8b11039fcfe5ab0c56e502b1c372a3d2a9c7a"

type CoingeckoConfig struct {
	ApiKey   string
	BaseUrl  string
	CacheTTL time.Duration
	// Platform is the CoinGecko asset platform id the token lives on.
	Platform     string
	TokenAddress string
}

type PrometheusConfig struct {
	Enabled bool
	Port    int
}

type DataDogConfig struct {
	StatsdConfig struct {
		Enabled bool
		Url     string
	}
	TracingEnabled bool
}

// Config is the complete runtime configuration.
type Config struct {
	Debug            bool
	Chain            Chain
	DatabaseConfig   DatabaseConfig
	IngestionConfig  IngestionConfig
	VaultConfig      VaultConfig
	TreasuryConfig   TreasuryConfig
	EthereumConfig   EthereumConfig
	RpcConfig        RpcConfig
	RedisConfig      RedisConfig
	ReconcilerConfig ReconcilerConfig
	PublisherConfig  PublisherConfig
	CoingeckoConfig  CoingeckoConfig
	PrometheusConfig PrometheusConfig
	DataDogConfig    DataDogConfig
}

func StringWithDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func decimalWithDefault(key string, defaultValue decimal.Decimal) decimal.Decimal {
	raw := viper.GetString(key)
	if raw == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return defaultValue
	}
	return d
}

func durationWithDefault(key string, defaultValue time.Duration) time.Duration {
	d := viper.GetDuration(key)
	if d <= 0 {
		return defaultValue
	}
	return d
}

func intWithDefault(key string, defaultValue int) int {
	v := viper.GetInt(key)
	if v <= 0 {
		return defaultValue
	}
	return v
}

var (
	Debug     = "debug"
	ChainFlag = "chain"

	DatabaseDriverFlag  = "database.driver"
	DatabaseHost        = "database.host"
	DatabasePort        = "database.port"
	DatabaseUser        = "database.user"
	DatabasePassword    = "database.password"
	DatabaseDbName      = "database.db_name"
	DatabaseSchemaName  = "database.schema_name"
	DatabaseSSLMode     = "database.ssl_mode"
	DatabaseSSLCert     = "database.ssl_cert"
	DatabaseSSLKey      = "database.ssl_key"
	DatabaseSSLRootCert = "database.ssl_root_cert"
	DatabaseSqlitePath  = "database.sqlite_path"

	IngestionTrackingTokenSecret   = "ingestion.tracking_token_secret"
	IngestionTrackingTokenTTL      = "ingestion.tracking_token_ttl"
	IngestionSignatureWindow       = "ingestion.signature_window"
	IngestionImpressionDedupWindow = "ingestion.impression_dedup_window"
	IngestionClickDedupWindow      = "ingestion.click_dedup_window"
	IngestionRateLimitWindow       = "ingestion.rate_limit_window"
	IngestionRateLimitPerWindow    = "ingestion.rate_limit_per_window"
	IngestionImpressionPoints      = "ingestion.impression_points"
	IngestionClickPoints           = "ingestion.click_points"

	VaultFeeBps         = "vault.fee_bps"
	VaultFeeRecipient   = "vault.fee_recipient"
	VaultImpressionRate = "vault.impression_rate"
	VaultClickRate      = "vault.click_rate"
	VaultPayTimeout     = "vault.pay_timeout"

	TreasuryBackendFlag   = "treasury.backend"
	TreasuryCampaignId    = "treasury.campaign_id"
	TreasuryToken         = "treasury.token"
	TreasuryPointDecimals = "treasury.point_decimals"
	TreasuryCallTimeout   = "treasury.call_timeout"
	TreasuryExchangeRate  = "treasury.exchange_rate"
	TreasuryFunder        = "treasury.funder"

	EthereumRpcUrl           = "ethereum.rpc_url"
	EthereumChainId          = "ethereum.chain_id"
	EthereumPrivateKey       = "ethereum.private_key"
	EthereumTreasuryContract = "ethereum.treasury_contract"
	EthereumManagerContract  = "ethereum.manager_contract"
	EthereumReceiptTimeout   = "ethereum.receipt_timeout"

	RpcHttpPort       = "rpc.http_port"
	RpcAdminToken     = "rpc.admin_token"
	RpcAllowedOrigins = "rpc.allowed_origins"

	RedisUrl                   = "redis.url"
	RedisEdgeRequestsPerMinute = "redis.edge_requests_per_minute"
	RedisDistributedLocks      = "redis.distributed_locks"

	ReconcilerSchedule          = "reconciler.schedule"
	ReconcilerAuditHashSchedule = "reconciler.audit_hash_schedule"
	ReconcilerPendingAfter      = "reconciler.pending_after"
	ReconcilerPointsLookback    = "reconciler.points_lookback"

	PublisherEarningsWindow = "publisher.earnings_window"
	PublisherAuthWindow     = "publisher.auth_window"

	CoingeckoApiKey       = "coingecko.api_key"
	CoingeckoBaseUrl      = "coingecko.base_url"
	CoingeckoCacheTTL     = "coingecko.cache_ttl"
	CoingeckoPlatform     = "coingecko.platform"
	CoingeckoTokenAddress = "coingecko.token_address"

	PrometheusEnabled = "prometheus.enabled"
	PrometheusPort    = "prometheus.port"

	DataDogStatsdEnabled  = "datadog.statsd.enabled"
	DataDogStatsdUrl      = "datadog.statsd.url"
	DataDogTracingEnabled = "datadog.tracing.enabled"
)

// NewConfig reads the configuration from viper.
func NewConfig() *Config {
	cfg := &Config{
		Debug: viper.GetBool(normalizeFlagName(Debug)),
		Chain: parseChain(viper.GetString(normalizeFlagName(ChainFlag))),

		DatabaseConfig: DatabaseConfig{
			Driver:      DatabaseDriver(StringWithDefault(viper.GetString(normalizeFlagName(DatabaseDriverFlag)), string(DatabaseDriver_Postgres))),
			Host:        viper.GetString(normalizeFlagName(DatabaseHost)),
			Port:        viper.GetInt(normalizeFlagName(DatabasePort)),
			User:        viper.GetString(normalizeFlagName(DatabaseUser)),
			Password:    viper.GetString(normalizeFlagName(DatabasePassword)),
			DbName:      viper.GetString(normalizeFlagName(DatabaseDbName)),
			SchemaName:  viper.GetString(normalizeFlagName(DatabaseSchemaName)),
			SSLMode:     viper.GetString(normalizeFlagName(DatabaseSSLMode)),
			SSLCert:     viper.GetString(normalizeFlagName(DatabaseSSLCert)),
			SSLKey:      viper.GetString(normalizeFlagName(DatabaseSSLKey)),
			SSLRootCert: viper.GetString(normalizeFlagName(DatabaseSSLRootCert)),
			SqlitePath:  viper.GetString(normalizeFlagName(DatabaseSqlitePath)),
		},

		IngestionConfig: IngestionConfig{
			TrackingTokenSecret:   viper.GetString(normalizeFlagName(IngestionTrackingTokenSecret)),
			TrackingTokenTTL:      durationWithDefault(normalizeFlagName(IngestionTrackingTokenTTL), 15*time.Minute),
			SignatureWindow:       durationWithDefault(normalizeFlagName(IngestionSignatureWindow), 5*time.Minute),
			ImpressionDedupWindow: durationWithDefault(normalizeFlagName(IngestionImpressionDedupWindow), 60*time.Second),
			ClickDedupWindow:      durationWithDefault(normalizeFlagName(IngestionClickDedupWindow), 5*time.Minute),
			RateLimitWindow:       durationWithDefault(normalizeFlagName(IngestionRateLimitWindow), time.Hour),
			RateLimitPerWindow:    intWithDefault(normalizeFlagName(IngestionRateLimitPerWindow), 100),
			ImpressionPoints:      int64(intWithDefault(normalizeFlagName(IngestionImpressionPoints), 1)),
			ClickPoints:           int64(intWithDefault(normalizeFlagName(IngestionClickPoints), 5)),
		},

		VaultConfig: VaultConfig{
			FeeBps:         viper.GetInt64(normalizeFlagName(VaultFeeBps)),
			FeeRecipient:   viper.GetString(normalizeFlagName(VaultFeeRecipient)),
			ImpressionRate: decimalWithDefault(normalizeFlagName(VaultImpressionRate), decimal.NewFromInt(1)),
			ClickRate:      decimalWithDefault(normalizeFlagName(VaultClickRate), decimal.NewFromInt(5)),
			PayTimeout:     durationWithDefault(normalizeFlagName(VaultPayTimeout), 30*time.Second),
		},

		TreasuryConfig: TreasuryConfig{
			Backend:       TreasuryBackend(StringWithDefault(viper.GetString(normalizeFlagName(TreasuryBackendFlag)), string(TreasuryBackend_Vault))),
			CampaignId:    StringWithDefault(viper.GetString(normalizeFlagName(TreasuryCampaignId)), "treasury"),
			Token:         viper.GetString(normalizeFlagName(TreasuryToken)),
			PointDecimals: int32(viper.GetInt(normalizeFlagName(TreasuryPointDecimals))),
			CallTimeout:   durationWithDefault(normalizeFlagName(TreasuryCallTimeout), 45*time.Second),
			ExchangeRate:  decimalWithDefault(normalizeFlagName(TreasuryExchangeRate), decimal.NewFromInt(10000)),
			Funder:        StringWithDefault(viper.GetString(normalizeFlagName(TreasuryFunder)), "treasury:admin"),
		},

		EthereumConfig: EthereumConfig{
			RpcUrl:           viper.GetString(normalizeFlagName(EthereumRpcUrl)),
			ChainId:          viper.GetInt64(normalizeFlagName(EthereumChainId)),
			PrivateKey:       viper.GetString(normalizeFlagName(EthereumPrivateKey)),
			TreasuryContract: viper.GetString(normalizeFlagName(EthereumTreasuryContract)),
			ManagerContract:  viper.GetString(normalizeFlagName(EthereumManagerContract)),
			ReceiptTimeout:   durationWithDefault(normalizeFlagName(EthereumReceiptTimeout), 30*time.Second),
		},

		RpcConfig: RpcConfig{
			HttpPort:       intWithDefault(normalizeFlagName(RpcHttpPort), 7101),
			AdminToken:     viper.GetString(normalizeFlagName(RpcAdminToken)),
			AllowedOrigins: parseListOrDefault(viper.GetString(normalizeFlagName(RpcAllowedOrigins)), []string{"*"}),
		},

		RedisConfig: RedisConfig{
			Url:                   viper.GetString(normalizeFlagName(RedisUrl)),
			EdgeRequestsPerMinute: viper.GetInt(normalizeFlagName(RedisEdgeRequestsPerMinute)),
			DistributedLocks:      viper.GetBool(normalizeFlagName(RedisDistributedLocks)),
		},

		ReconcilerConfig: ReconcilerConfig{
			Schedule:          StringWithDefault(viper.GetString(normalizeFlagName(ReconcilerSchedule)), "@every 1m"),
			AuditHashSchedule: StringWithDefault(viper.GetString(normalizeFlagName(ReconcilerAuditHashSchedule)), "15 0 * * *"),
			PendingAfter:      durationWithDefault(normalizeFlagName(ReconcilerPendingAfter), 2*time.Minute),
			PointsLookback:    durationWithDefault(normalizeFlagName(ReconcilerPointsLookback), 24*time.Hour),
		},

		PublisherConfig: PublisherConfig{
			EarningsWindow: durationWithDefault(normalizeFlagName(PublisherEarningsWindow), 365*24*time.Hour),
			AuthWindow:     durationWithDefault(normalizeFlagName(PublisherAuthWindow), 5*time.Minute),
		},

		CoingeckoConfig: CoingeckoConfig{
			ApiKey:       viper.GetString(normalizeFlagName(CoingeckoApiKey)),
			BaseUrl:      StringWithDefault(viper.GetString(normalizeFlagName(CoingeckoBaseUrl)), "https://api.coingecko.com/api/v3"),
			CacheTTL:     durationWithDefault(normalizeFlagName(CoingeckoCacheTTL), 5*time.Minute),
			Platform:     StringWithDefault(viper.GetString(normalizeFlagName(CoingeckoPlatform)), "celo"),
			TokenAddress: StringWithDefault(viper.GetString(normalizeFlagName(CoingeckoTokenAddress)), defaultTokenAddress),
		},

		PrometheusConfig: PrometheusConfig{
			Enabled: viper.GetBool(normalizeFlagName(PrometheusEnabled)),
			Port:    intWithDefault(normalizeFlagName(PrometheusPort), 2112),
		},
	}

	if !viper.IsSet(normalizeFlagName(TreasuryPointDecimals)) {
		cfg.TreasuryConfig.PointDecimals = 2
	}

	cfg.DataDogConfig.StatsdConfig.Enabled = viper.GetBool(normalizeFlagName(DataDogStatsdEnabled))
	cfg.DataDogConfig.StatsdConfig.Url = viper.GetString(normalizeFlagName(DataDogStatsdUrl))
	cfg.DataDogConfig.TracingEnabled = viper.GetBool(normalizeFlagName(DataDogTracingEnabled))

	return cfg
}

// Validate checks the settings that would otherwise fail late, at request time.
func (c *Config) Validate() error {
	if c.IngestionConfig.TrackingTokenSecret == "" {
		return errors.New("ingestion.tracking-token-secret is required")
	}
	if c.VaultConfig.FeeBps < 0 || c.VaultConfig.FeeBps > 10000 {
		return fmt.Errorf("vault.fee-bps must be between 0 and 10000, got %d", c.VaultConfig.FeeBps)
	}
	if c.VaultConfig.FeeBps > 0 && c.VaultConfig.FeeRecipient == "" {
		return errors.New("vault.fee-recipient is required when vault.fee-bps is set")
	}
	if !c.VaultConfig.ImpressionRate.IsInteger() || !c.VaultConfig.ClickRate.IsInteger() ||
		c.VaultConfig.ImpressionRate.IsNegative() || c.VaultConfig.ClickRate.IsNegative() {
		return errors.New("vault.impression-rate and vault.click-rate must be whole numbers of minor units")
	}
	switch c.TreasuryConfig.Backend {
	case TreasuryBackend_Vault:
	case TreasuryBackend_Chain:
		if c.EthereumConfig.RpcUrl == "" || c.EthereumConfig.TreasuryContract == "" || c.EthereumConfig.PrivateKey == "" {
			return errors.New("treasury.backend=chain requires ethereum.rpc-url, ethereum.treasury-contract and ethereum.private-key")
		}
	default:
		return fmt.Errorf("unknown treasury.backend '%s'", c.TreasuryConfig.Backend)
	}
	switch c.DatabaseConfig.Driver {
	case DatabaseDriver_Postgres, DatabaseDriver_Sqlite:
	default:
		return fmt.Errorf("unknown database.driver '%s'", c.DatabaseConfig.Driver)
	}
	return nil
}

func parseListOrDefault(raw string, defaultValue []string) []string {
	if raw == "" {
		return defaultValue
	}
	out := make([]string, 0)
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func KebabToSnakeCase(str string) string {
	return strings.ReplaceAll(str, "-", "_")
}

func normalizeFlagName(name string) string {
	return KebabToSnakeCase(name)
}
