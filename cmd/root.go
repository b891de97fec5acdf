package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/sovads/ledger/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "sovads-ledger",
	Short: "SovAds interaction accounting and settlement engine",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	initConfig(rootCmd)

	rootCmd.PersistentFlags().Bool(config.Debug, false, `"true" or "false"`)
	rootCmd.PersistentFlags().StringP(config.ChainFlag, "c", "local", "The chain to settle on (celo, alfajores, local)")

	rootCmd.PersistentFlags().String(config.DatabaseDriverFlag, "postgres", `Database driver (postgres, sqlite)`)
	rootCmd.PersistentFlags().String(config.DatabaseHost, "localhost", `PostgreSQL host`)
	rootCmd.PersistentFlags().Int(config.DatabasePort, 5432, `PostgreSQL port`)
	rootCmd.PersistentFlags().String(config.DatabaseUser, "sovads", `PostgreSQL username`)
	rootCmd.PersistentFlags().String(config.DatabasePassword, "", `PostgreSQL password`)
	rootCmd.PersistentFlags().String(config.DatabaseDbName, "sovads", `PostgreSQL database name`)
	rootCmd.PersistentFlags().String(config.DatabaseSchemaName, "", `PostgreSQL schema name (default "public")`)
	rootCmd.PersistentFlags().String(config.DatabaseSSLMode, "disable", `PostgreSQL ssl mode`)
	rootCmd.PersistentFlags().String(config.DatabaseSSLCert, "", `PostgreSQL client certificate`)
	rootCmd.PersistentFlags().String(config.DatabaseSSLKey, "", `PostgreSQL client key`)
	rootCmd.PersistentFlags().String(config.DatabaseSSLRootCert, "", `PostgreSQL root certificate`)
	rootCmd.PersistentFlags().String(config.DatabaseSqlitePath, "", `Sqlite file path, in memory when empty`)

	rootCmd.PersistentFlags().String(config.IngestionTrackingTokenSecret, "", `HMAC secret for tracking tokens (required)`)
	rootCmd.PersistentFlags().Duration(config.IngestionTrackingTokenTTL, 0, `Tracking token lifetime (default 15m)`)
	rootCmd.PersistentFlags().Duration(config.IngestionSignatureWindow, 0, `Accepted clock skew for signed events (default 5m)`)
	rootCmd.PersistentFlags().Duration(config.IngestionImpressionDedupWindow, 0, `Impression dedup window (default 60s)`)
	rootCmd.PersistentFlags().Duration(config.IngestionClickDedupWindow, 0, `Click dedup window (default 5m)`)
	rootCmd.PersistentFlags().Duration(config.IngestionRateLimitWindow, 0, `Per site rate limit window (default 1h)`)
	rootCmd.PersistentFlags().Int(config.IngestionRateLimitPerWindow, 0, `Events per site and campaign per window (default 100)`)
	rootCmd.PersistentFlags().Int(config.IngestionImpressionPoints, 0, `Viewer points per impression (default 1)`)
	rootCmd.PersistentFlags().Int(config.IngestionClickPoints, 0, `Viewer points per click (default 5)`)

	rootCmd.PersistentFlags().Int64(config.VaultFeeBps, 0, `Claim fee in basis points`)
	rootCmd.PersistentFlags().String(config.VaultFeeRecipient, "", `Account receiving claim fees`)
	rootCmd.PersistentFlags().String(config.VaultImpressionRate, "", `Accrual per impression (default 1)`)
	rootCmd.PersistentFlags().String(config.VaultClickRate, "", `Accrual per click (default 5)`)
	rootCmd.PersistentFlags().Duration(config.VaultPayTimeout, 0, `Timeout for a vault payment (default 30s)`)

	rootCmd.PersistentFlags().String(config.TreasuryBackendFlag, "vault", `Treasury backend (vault, chain)`)
	rootCmd.PersistentFlags().String(config.TreasuryCampaignId, "", `Vault that backs the treasury (default "treasury")`)
	rootCmd.PersistentFlags().String(config.TreasuryToken, "G$", `Payout token symbol`)
	rootCmd.PersistentFlags().Int(config.TreasuryPointDecimals, 2, `Decimals of the payout token's minor unit`)
	rootCmd.PersistentFlags().Duration(config.TreasuryCallTimeout, 0, `Timeout for a treasury call (default 45s)`)
	rootCmd.PersistentFlags().String(config.TreasuryExchangeRate, "", `G$ credited per unit of a publisher top-up token (default 10000)`)
	rootCmd.PersistentFlags().String(config.TreasuryFunder, "", `Account funding treasury top-ups (default "treasury:admin")`)

	rootCmd.PersistentFlags().String(config.EthereumRpcUrl, "", `e.g. "https://forno.celo.org"`)
	rootCmd.PersistentFlags().Int64(config.EthereumChainId, 42220, `EVM chain id`)
	rootCmd.PersistentFlags().String(config.EthereumPrivateKey, "", `Hex private key of the treasury signer`)
	rootCmd.PersistentFlags().String(config.EthereumTreasuryContract, "", `Treasury contract address`)
	rootCmd.PersistentFlags().String(config.EthereumManagerContract, "", `Campaign manager contract address`)
	rootCmd.PersistentFlags().Duration(config.EthereumReceiptTimeout, 0, `How long to wait for a receipt (default 30s)`)

	rootCmd.PersistentFlags().Int(config.RpcHttpPort, 7101, `http api port`)
	rootCmd.PersistentFlags().String(config.RpcAdminToken, "", `Bearer token for the admin api`)
	rootCmd.PersistentFlags().String(config.RpcAllowedOrigins, "*", `Comma separated CORS origins`)

	rootCmd.PersistentFlags().String(config.RedisUrl, "", `e.g. "redis://localhost:6379/0"`)
	rootCmd.PersistentFlags().Int(config.RedisEdgeRequestsPerMinute, 0, `Per IP request limit on edge routes, 0 disables`)
	rootCmd.PersistentFlags().Bool(config.RedisDistributedLocks, false, `Use redis locks instead of in process locks`)

	rootCmd.PersistentFlags().String(config.ReconcilerSchedule, "", `Cron schedule of the reconciliation sweep (default "@every 1m")`)
	rootCmd.PersistentFlags().String(config.ReconcilerAuditHashSchedule, "", `Cron schedule of the daily audit hash (default "15 0 * * *")`)
	rootCmd.PersistentFlags().Duration(config.ReconcilerPendingAfter, 0, `Age after which a pending payout is reconciled (default 2m)`)
	rootCmd.PersistentFlags().Duration(config.ReconcilerPointsLookback, 0, `How far back ungranted points are retried (default 24h)`)

	rootCmd.PersistentFlags().Duration(config.PublisherEarningsWindow, 0, `Window of publisher earnings (default 1y)`)
	rootCmd.PersistentFlags().Duration(config.PublisherAuthWindow, 0, `Accepted age of a withdrawal signature (default 5m)`)

	rootCmd.PersistentFlags().String(config.CoingeckoApiKey, "", `CoinGecko api key, token pricing is off when empty`)
	rootCmd.PersistentFlags().String(config.CoingeckoBaseUrl, "", `CoinGecko base url`)
	rootCmd.PersistentFlags().Duration(config.CoingeckoCacheTTL, 0, `Price cache lifetime (default 5m)`)
	rootCmd.PersistentFlags().String(config.CoingeckoPlatform, "", `CoinGecko asset platform (default "celo")`)
	rootCmd.PersistentFlags().String(config.CoingeckoTokenAddress, "", `Payout token contract address`)

	rootCmd.PersistentFlags().Bool(config.DataDogStatsdEnabled, false, `e.g. "true" or "false"`)
	rootCmd.PersistentFlags().String(config.DataDogStatsdUrl, "", `e.g. "localhost:8125"`)
	rootCmd.PersistentFlags().Bool(config.DataDogTracingEnabled, false, `e.g. "true" or "false"`)

	rootCmd.PersistentFlags().Bool(config.PrometheusEnabled, false, `e.g. "true" or "false"`)
	rootCmd.PersistentFlags().Int(config.PrometheusPort, 2112, `The port to run the prometheus server on`)

	// setup sub commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rpcCmd)
	rootCmd.AddCommand(runDatabaseCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(auditHashCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(runVersionCmd)

	// bind any subcommand flags
	auditHashCmd.PersistentFlags().String(flagDate, "", `Day to hash as YYYY-MM-DD (default yesterday, UTC)`)
	auditHashCmd.PersistentFlags().Bool(flagVerify, false, `Verify the stored hash instead of writing one`)

	exportCmd.PersistentFlags().String(flagKind, "events", `What to export (events, payouts)`)
	exportCmd.PersistentFlags().String(flagSince, "", `Start of the range, RFC3339 or YYYY-MM-DD (default 24h ago)`)
	exportCmd.PersistentFlags().String(flagUntil, "", `End of the range, RFC3339 or YYYY-MM-DD (default now)`)
	exportCmd.PersistentFlags().String(flagOutput, "", `Output file, stdout when empty`)

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		key := config.KebabToSnakeCase(f.Name)
		viper.BindPFlag(key, f) //nolint:errcheck
		viper.BindEnv(key)      //nolint:errcheck
	})
}

func initConfig(cmd *cobra.Command) {
	viper.SetEnvPrefix(config.ENV_PREFIX)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.AutomaticEnv()
}

// initCommandFlags binds the flags that belong to a single subcommand.
func initCommandFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(config.KebabToSnakeCase(f.Name), f); err != nil {
			fmt.Printf("Failed to bind flag '%s' - %+v\n", f.Name, err)
		}
		if err := viper.BindEnv(f.Name); err != nil {
			fmt.Printf("Failed to bind env '%s' - %+v\n", f.Name, err)
		}
	})
}
