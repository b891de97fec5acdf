package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/internal/logger"
	"github.com/sovads/ledger/pkg/auditHash"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/metrics"
	"github.com/sovads/ledger/pkg/postgres"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDate   = "audit.date"
	flagVerify = "audit.verify"
)

var auditHashCmd = &cobra.Command{
	Use:   "audit-hash",
	Short: "Compute or verify the merkle root of one day of interaction events",
	Run: func(cmd *cobra.Command, args []string) {
		initCommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		date := viper.GetString(flagDate)
		if date == "" {
			date = time.Now().UTC().AddDate(0, 0, -1).Format(time.DateOnly)
		}
		day, err := time.ParseInLocation(time.DateOnly, date, time.UTC)
		if err != nil {
			l.Sugar().Fatalw("Invalid date, expected YYYY-MM-DD", zap.String("date", date))
		}

		db, grm, err := postgres.OpenDatabase(cfg, l, true)
		if err != nil {
			l.Sugar().Fatalw("Failed to open database", zap.Error(err))
		}
		defer db.Close()

		sink, _ := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, nil)
		hasher := auditHash.NewAuditHasher(grm, eventLedger.NewEventLedger(grm, l, cfg), sink, l)
		ctx := context.Background()

		if viper.GetBool(flagVerify) {
			matches, err := hasher.Verify(ctx, date)
			if err != nil {
				l.Sugar().Fatalw("Failed to verify audit hash", zap.String("date", date), zap.Error(err))
			}
			fmt.Printf("%s matches=%v\n", date, matches)
			return
		}

		record, err := hasher.HashDay(ctx, day)
		if err != nil {
			l.Sugar().Fatalw("Failed to hash day", zap.String("date", date), zap.Error(err))
		}
		fmt.Printf("%s root=%s events=%d\n", record.Date, record.Root, record.EventCount)
	},
}
