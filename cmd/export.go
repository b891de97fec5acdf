package cmd

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/internal/logger"
	"github.com/sovads/ledger/pkg/eventLedger"
	"github.com/sovads/ledger/pkg/export"
	"github.com/sovads/ledger/pkg/postgres"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagKind   = "export.kind"
	flagSince  = "export.since"
	flagUntil  = "export.until"
	flagOutput = "export.output"
)

func parseExportTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation(time.DateOnly, raw, time.UTC)
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export interaction events or payouts as CSV",
	Run: func(cmd *cobra.Command, args []string) {
		initCommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		now := time.Now().UTC()
		since, err := parseExportTime(viper.GetString(flagSince), now.Add(-24*time.Hour))
		if err != nil {
			l.Sugar().Fatalw("Invalid --export.since", zap.Error(err))
		}
		until, err := parseExportTime(viper.GetString(flagUntil), now)
		if err != nil {
			l.Sugar().Fatalw("Invalid --export.until", zap.Error(err))
		}

		db, grm, err := postgres.OpenDatabase(cfg, l, false)
		if err != nil {
			l.Sugar().Fatalw("Failed to open database", zap.Error(err))
		}
		defer db.Close()

		var out io.Writer = os.Stdout
		var progress io.Writer
		if path := viper.GetString(flagOutput); path != "" {
			f, err := os.Create(path)
			if err != nil {
				l.Sugar().Fatalw("Failed to create output file", zap.String("path", path), zap.Error(err))
			}
			defer f.Close()
			out = f
			progress = os.Stderr
		}

		exporter := export.NewExporter(grm, eventLedger.NewEventLedger(grm, l, cfg), l)
		kind := export.Kind(viper.GetString(flagKind))
		count, err := exporter.Export(context.Background(), kind, since, until, out, progress)
		if err != nil {
			l.Sugar().Fatalw("Export failed", zap.String("kind", string(kind)), zap.Error(err))
		}
		l.Sugar().Infow("Export complete",
			zap.String("kind", string(kind)),
			zap.Int64("rows", count),
			zap.Time("since", since),
			zap.Time("until", until),
		)
	},
}
