package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation sweep and print its result",
	Run: func(cmd *cobra.Command, args []string) {
		initCommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
		if err := cfg.Validate(); err != nil {
			l.Sugar().Fatalw("Invalid configuration", zap.Error(err))
		}

		ctx := context.Background()
		svc, err := buildServices(ctx, cfg, l)
		if err != nil {
			l.Sugar().Fatalw("Failed to build services", zap.Error(err))
		}
		defer svc.Close(l)

		res, err := svc.reconciler.Sweep(ctx)
		if err != nil {
			l.Sugar().Fatalw("Reconciliation failed", zap.Error(err))
		}
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
	},
}
