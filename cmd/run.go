package cmd

import (
	"context"
	"time"

	"github.com/sovads/ledger/internal/config"
	"github.com/sovads/ledger/internal/logger"
	"github.com/sovads/ledger/internal/tracer"
	"github.com/sovads/ledger/internal/version"
	"github.com/sovads/ledger/pkg/metrics/prometheus"
	"github.com/sovads/ledger/pkg/rpcServer"
	"github.com/sovads/ledger/pkg/shutdown"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ledger API together with the reconciler",
	Run: func(cmd *cobra.Command, args []string) {
		initCommandFlags(cmd)
		serve(true)
	},
}

// serve runs the HTTP API until SIGINT or SIGTERM. The reconciler's cron jobs
// and the points retrier run alongside it when background is true.
func serve(background bool) {
	cfg := config.NewConfig()

	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

	if err := cfg.Validate(); err != nil {
		l.Sugar().Fatalw("Invalid configuration", zap.Error(err))
	}

	l.Sugar().Infow("sovads ledger",
		zap.String("version", version.GetVersion()),
		zap.String("commit", version.GetCommit()),
		zap.String("chain", cfg.Chain.String()),
		zap.String("treasuryBackend", string(cfg.TreasuryConfig.Backend)),
		zap.Bool("background", background),
	)

	tracer.StartTracer(cfg.DataDogConfig.TracingEnabled, cfg.Chain)
	defer tracer.StopTracer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := buildServices(ctx, cfg, l)
	if err != nil {
		l.Sugar().Fatalw("Failed to build services", zap.Error(err))
	}
	defer svc.Close(l)

	if background {
		svc.retrier.Start(ctx)
		if _, err := svc.reconciler.Start(ctx); err != nil {
			l.Sugar().Fatalw("Failed to start reconciler", zap.Error(err))
		}
	}

	promChan := make(chan bool, 1)
	if cfg.PrometheusConfig.Enabled {
		pServer := prometheus.NewPrometheusServer(&prometheus.PrometheusServerConfig{
			Port: cfg.PrometheusConfig.Port,
		}, l)
		if err := pServer.Start(promChan); err != nil {
			l.Sugar().Fatalw("Failed to start prometheus server", zap.Error(err))
		}
	}

	rpc := rpcServer.NewRpcServer(svc.deps, l, cfg)
	rpcDone := make(chan error, 1)
	go func() {
		err := rpc.Start(ctx)
		if err != nil && ctx.Err() == nil {
			l.Sugar().Fatalw("HTTP server failed", zap.Error(err))
		}
		rpcDone <- err
	}()

	l.Sugar().Info("Started ledger")

	gracefulShutdown := shutdown.CreateGracefulShutdownChannel()

	done := make(chan bool)
	shutdown.ListenForShutdown(gracefulShutdown, done, func() {
		l.Sugar().Info("Shutting down...")
		cancel()
		promChan <- true
		if err := <-rpcDone; err != nil {
			l.Sugar().Errorw("HTTP server stopped with error", zap.Error(err))
		}
	}, time.Second*15, l)
}
