package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"caseflow/cases"
	"caseflow/config"
	"caseflow/db"
	"caseflow/decision"
	"caseflow/inbox"
	"caseflow/letter"
	"caseflow/outbox"
	"caseflow/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile("./config")
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.Observability.TracingURL != "" {
		shutdown, err := telemetry.Init(cfg.Observability)
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer shutdown()
	}

	pool, err := db.NewPool(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	statusSvc := cases.NewStatusService(pool)
	versionRepo := decision.NewRepository()
	outboxWriter := outbox.NewWriter()
	decisionSvc := decision.NewService(pool, versionRepo, outboxWriter, cfg.Poller.MaxResendCount)
	letterClient := letter.NewClient(cfg.Letter.BaseURL, cfg.Letter.SigningSecret, cfg.Letter.Timeout)
	trackingHandler := decision.NewTrackingHandler(pool, versionRepo, statusSvc, letterClient, logger)

	eventStore := inbox.NewEventStore()
	watermarks := inbox.NewWatermarkStore()
	gauge := inbox.NewPoolPressureGauge(pool, 0.8)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Poller.Workers; i++ {
		worker := i
		poller := inbox.NewPoller(pool, eventStore, watermarks, decisionSvc, statusSvc, statusSvc, gauge,
			logger.With("worker", worker), inbox.Options{
				Interval:        cfg.Poller.Interval,
				BatchSize:       cfg.Poller.BatchSize,
				InterEventDelay: cfg.Poller.InterEventDelay,
			})
		g.Go(func() error {
			logger.Info("poll worker started", "worker", worker)
			err := poller.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	// Thin acknowledgement endpoints; routing and auth in front of them belong
	// to the API deployment.
	ackSrv := &http.Server{
		Addr:              ":8091",
		Handler:           newAckMux(statusSvc, trackingHandler, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("tracking acknowledgement listener started", "addr", ackSrv.Addr)
		if err := ackSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ackSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("worker exited: %v", err)
	}
	logger.Info("worker stopped")
}
