package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/candlevault/candlevault/internal/interfaces/http"
	"github.com/candlevault/candlevault/internal/scheduler"
	"github.com/candlevault/candlevault/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and backfill scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics := telemetry.New()
	a.router.SetMetrics(metrics)
	a.worker.SetMetrics(metrics)
	a.repairer.SetMetrics(metrics)

	sched := scheduler.New(scheduler.Config{
		Minute:               a.cfg.ScheduleMinute,
		Hour:                 a.cfg.ScheduleHour,
		MaxConcurrentSymbols: a.cfg.MaxConcurrentSymbols,
	}, a.symbols, a.candles, a.jobs, a.execs, a.worker, a.repairer)
	sched.SetMetrics(metrics)

	handlers := httpapi.NewHandlers(httpapi.Deps{
		Candles:   a.candles,
		Symbols:   a.symbols,
		Jobs:      a.jobs,
		Execs:     a.execs,
		Keys:      a.keys,
		Runner:    a.worker,
		Scheduler: sched,
		Cache:     a.cache,
		Metrics:   metrics,
	})
	server := httpapi.NewServer(httpapi.DefaultServerConfig(a.cfg.HTTPPort), handlers, metrics)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		stop()
		<-schedDone
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
	<-schedDone

	return <-serverErr
}
