package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/deps"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/observability"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.settings.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string) (err error) {
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	defer func() {
		shutdownCtx := context.WithoutCancel(ctx)
		err = errors.Join(err, tp.Shutdown(shutdownCtx), mp.Shutdown(shutdownCtx))
	}()

	metrics, err := observability.NewMetricsRecorderFrom(mp)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	c, err := deps.NewContainer(ctx, a.settings,
		deps.WithLogger(a.logger),
		deps.WithMetrics(metrics),
		deps.WithSpans(observability.NewSpanManagerFrom(tp)),
	)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() { err = errors.Join(err, c.Close()) }()

	a.logger.Info("lessonflow serving",
		slog.String("addr", addr),
		slog.String("llm_provider", a.settings.LLM.Provider),
		slog.String("trace_backend", a.settings.Trace.Backend),
		slog.String("events_backend", a.settings.Events.Backend),
	)
	return server.New(c, server.WithLogger(a.logger)).ListenAndServe(ctx, addr)
}
