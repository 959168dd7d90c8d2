package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raterudder/spotexporter/pkg/exporter"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/pricing"
	"github.com/raterudder/spotexporter/pkg/server"
	"github.com/raterudder/spotexporter/pkg/sink"
	"github.com/raterudder/spotexporter/pkg/storage"
	"github.com/raterudder/spotexporter/pkg/tracing"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	src := pricing.Configured()
	snk := sink.Configured()
	store := storage.Configured()
	traceCfg := tracing.Configured()

	exp := exporter.Configured(src, snk, store)
	srv := server.Configured(exp)

	serve := lflag.Bool("serve", false, "Serve POST /api/run instead of running once and exiting")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Ctx(context.Background()))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, *traceCfg)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to init tracing", slog.Any("error", err))
		os.Exit(1)
	}

	// os.Exit skips defers so cleanup is explicit
	closeAll := func() {
		if err := snk.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close sink", slog.Any("error", err))
		}
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close state store", slog.Any("error", err))
		}
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to flush traces", slog.Any("error", err))
		}
	}

	if *serve {
		// Run will block until context is canceled or error happens
		err = srv.Run(ctx)
	} else {
		err = exp.Run(ctx)
	}
	closeAll()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "exiting with failure", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
