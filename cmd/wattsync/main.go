package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/wattsync/wattsync/pkg/frank"
	"github.com/wattsync/wattsync/pkg/log"
	"github.com/wattsync/wattsync/pkg/poller"
	"github.com/wattsync/wattsync/pkg/stats"
	"github.com/wattsync/wattsync/pkg/storage"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// init packages
	fc := frank.Configured()
	s := storage.Configured()

	p := poller.Configured(fc, stats.New(s))

	metricsAddr := lflag.String("metrics-listen", ":9090", "Address to serve prometheus metrics on, empty to disable")

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
	slog.Debug("logger configured", slog.String("level", level.String()))

	if err := fc.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// a login at startup surfaces bad credentials immediately instead of on
	// the first poll
	if err := fc.Login(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "initial login failed", "error", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", gziphandler.GzipHandler(promhttp.Handler()))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "metrics server failed", "error", err)
			}
		}()
	}

	if err := p.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "poller failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "poller exited cleanly")
}
