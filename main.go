// Command neckhead serves the neck/head half of a split detection network.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nvr-ai/go-neckhead/config"
	"github.com/nvr-ai/go-neckhead/httputil"
	"github.com/nvr-ai/go-neckhead/inference"
	"github.com/nvr-ai/go-neckhead/inference/providers"
	"github.com/nvr-ai/go-neckhead/logger"
	"github.com/nvr-ai/go-neckhead/profiler"
	"github.com/nvr-ai/go-neckhead/server"
	"github.com/nvr-ai/go-neckhead/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("neckhead", flag.ContinueOnError)
	configPath, err := config.ParseConfigFlag(fs, args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Server.Debug)
	defer log.Sync()
	zap.ReplaceGlobals(log)

	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{
		ReportInterval: cfg.Profiler.ReportInterval,
		Logger:         log.Named("profiler"),
	})
	prof.Start()
	defer prof.Stop()

	engine, err := inference.NewEngineBuilder().
		WithLogger(log).
		WithProfiler(prof).
		WithDevice(cfg.Model.Device, cfg.Model.ONNXLibrary).
		WithGraphPath(cfg.Model.Path).
		WithLabelFamily(cfg.Model.Labels).
		WithThresholds(cfg.Detect.Objectness, cfg.Detect.IoU, cfg.Detect.NMSWorkers).
		Build()
	if err != nil {
		return err
	}
	defer providers.DestroyEnvironment()
	defer engine.Close()

	store, err := storage.New(storage.Options{
		Dir:     cfg.Storage.Backbone.Dir,
		Prefix:  "backbone",
		Enabled: cfg.Storage.Backbone.Enabled,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Detector:       engine,
		Store:          store,
		Profiler:       prof,
		Logger:         log,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return httputil.Serve(ctx, &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}, log)
}
