// Command relay receives camera frames and re-streams the latest one to browsers.
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
	"github.com/nvr-ai/go-neckhead/logger"
	"github.com/nvr-ai/go-neckhead/relay"
	"github.com/nvr-ai/go-neckhead/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
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

	store, err := storage.New(storage.Options{
		Dir:     cfg.Storage.Frames.Dir,
		Prefix:  "frame",
		Enabled: cfg.Storage.Frames.Enabled,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	rl := relay.New(relay.Options{
		Store:          store,
		StaticDir:      cfg.Relay.StaticDir,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		Logger:         log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// No write timeout: /video_feed streams until the client leaves.
	return httputil.Serve(ctx, &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Relay.Port),
		Handler:           rl.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
	}, log)
}
