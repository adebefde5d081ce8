// Command replay runs persisted backbone payloads through the pipeline offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nvr-ai/go-neckhead/config"
	"github.com/nvr-ai/go-neckhead/inference"
	"github.com/nvr-ai/go-neckhead/inference/providers"
	"github.com/nvr-ai/go-neckhead/logger"
	"github.com/nvr-ai/go-neckhead/payload"
	"github.com/nvr-ai/go-neckhead/util"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	dir := fs.String("dir", "", "directory of persisted payloads (default storage.backbone.dir)")
	configPath, err := config.ParseConfigFlag(fs, args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if *dir == "" {
		*dir = cfg.Storage.Backbone.Dir
	}

	log := logger.New(cfg.Server.Debug)
	defer log.Sync()

	engine, err := inference.NewEngineBuilder().
		WithLogger(log).
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

	files, err := util.LoadDirectoryPayloadFiles(*dir, "backbone", ".npz", ".npy")
	if err != nil {
		return err
	}
	log.Info("replaying payloads", zap.String("dir", *dir), zap.Int("files", len(files)))

	failed := 0
	for _, f := range files {
		backbone, err := payload.Decode(f.Data)
		if err == nil {
			var res *inference.Result
			res, err = engine.Detect(context.Background(), backbone)
			if err == nil {
				log.Info("replayed",
					zap.String("path", f.Path),
					zap.Time("uploaded", f.Time),
					zap.Int("candidates", res.Candidates),
					zap.Any("detections", res.Detections))
				continue
			}
		}
		failed++
		log.Warn("replay failed", zap.String("path", f.Path), zap.Error(err))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d payloads failed", failed, len(files))
	}
	return nil
}
