package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/edsu/docnow/internal/config"
	"github.com/edsu/docnow/internal/runtime"
	httpserver "github.com/edsu/docnow/internal/server/http"
	pebblestore "github.com/edsu/docnow/internal/storage/pebble"
	logpkg "github.com/edsu/docnow/pkg/log"
)

type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// layer a local signal context over the provided one, in case the
	// caller's context is not signal-aware
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = opts.Config.HTTPAddr
	}

	logger, err := logpkg.New(opts.Config.LogLevel, opts.Config.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	// stdlib logs (e.g. Pebble's) go through the same logger
	restore := logpkg.RedirectStdLog(logger)
	defer restore()

	logger.Info("starting docnow server",
		zap.String("http", opts.HTTPAddr),
		zap.String("data_dir", opts.DataDir),
		zap.String("upstream", opts.Config.Upstream.Endpoint))

	rt, err := runtime.Open(runtime.Options{
		DataDir:       filepath.Join(opts.DataDir, "store"),
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.Start()

	hsrv := httpserver.New(rt, logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- hsrv.ListenAndServe(sctx, opts.HTTPAddr) }()

	select {
	case <-sctx.Done():
	case err := <-serveErr:
		if err != nil && sctx.Err() == nil {
			hsrv.Close()
			_ = shutdown(rt, opts.Config, logger)
			return err
		}
	}

	hsrv.Close()
	return shutdown(rt, opts.Config, logger)
}

func shutdown(rt *runtime.Runtime, cfg cfgpkg.Config, logger *zap.Logger) error {
	logger.Info("shutting down, draining queue")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Ingest.ShutdownTimeout()+time.Second)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		logger.Error("shutdown drain incomplete", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
