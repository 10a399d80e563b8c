package runtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/edsu/docnow/internal/config"
	"github.com/edsu/docnow/internal/ingest"
	"github.com/edsu/docnow/internal/loader"
	"github.com/edsu/docnow/internal/metrics"
	"github.com/edsu/docnow/internal/search"
	pebblestore "github.com/edsu/docnow/internal/storage/pebble"
	"github.com/edsu/docnow/internal/upstream"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        *zap.Logger
	// Client overrides the firehose client; nil builds one from config.
	Client upstream.Client
}

// Runtime wires storage, config, and the streaming pipeline for a
// single-node instance.
type Runtime struct {
	db       *pebblestore.DB
	config   cfgpkg.Config
	log      *zap.Logger
	searches *search.Store
	queue    *ingest.Queue
	dedup    *ingest.Deduplicator
	posts    *ingest.PostStore
	searcher upstream.Searcher
	ctrl     *loader.Controller
}

// Open initializes storage and assembles the pipeline. Start must be
// called before the controller streams.
func Open(opts Options) (*Runtime, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Config
	metrics.Register()

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       metrics.StorageHook{},
	})
	if err != nil {
		return nil, err
	}

	queue, err := ingest.OpenQueue(db, ingest.QueueOptions{MaxReady: cfg.Ingest.MaxReady})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dedup := ingest.NewDeduplicator(db)
	posts := ingest.NewPostStore(db, dedup)
	persister := ingest.NewPersister(queue, posts, ingest.PersisterOptions{
		Workers:     cfg.Ingest.PersisterWorkers,
		BatchSize:   cfg.Ingest.BatchSize,
		Lease:       cfg.Ingest.Lease(),
		MaxAttempts: cfg.Ingest.MaxAttempts,
		RetryDelay:  cfg.Ingest.RetryDelay(),
	}, log.Named("persister"))

	client := opts.Client
	var searcher upstream.Searcher
	if client == nil {
		fh := upstream.NewFirehose(cfg.Upstream)
		client = fh
		searcher = fh
	} else if s, ok := client.(upstream.Searcher); ok {
		searcher = s
	}

	searches := search.NewStore(db)
	ctrl := loader.NewController(loader.Deps{
		Config:    cfg,
		Client:    client,
		Searches:  searches,
		Registry:  search.NewRegistry(),
		Queue:     queue,
		Dedup:     dedup,
		Persister: persister,
		Log:       log,
	})

	return &Runtime{
		db:       db,
		config:   cfg,
		log:      log,
		searches: searches,
		queue:    queue,
		dedup:    dedup,
		posts:    posts,
		searcher: searcher,
		ctrl:     ctrl,
	}, nil
}

// Start launches the pipeline and resumes streaming for searches that
// were active when the previous process stopped.
func (r *Runtime) Start() {
	r.ctrl.Start()

	recs, err := r.searches.List("")
	if err != nil {
		r.log.Warn("resume scan failed", zap.Error(err))
		return
	}
	for _, rec := range recs {
		if !rec.Active {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		status, err := r.ctrl.StartStream(ctx, rec.ID, "")
		cancel()
		if err != nil {
			r.log.Warn("resume failed", zap.String("search", rec.ID), zap.Error(err))
			continue
		}
		r.log.Info("resumed search", zap.String("search", rec.ID), zap.String("status", string(status)))
	}
}

// Stop shuts the pipeline down, draining the queue within the
// configured shutdown timeout.
func (r *Runtime) Stop(ctx context.Context) error {
	return r.ctrl.Stop(ctx)
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// Controller returns the streaming facade.
func (r *Runtime) Controller() *loader.Controller { return r.ctrl }

// Searches returns the search store.
func (r *Runtime) Searches() *search.Store { return r.searches }

// Dedup returns the deduplicator, used for per-search commit counts.
func (r *Runtime) Dedup() *ingest.Deduplicator { return r.dedup }

// Posts returns the committed-post store.
func (r *Runtime) Posts() *ingest.PostStore { return r.posts }

// Searcher returns the historical-query API, or nil when the client
// does not support it.
func (r *Runtime) Searcher() upstream.Searcher { return r.searcher }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
