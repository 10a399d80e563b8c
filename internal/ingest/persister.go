package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edsu/docnow/internal/metrics"
)

// PersisterOptions tunes the drain workers.
type PersisterOptions struct {
	Workers     int
	BatchSize   int
	Lease       time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	// IdleWait bounds how long a worker parks when the queue is empty.
	IdleWait time.Duration
}

// Committer persists one (search, post) pair. *PostStore is the
// production implementation.
type Committer interface {
	CommitPost(ctx context.Context, searchID, postID string, payload []byte, nowMs int64) (bool, error)
}

// Persister drains the queue into the post store. Each item is
// committed once per matching search; duplicates are skipped, and
// items that keep failing move to the dead-letter keyspace.
type Persister struct {
	queue *Queue
	store Committer
	opts  PersisterOptions
	log   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewPersister wires a persister over queue and store.
func NewPersister(queue *Queue, store Committer, opts PersisterOptions, log *zap.Logger) *Persister {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 250 * time.Millisecond
	}
	return &Persister{queue: queue, store: store, opts: opts, log: log}
}

// Start launches the worker pool. It is a no-op if already running.
func (p *Persister) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	done := p.done
	go func() {
		wg.Wait()
		close(done)
	}()
}

// Stop cancels the workers and waits for them to exit.
func (p *Persister) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
}

// Drain processes the backlog until the queue is empty or ctx expires,
// then stops the workers. Used during shutdown so accepted items reach
// storage before the process exits.
func (p *Persister) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for p.queue.Depth() > 0 {
		select {
		case <-ctx.Done():
			p.Stop()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	p.Stop()
	return nil
}

func (p *Persister) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := p.queue.DequeueBatch(ctx, p.opts.BatchSize, p.opts.Lease)
		if err != nil {
			p.log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.RetryDelay):
			}
			continue
		}
		if len(batch) == 0 {
			p.queue.WaitForEnqueue(p.opts.IdleWait)
			continue
		}
		for _, leased := range batch {
			p.handle(ctx, leased)
		}
	}
}

func (p *Persister) handle(ctx context.Context, leased Leased) {
	it := leased.Item
	nowMs := time.Now().UnixMilli()

	for _, searchID := range it.SearchIDs {
		wrote, err := p.store.CommitPost(ctx, searchID, it.PostID, it.Payload, nowMs)
		if err != nil {
			attempts := leased.Attempts + 1
			if int(attempts) >= p.opts.MaxAttempts {
				p.log.Error("dead-lettering item",
					zap.String("post", it.PostID),
					zap.Uint32("attempts", attempts),
					zap.Error(err))
				if ferr := p.queue.Fail(ctx, leased.Seq, 0, true); ferr != nil {
					p.log.Error("dead-letter write failed", zap.Error(ferr))
				}
				return
			}
			p.log.Warn("commit failed, retrying",
				zap.String("post", it.PostID),
				zap.Uint32("attempts", attempts),
				zap.Error(err))
			if ferr := p.queue.Fail(ctx, leased.Seq, p.opts.RetryDelay, false); ferr != nil {
				p.log.Error("retry schedule failed", zap.Error(ferr))
			}
			return
		}
		if wrote {
			metrics.ItemsCommittedTotal.WithLabelValues(searchID).Inc()
		} else {
			metrics.DuplicatesSkippedTotal.Inc()
		}
	}

	if err := p.queue.Complete(ctx, leased.Seq); err != nil {
		p.log.Error("complete failed", zap.Uint64("seq", leased.Seq), zap.Error(err))
	}
}
