package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edsu/docnow/internal/config"
	"github.com/edsu/docnow/internal/filter"
	"github.com/edsu/docnow/internal/ingest"
	"github.com/edsu/docnow/internal/metrics"
	"github.com/edsu/docnow/internal/search"
	"github.com/edsu/docnow/internal/upstream"
)

// Status reports how an activation was satisfied.
type Status string

const (
	// StatusStreaming means the search holds a connection slot.
	StatusStreaming Status = "streaming"
	// StatusDeferred means every connection is at capacity; the search
	// is active and will start streaming once a slot frees up.
	StatusDeferred Status = "deferred"
)

// ErrNoQuery is returned when activating a search without terms.
var ErrNoQuery = errors.New("loader: search has no query terms")

type searchMatcher struct {
	terms *filter.Matcher
	cel   *filter.CELFilter
}

func (sm *searchMatcher) matches(in filter.Input) bool {
	if !sm.terms.Matches(in) {
		return false
	}
	if sm.cel != nil && !sm.cel.Eval(in) {
		return false
	}
	return true
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Config    config.Config
	Client    upstream.Client
	Searches  *search.Store
	Registry  *search.Registry
	Queue     *ingest.Queue
	Dedup     *ingest.Deduplicator
	Persister *ingest.Persister
	Log       *zap.Logger
}

// Controller is the facade over the streaming pipeline. It owns the
// registry, the multiplexer, the connection supervisors, and the
// persister lifecycle. Registry and multiplexer mutations are
// serialized behind its lock so assignment recomputation is never
// observed mid-update.
type Controller struct {
	d   Deps
	log *zap.Logger

	mu       sync.Mutex
	mux      *Multiplexer
	sups     []*Supervisor
	matchers map[string]*searchMatcher

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController wires a controller; call Start before activating
// searches.
func NewController(d Deps) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		d:        d,
		log:      d.Log.Named("loader"),
		mux:      NewMultiplexer(d.Config.Upstream.MaxConnections, d.Config.Upstream.MaxTermsPerConnection),
		matchers: make(map[string]*searchMatcher),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < c.mux.Slots(); i++ {
		c.sups = append(c.sups, NewSupervisor(i, d.Client, d.Config.Backoff, c.handlePost, c.log))
	}
	return c
}

// Start launches the supervisors, the persister workers, and the lease
// sweeper.
func (c *Controller) Start() {
	for _, sup := range c.sups {
		sup.Start()
	}
	c.d.Persister.Start()
	c.d.Queue.StartSweeper(c.d.Config.Ingest.SweepInterval())

	// periodic depth sampler; shares no locks with the reconcile path
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				metrics.QueueDepth.Set(float64(c.d.Queue.Depth()))
			}
		}
	}()
}

// StartStream activates a search. It is idempotent: activating a
// running search replaces its filter in place. It returns once the
// activation is registered; the physical connection follows
// asynchronously, so transport failures never surface here.
func (c *Controller) StartStream(ctx context.Context, searchID, announceID string) (Status, error) {
	rec, err := c.d.Searches.Get(searchID)
	if err != nil {
		return "", err
	}
	terms := rec.CurrentTerms()
	if len(terms) == 0 {
		return "", ErrNoQuery
	}

	sm := &searchMatcher{terms: filter.NewMatcher([][]string{terms})}
	if rec.Expression != "" {
		celf, err := filter.NewCELFilter(rec.Expression)
		if err != nil {
			return "", fmt.Errorf("loader: bad filter expression: %w", err)
		}
		sm.cel = &celf
	}

	c.mu.Lock()
	c.d.Registry.Activate(searchID, terms)
	c.matchers[searchID] = sm
	_, placed := c.mux.Assign(searchID, terms)
	c.applySlots()
	c.mu.Unlock()

	rec.Active = true
	rec.ArchiveStarted = true
	if announceID != "" {
		rec.AnnounceID = announceID
	}
	if err := c.d.Searches.Update(rec); err != nil {
		c.log.Warn("activation flag update failed", zap.String("search", searchID), zap.Error(err))
	}

	if !placed {
		c.log.Info("activation deferred, no connection capacity", zap.String("search", searchID))
		return StatusDeferred, nil
	}
	return StatusStreaming, nil
}

// StopStream deactivates a search. After it returns no further items
// are enqueued for the search; items already queued drain normally
// unless the drop-on-deactivate policy is configured. Deactivating an
// inactive search is a no-op.
func (c *Controller) StopStream(ctx context.Context, searchID string) error {
	c.mu.Lock()
	c.d.Registry.Deactivate(searchID)
	delete(c.matchers, searchID)
	c.mux.Remove(searchID)
	promoted := c.mux.PromotePending()
	c.applySlots()
	c.mu.Unlock()

	for _, sid := range promoted {
		c.log.Info("deferred search promoted", zap.String("search", sid))
	}

	if c.d.Config.Ingest.DropOnDeactivate {
		if dropped, err := c.d.Queue.PurgeSearch(ctx, searchID); err != nil {
			return fmt.Errorf("loader: purge queued items: %w", err)
		} else if dropped > 0 {
			c.log.Info("dropped queued items", zap.String("search", searchID), zap.Int("items", dropped))
		}
	}

	rec, err := c.d.Searches.Get(searchID)
	if err != nil {
		if errors.Is(err, search.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Active {
		rec.Active = false
		if err := c.d.Searches.Update(rec); err != nil {
			c.log.Warn("deactivation flag update failed", zap.String("search", searchID), zap.Error(err))
		}
	}
	return nil
}

// SearchStatus describes a search's streaming position.
type SearchStatus struct {
	Active     bool   `json:"active"`
	Status     Status `json:"status,omitempty"`
	Connection int    `json:"connection,omitempty"`
}

// Status reports whether a search is streaming, deferred, or inactive.
func (c *Controller) Status(searchID string) SearchStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.d.Registry.IsActive(searchID) {
		return SearchStatus{}
	}
	if c.mux.IsDeferred(searchID) {
		return SearchStatus{Active: true, Status: StatusDeferred}
	}
	slot, _ := c.mux.Slot(searchID)
	return SearchStatus{Active: true, Status: StatusStreaming, Connection: slot}
}

// Connections returns the state of every connection slot.
func (c *Controller) Connections() []ConnStatus {
	out := make([]ConnStatus, 0, len(c.sups))
	for _, sup := range c.sups {
		out = append(out, sup.Status())
	}
	return out
}

// QueueStats returns a queue snapshot.
func (c *Controller) QueueStats() (ingest.Stats, error) {
	return c.d.Queue.StatsSnapshot()
}

// Stop shuts the pipeline down: deactivates every search, closes every
// connection, and waits for the persister to drain the queue within
// the configured shutdown timeout. A drain timeout is surfaced to the
// caller.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	for _, as := range c.d.Registry.ListActive() {
		c.d.Registry.Deactivate(as.ID)
		c.mux.Remove(as.ID)
	}
	c.matchers = make(map[string]*searchMatcher)
	sups := c.sups
	c.mu.Unlock()

	// release read loops blocked in enqueue backpressure; uncommitted
	// in-flight items are safe to discard
	c.cancel()
	for _, sup := range sups {
		sup.Close()
	}
	c.d.Queue.StopSweeper()

	dctx, cancel := context.WithTimeout(ctx, c.d.Config.Ingest.ShutdownTimeout())
	defer cancel()
	if err := c.d.Persister.Drain(dctx); err != nil {
		return fmt.Errorf("loader: queue drain: %w", err)
	}
	return nil
}

// applySlots pushes current slot predicates to the supervisors. Called
// with c.mu held; SetTerms is a no-op for unchanged slots, so only
// affected connections re-filter.
func (c *Controller) applySlots() {
	for i, sup := range c.sups {
		sup.SetTerms(c.mux.SlotTerms(i))
	}
}

// handlePost routes one received post: match it against the searches
// assigned to the connection, skip pairs already committed, and
// enqueue the rest as a single item. Enqueue blocks under queue
// saturation, which pauses this connection's read loop.
func (c *Controller) handlePost(connID int, p upstream.Post) {
	in := filter.Input{
		Text:     p.Text,
		Author:   p.Author,
		Hashtags: p.Hashtags,
		TSMs:     p.CreatedAt.UnixMilli(),
		Raw:      p.Raw,
	}

	c.mu.Lock()
	members := c.mux.SlotSearches(connID)
	sms := make([]*searchMatcher, len(members))
	for i, sid := range members {
		sms[i] = c.matchers[sid]
	}
	c.mu.Unlock()

	var matched []string
	for i, sid := range members {
		if sms[i] == nil || !sms[i].matches(in) {
			continue
		}
		fresh, err := c.d.Dedup.ShouldCommit(sid, p.ID)
		if err != nil {
			// enqueue anyway; the persister re-checks before writing
			c.log.Warn("dedup check failed", zap.String("search", sid), zap.Error(err))
			fresh = true
		}
		if !fresh {
			metrics.DuplicatesSkippedTotal.Inc()
			continue
		}
		matched = append(matched, sid)
	}
	if len(matched) == 0 {
		return
	}

	payload := []byte(p.Raw)
	if len(payload) == 0 {
		payload, _ = json.Marshal(p)
	}
	item := ingest.Item{
		PostID:     p.ID,
		SearchIDs:  matched,
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}
	if _, err := c.d.Queue.Enqueue(c.ctx, item); err != nil {
		if c.ctx.Err() == nil {
			c.log.Error("enqueue failed", zap.String("post", p.ID), zap.Error(err))
		}
	}
}
