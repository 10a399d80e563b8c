package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edsu/docnow/internal/config"
	"github.com/edsu/docnow/internal/ingest"
	"github.com/edsu/docnow/internal/search"
	pebblestore "github.com/edsu/docnow/internal/storage/pebble"
	"github.com/edsu/docnow/internal/upstream"
)

type testHarness struct {
	ctrl     *Controller
	searches *search.Store
	store    *ingest.PostStore
	queue    *ingest.Queue
	client   *upstream.Scripted
}

func newHarness(t *testing.T, client *upstream.Scripted, mutate func(*config.Config)) *testHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Upstream.MaxConnections = 2
	cfg.Upstream.MaxTermsPerConnection = 4
	cfg.Backoff = testBackoff()
	cfg.Ingest.PersisterWorkers = 1
	cfg.Ingest.SweepIntervalMs = 50
	cfg.Ingest.ShutdownTimeoutMs = 5000
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	queue, err := ingest.OpenQueue(db, ingest.QueueOptions{MaxReady: cfg.Ingest.MaxReady})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	dedup := ingest.NewDeduplicator(db)
	store := ingest.NewPostStore(db, dedup)
	persister := ingest.NewPersister(queue, store, ingest.PersisterOptions{
		Workers:     cfg.Ingest.PersisterWorkers,
		BatchSize:   cfg.Ingest.BatchSize,
		Lease:       cfg.Ingest.Lease(),
		MaxAttempts: cfg.Ingest.MaxAttempts,
		RetryDelay:  cfg.Ingest.RetryDelay(),
		IdleWait:    10 * time.Millisecond,
	}, zap.NewNop())

	searches := search.NewStore(db)
	ctrl := NewController(Deps{
		Config:    cfg,
		Client:    client,
		Searches:  searches,
		Registry:  search.NewRegistry(),
		Queue:     queue,
		Dedup:     dedup,
		Persister: persister,
		Log:       zap.NewNop(),
	})
	ctrl.Start()
	t.Cleanup(func() { _ = ctrl.Stop(context.Background()) })

	return &testHarness{ctrl: ctrl, searches: searches, store: store, queue: queue, client: client}
}

func (h *testHarness) createSearch(t *testing.T, id string, terms ...string) {
	t.Helper()
	srch := &search.Search{ID: id, UserID: "u1", Title: id}
	groupTerms := make([]search.Term, len(terms))
	for i, v := range terms {
		groupTerms[i] = search.Term{Type: "keyword", Value: v}
	}
	srch.AddQuery(groupTerms)
	if err := h.searches.Create(srch); err != nil {
		t.Fatalf("create search: %v", err)
	}
}

func (h *testHarness) committed(searchID, postID string) bool {
	_, err := h.store.GetPost(searchID, postID)
	return err == nil
}

func post(id, text string) upstream.Post {
	return upstream.Post{ID: id, Author: "someone", Text: text, CreatedAt: time.Now().UTC()}
}

func TestControllerEndToEnd(t *testing.T) {
	client := upstream.NewScripted(upstream.OpenResult{Events: []upstream.Event{
		{Post: post("p1", "obama at the podium")},
		{Post: post("p2", "nothing relevant")},
		{Post: post("p3", "more obama news")},
		{Post: post("p4", "Obama again")},
	}})
	h := newHarness(t, client, nil)
	h.createSearch(t, "s1", "obama")

	status, err := h.ctrl.StartStream(context.Background(), "s1", "announce-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status != StatusStreaming {
		t.Fatalf("status = %s, want streaming", status)
	}

	waitUntil(t, 5*time.Second, func() bool {
		return h.committed("s1", "p1") && h.committed("s1", "p3") && h.committed("s1", "p4")
	})
	if h.committed("s1", "p2") {
		t.Fatal("non-matching post was committed")
	}

	rec, err := h.searches.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.Active || !rec.ArchiveStarted || rec.AnnounceID != "announce-1" {
		t.Fatalf("record flags = %+v", rec)
	}

	if err := h.ctrl.StopStream(context.Background(), "s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool {
		st := h.ctrl.Connections()[0]
		return st.State == "disconnected"
	})
	waitUntil(t, 5*time.Second, func() bool {
		stats, err := h.ctrl.QueueStats()
		return err == nil && stats.Ready == 0 && stats.Leased == 0
	})
	if st := h.ctrl.Status("s1"); st.Active {
		t.Fatal("search still active after stop")
	}
}

func TestControllerCommitsOncePerPair(t *testing.T) {
	// the same post delivered twice, and again on a second session
	client := upstream.NewScripted(
		upstream.OpenResult{Events: []upstream.Event{
			{Post: post("p1", "obama")},
			{Post: post("p1", "obama")},
			{Err: errors.New("connection reset")},
		}},
		upstream.OpenResult{Events: []upstream.Event{
			{Post: post("p1", "obama")},
			{Post: post("p2", "obama")},
		}},
	)
	h := newHarness(t, client, nil)
	h.createSearch(t, "s1", "obama")

	if _, err := h.ctrl.StartStream(context.Background(), "s1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitUntil(t, 5*time.Second, func() bool { return h.committed("s1", "p2") })
	if !h.committed("s1", "p1") {
		t.Fatal("p1 not committed")
	}

	stats, err := h.ctrl.QueueStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DeadLettered != 0 {
		t.Fatalf("dead letters = %d", stats.DeadLettered)
	}
}

func TestControllerRefilterInPlace(t *testing.T) {
	client := upstream.NewScripted(
		upstream.OpenResult{Events: []upstream.Event{
			{Post: post("p1", "obama speaks")},
		}},
		upstream.OpenResult{Events: []upstream.Event{
			{Post: post("p2", "biden speaks")},
		}},
	)
	h := newHarness(t, client, nil)
	h.createSearch(t, "s1", "obama")

	if _, err := h.ctrl.StartStream(context.Background(), "s1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool { return h.committed("s1", "p1") })

	// edit the live search's query; StartStream re-filters in place
	rec, err := h.searches.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec.AddQuery([]search.Term{
		{Type: "keyword", Value: "obama"},
		{Type: "keyword", Value: "biden"},
	})
	if err := h.searches.Update(rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	status, err := h.ctrl.StartStream(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if status != StatusStreaming {
		t.Fatalf("status = %s", status)
	}

	waitUntil(t, 5*time.Second, func() bool { return h.committed("s1", "p2") })

	opens := client.Opens()
	if len(opens) != 2 {
		t.Fatalf("open count = %d, want an in-place re-filter", len(opens))
	}
	found := false
	for _, term := range opens[1] {
		if term == "biden" {
			found = true
		}
	}
	if !found {
		t.Fatalf("second session terms = %v, want updated filter", opens[1])
	}
	if st := h.ctrl.Status("s1"); st.Connection != 0 {
		t.Fatalf("search moved to connection %d", st.Connection)
	}
}

func TestControllerDefersOverCapacity(t *testing.T) {
	client := upstream.NewScripted()
	h := newHarness(t, client, func(cfg *config.Config) {
		cfg.Upstream.MaxConnections = 1
		cfg.Upstream.MaxTermsPerConnection = 2
	})
	h.createSearch(t, "s1", "a", "b")
	h.createSearch(t, "s2", "c")

	if status, err := h.ctrl.StartStream(context.Background(), "s1", ""); err != nil || status != StatusStreaming {
		t.Fatalf("s1: %s %v", status, err)
	}
	status, err := h.ctrl.StartStream(context.Background(), "s2", "")
	if err != nil {
		t.Fatalf("s2: %v", err)
	}
	if status != StatusDeferred {
		t.Fatalf("s2 status = %s, want deferred", status)
	}
	if st := h.ctrl.Status("s2"); !st.Active || st.Status != StatusDeferred {
		t.Fatalf("s2 = %+v", st)
	}

	// freeing capacity promotes the pending search
	if err := h.ctrl.StopStream(context.Background(), "s1"); err != nil {
		t.Fatalf("stop s1: %v", err)
	}
	if st := h.ctrl.Status("s2"); st.Status != StatusStreaming {
		t.Fatalf("s2 after promotion = %+v", st)
	}
	waitUntil(t, 5*time.Second, func() bool {
		for _, terms := range client.Opens() {
			if len(terms) == 1 && terms[0] == "c" {
				return true
			}
		}
		return false
	})
}

func TestControllerSplitsAcrossConnections(t *testing.T) {
	client := upstream.NewScripted()
	h := newHarness(t, client, func(cfg *config.Config) {
		cfg.Upstream.MaxConnections = 2
		cfg.Upstream.MaxTermsPerConnection = 2
	})
	h.createSearch(t, "s1", "a", "b")
	h.createSearch(t, "s2", "c")

	if status, _ := h.ctrl.StartStream(context.Background(), "s1", ""); status != StatusStreaming {
		t.Fatalf("s1 = %s", status)
	}
	if status, _ := h.ctrl.StartStream(context.Background(), "s2", ""); status != StatusStreaming {
		t.Fatalf("s2 = %s", status)
	}

	s1 := h.ctrl.Status("s1")
	s2 := h.ctrl.Status("s2")
	if s1.Connection == s2.Connection {
		t.Fatalf("both searches on connection %d despite the term cap", s1.Connection)
	}
}

func TestControllerStartStreamUnknownSearch(t *testing.T) {
	h := newHarness(t, upstream.NewScripted(), nil)
	if _, err := h.ctrl.StartStream(context.Background(), "nope", ""); !errors.Is(err, search.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestControllerStartStreamNoTerms(t *testing.T) {
	h := newHarness(t, upstream.NewScripted(), nil)
	if err := h.searches.Create(&search.Search{ID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.ctrl.StartStream(context.Background(), "s1", ""); !errors.Is(err, ErrNoQuery) {
		t.Fatalf("err = %v, want ErrNoQuery", err)
	}
}

func TestControllerStopDrainsQueue(t *testing.T) {
	client := upstream.NewScripted(upstream.OpenResult{Events: []upstream.Event{
		{Post: post("p1", "obama")},
		{Post: post("p2", "obama")},
		{Post: post("p3", "obama")},
	}})
	h := newHarness(t, client, nil)
	h.createSearch(t, "s1", "obama")

	if _, err := h.ctrl.StartStream(context.Background(), "s1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	// give the read loop a moment to enqueue
	waitUntil(t, 5*time.Second, func() bool { return client.OpenCount() == 1 })
	time.Sleep(50 * time.Millisecond)

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if depth := h.queue.Depth(); depth != 0 {
		t.Fatalf("queue depth after stop = %d", depth)
	}
}
