package ingest

import (
	"context"
	"testing"
)

func TestCommitPostOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	dedup := NewDeduplicator(db)
	store := NewPostStore(db, dedup)

	wrote, err := store.CommitPost(ctx, "s1", "p1", []byte(`{"id":"p1"}`), 1000)
	if err != nil || !wrote {
		t.Fatalf("first commit: wrote=%v err=%v", wrote, err)
	}
	wrote, err = store.CommitPost(ctx, "s1", "p1", []byte(`{"id":"p1"}`), 2000)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if wrote {
		t.Fatal("duplicate pair was committed twice")
	}

	// same post under a different search is a distinct pair
	wrote, err = store.CommitPost(ctx, "s2", "p1", []byte(`{"id":"p1"}`), 3000)
	if err != nil || !wrote {
		t.Fatalf("cross-search commit: wrote=%v err=%v", wrote, err)
	}

	payload, err := store.GetPost("s1", "p1")
	if err != nil || string(payload) != `{"id":"p1"}` {
		t.Fatalf("get: %q %v", payload, err)
	}
}

func TestDedupSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := mustOpenDB(t, dir)
	store := NewPostStore(db, NewDeduplicator(db))
	if _, err := store.CommitPost(ctx, "s1", "p1", []byte(`{}`), 1000); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db = mustOpenDB(t, dir)
	t.Cleanup(func() { _ = db.Close() })
	dedup := NewDeduplicator(db)
	ok, err := dedup.ShouldCommit("s1", "p1")
	if err != nil {
		t.Fatalf("should-commit: %v", err)
	}
	if ok {
		t.Fatal("dedup state lost across reopen")
	}
	n, err := dedup.CommittedCount("s1")
	if err != nil || n != 1 {
		t.Fatalf("committed count = %d, %v; want 1", n, err)
	}
}

func TestListPosts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewPostStore(db, NewDeduplicator(db))

	for _, p := range []string{"a", "b", "c"} {
		if _, err := store.CommitPost(ctx, "s1", p, []byte(p), 1000); err != nil {
			t.Fatalf("commit %s: %v", p, err)
		}
	}
	if _, err := store.CommitPost(ctx, "s2", "z", []byte("z"), 1000); err != nil {
		t.Fatalf("commit other search: %v", err)
	}

	var ids []string
	if err := store.ListPosts("s1", 2, func(postID string, payload []byte) bool {
		ids = append(ids, postID)
		return true
	}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids = %v, want [a b]", ids)
	}
}
