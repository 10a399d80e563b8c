package ingest

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/edsu/docnow/internal/storage/pebble"
)

// PostStore commits matched posts. A commit writes the post payload,
// the dedup key, and the per-search watermark in one atomic batch, so
// every observable state is consistent across restarts.
type PostStore struct {
	db    *pebblestore.DB
	dedup *Deduplicator
}

// NewPostStore returns a store writing to db.
func NewPostStore(db *pebblestore.DB, dedup *Deduplicator) *PostStore {
	return &PostStore{db: db, dedup: dedup}
}

// CommitPost persists payload under (searchID, postID) if the pair has
// not been committed before. Returns true when a write happened.
func (s *PostStore) CommitPost(ctx context.Context, searchID, postID string, payload []byte, nowMs int64) (bool, error) {
	ok, err := s.dedup.ShouldCommit(searchID, postID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(postKey(searchID, postID), payload, nil); err != nil {
		return false, err
	}
	if err := s.dedup.MarkCommitted(b, searchID, postID); err != nil {
		return false, err
	}
	if err := s.bumpMark(b, searchID, nowMs); err != nil {
		return false, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	return true, nil
}

// GetPost returns the stored payload for the pair.
func (s *PostStore) GetPost(searchID, postID string) ([]byte, error) {
	return s.db.Get(postKey(searchID, postID))
}

// ListPosts iterates committed posts for a search in post-ID order,
// stopping after max (0 means no limit) or when fn returns false.
func (s *PostStore) ListPosts(searchID string, max int, fn func(postID string, payload []byte) bool) error {
	prefix := prefixPost + searchID + "/"
	lo, hi := prefixBounds(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		postID := string(iter.Key()[len(prefix):])
		if !fn(postID, append([]byte(nil), iter.Value()...)) {
			break
		}
		n++
		if max > 0 && n >= max {
			break
		}
	}
	return nil
}

func (s *PostStore) bumpMark(b *pebble.Batch, searchID string, nowMs int64) error {
	count := uint64(0)
	if mark, err := s.db.Get(markKey(searchID)); err == nil && len(mark) >= 16 {
		count = binary.BigEndian.Uint64(mark[8:16])
	}
	var mark [16]byte
	binary.BigEndian.PutUint64(mark[0:8], uint64(nowMs))
	binary.BigEndian.PutUint64(mark[8:16], count+1)
	return b.Set(markKey(searchID), mark[:], nil)
}
