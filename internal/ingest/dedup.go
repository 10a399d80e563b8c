package ingest

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/edsu/docnow/internal/storage/pebble"
)

// Deduplicator answers whether a (search, post) pair has already been
// committed. Keys are written in the same batch as the post itself, so
// a crash between commit and mark cannot happen; after a restart the
// answer is exactly what storage holds.
type Deduplicator struct {
	db *pebblestore.DB
}

// NewDeduplicator returns a deduplicator over db.
func NewDeduplicator(db *pebblestore.DB) *Deduplicator {
	return &Deduplicator{db: db}
}

// ShouldCommit reports whether the pair has not been committed yet.
func (d *Deduplicator) ShouldCommit(searchID, postID string) (bool, error) {
	seen, err := d.db.Has(dedupKey(searchID, postID))
	if err != nil {
		return false, err
	}
	return !seen, nil
}

// MarkCommitted adds the pair to b. The caller commits the batch
// together with the post write.
func (d *Deduplicator) MarkCommitted(b *pebble.Batch, searchID, postID string) error {
	return b.Set(dedupKey(searchID, postID), nil, nil)
}

// CommittedCount scans the number of committed pairs for a search.
func (d *Deduplicator) CommittedCount(searchID string) (int, error) {
	mark, err := d.db.Get(markKey(searchID))
	if err != nil {
		if err == pebblestore.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(mark) < 16 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint64(mark[8:16])), nil
}
