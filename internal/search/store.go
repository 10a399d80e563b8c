package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/edsu/docnow/internal/storage/pebble"
	"github.com/edsu/docnow/pkg/id"
)

// ErrNotFound is returned for unknown or soft-deleted searches.
var ErrNotFound = errors.New("search not found")

var searchPrefix = []byte("search/")

func searchKey(searchID string) []byte {
	k := make([]byte, 0, len(searchPrefix)+len(searchID))
	k = append(k, searchPrefix...)
	k = append(k, searchID...)
	return k
}

// Store persists Search records as JSON in pebble. Searches are never
// hard-deleted while referenced data exists; Delete only sets the
// Deleted flag.
type Store struct {
	db  *pebblestore.DB
	ids *id.Generator
}

// NewStore returns a Store over db.
func NewStore(db *pebblestore.DB) *Store {
	return &Store{db: db, ids: id.NewGenerator()}
}

// Create assigns an ID and persists the search.
func (s *Store) Create(srch *Search) error {
	if srch.ID == "" {
		srch.ID = s.ids.Next().String()
	}
	now := time.Now().UTC()
	srch.CreatedAt = now
	srch.UpdatedAt = now
	return s.put(srch)
}

// Get loads a search by ID.
func (s *Store) Get(searchID string) (*Search, error) {
	b, err := s.db.Get(searchKey(searchID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var srch Search
	if err := json.Unmarshal(b, &srch); err != nil {
		return nil, fmt.Errorf("decode search %s: %w", searchID, err)
	}
	if srch.Deleted {
		return nil, ErrNotFound
	}
	return &srch, nil
}

// Update persists a modified search.
func (s *Store) Update(srch *Search) error {
	if srch.ID == "" {
		return errors.New("update requires a search ID")
	}
	srch.UpdatedAt = time.Now().UTC()
	return s.put(srch)
}

// Delete soft-deletes a search.
func (s *Store) Delete(searchID string) error {
	srch, err := s.Get(searchID)
	if err != nil {
		return err
	}
	srch.Deleted = true
	return s.Update(srch)
}

// List returns all live searches, optionally filtered by owner.
func (s *Store) List(userID string) ([]*Search, error) {
	hi := append(append([]byte{}, searchPrefix...), 0xFF)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: searchPrefix, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Search
	for ok := iter.First(); ok; ok = iter.Next() {
		var srch Search
		if err := json.Unmarshal(iter.Value(), &srch); err != nil {
			continue
		}
		if srch.Deleted {
			continue
		}
		if userID != "" && srch.UserID != userID {
			continue
		}
		out = append(out, &srch)
	}
	return out, nil
}

func (s *Store) put(srch *Search) error {
	b, err := json.Marshal(srch)
	if err != nil {
		return err
	}
	return s.db.Set(searchKey(srch.ID), b)
}
