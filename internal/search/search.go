// Package search holds the search model, its durable store, and the
// registry of searches that are currently streaming.
package search

import "time"

// Term is a single match value within an OR-group.
type Term struct {
	Type  string `json:"type"` // "keyword", "hashtag", or "user"
	Value string `json:"value"`
}

// TermGroup is one generation of a search's query: an OR-set of terms.
// Groups are conjunctive; the newest group is the authoritative filter
// for streaming while older groups are retained for provenance.
type TermGroup struct {
	Or        []Term    `json:"or"`
	CreatedAt time.Time `json:"createdAt"`
}

// Search is a user-defined standing filter with an activation state.
type Search struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	Title          string      `json:"title"`
	Queries        []TermGroup `json:"queries"`
	Active         bool        `json:"active"`
	ArchiveStarted bool        `json:"archiveStarted"`
	Public         bool        `json:"public"`
	Deleted        bool        `json:"deleted"`
	// Expression optionally refines term matches with a CEL predicate,
	// evaluated locally against each candidate post.
	Expression string `json:"expression,omitempty"`
	// AnnounceID records the post publicly announcing this search, when
	// one accompanied activation.
	AnnounceID string    `json:"announceId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CurrentTerms returns the values of the newest term group, or nil for
// a search with no query yet.
func (s *Search) CurrentTerms() []string {
	if len(s.Queries) == 0 {
		return nil
	}
	group := s.Queries[len(s.Queries)-1]
	out := make([]string, 0, len(group.Or))
	for _, t := range group.Or {
		out = append(out, t.Value)
	}
	return out
}

// AddQuery appends a new authoritative term group.
func (s *Search) AddQuery(terms []Term) {
	s.Queries = append(s.Queries, TermGroup{Or: terms, CreatedAt: time.Now().UTC()})
}
