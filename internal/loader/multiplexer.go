// Package loader runs the streaming side of the archive: it assigns
// active searches to a bounded set of upstream connections, supervises
// each connection's reconnect lifecycle, and routes received posts
// into the ingestion queue.
package loader

import "sort"

// Multiplexer packs active searches onto at most maxConns connections,
// keeping each connection's combined term list within maxTerms. It is
// incremental: existing placements are kept where they still fit, so a
// registry change re-filters connections instead of reshuffling them.
//
// Not safe for concurrent use; the Controller serializes access.
type Multiplexer struct {
	maxConns int
	maxTerms int

	slots   []map[string][]string // slot index -> member search terms
	placed  map[string]int
	pending []string // deferred searches in arrival order
	terms   map[string][]string
}

// NewMultiplexer returns an empty multiplexer with the given caps.
func NewMultiplexer(maxConns, maxTermsPerConn int) *Multiplexer {
	if maxConns < 1 {
		maxConns = 1
	}
	if maxTermsPerConn < 1 {
		maxTermsPerConn = 1
	}
	return &Multiplexer{
		maxConns: maxConns,
		maxTerms: maxTermsPerConn,
		slots:    make([]map[string][]string, maxConns),
		placed:   make(map[string]int),
		terms:    make(map[string][]string),
	}
}

// Assign places or re-places a search. An already-placed search whose
// updated terms still fit keeps its slot (an in-place re-filter). The
// second return is false when no connection has capacity; the search
// is then held pending until PromotePending succeeds.
func (m *Multiplexer) Assign(searchID string, terms []string) (int, bool) {
	m.terms[searchID] = append([]string(nil), terms...)

	if slot, ok := m.placed[searchID]; ok {
		if m.fits(slot, searchID, terms) {
			m.slots[slot][searchID] = m.terms[searchID]
			return slot, true
		}
		m.evict(searchID, slot)
	}
	m.dropPending(searchID)

	if slot, ok := m.place(searchID, terms); ok {
		return slot, true
	}
	m.pending = append(m.pending, searchID)
	return -1, false
}

// Remove takes a search out of its connection (or off the pending
// list). Returns the freed slot and whether the search held one.
func (m *Multiplexer) Remove(searchID string) (int, bool) {
	delete(m.terms, searchID)
	if slot, ok := m.placed[searchID]; ok {
		m.evict(searchID, slot)
		return slot, true
	}
	m.dropPending(searchID)
	return -1, false
}

// PromotePending tries to place deferred searches in arrival order.
// Returns the searches that gained a slot.
func (m *Multiplexer) PromotePending() []string {
	var promoted []string
	remaining := m.pending[:0]
	for _, sid := range m.pending {
		if _, ok := m.place(sid, m.terms[sid]); ok {
			promoted = append(promoted, sid)
		} else {
			remaining = append(remaining, sid)
		}
	}
	m.pending = remaining
	return promoted
}

// Pending returns the deferred searches in arrival order.
func (m *Multiplexer) Pending() []string {
	return append([]string(nil), m.pending...)
}

// IsDeferred reports whether a search is waiting for capacity.
func (m *Multiplexer) IsDeferred(searchID string) bool {
	for _, sid := range m.pending {
		if sid == searchID {
			return true
		}
	}
	return false
}

// Slot returns the connection serving a search.
func (m *Multiplexer) Slot(searchID string) (int, bool) {
	slot, ok := m.placed[searchID]
	return slot, ok
}

// SlotSearches returns the members of a connection, sorted for
// deterministic iteration.
func (m *Multiplexer) SlotSearches(slot int) []string {
	if slot < 0 || slot >= len(m.slots) || m.slots[slot] == nil {
		return nil
	}
	out := make([]string, 0, len(m.slots[slot]))
	for sid := range m.slots[slot] {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// SlotTerms returns the combined filter predicate of a connection: the
// union of its members' terms, deduplicated, sorted.
func (m *Multiplexer) SlotTerms(slot int) []string {
	if slot < 0 || slot >= len(m.slots) || m.slots[slot] == nil {
		return nil
	}
	return unionTerms(m.slots[slot], "", nil)
}

// Slots returns the number of connection slots.
func (m *Multiplexer) Slots() int { return m.maxConns }

func (m *Multiplexer) fits(slot int, searchID string, terms []string) bool {
	union := unionTerms(m.slots[slot], searchID, terms)
	return len(union) <= m.maxTerms
}

func (m *Multiplexer) place(searchID string, terms []string) (int, bool) {
	if len(terms) > m.maxTerms {
		return -1, false
	}
	// fill open slots first, then the first closed one
	for slot := 0; slot < m.maxConns; slot++ {
		if m.slots[slot] == nil {
			continue
		}
		if m.fits(slot, searchID, terms) {
			m.slots[slot][searchID] = m.terms[searchID]
			m.placed[searchID] = slot
			return slot, true
		}
	}
	for slot := 0; slot < m.maxConns; slot++ {
		if m.slots[slot] != nil {
			continue
		}
		m.slots[slot] = map[string][]string{searchID: m.terms[searchID]}
		m.placed[searchID] = slot
		return slot, true
	}
	return -1, false
}

func (m *Multiplexer) evict(searchID string, slot int) {
	delete(m.placed, searchID)
	delete(m.slots[slot], searchID)
	if len(m.slots[slot]) == 0 {
		m.slots[slot] = nil
	}
}

func (m *Multiplexer) dropPending(searchID string) {
	for i, sid := range m.pending {
		if sid == searchID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// unionTerms collapses a slot's terms, substituting override terms for
// overrideID (pass overrideID "" for no substitution).
func unionTerms(members map[string][]string, overrideID string, override []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(terms []string) {
		for _, t := range terms {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for sid, terms := range members {
		if sid == overrideID {
			continue
		}
		add(terms)
	}
	add(override)
	sort.Strings(out)
	return out
}
