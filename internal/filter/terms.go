// Package filter matches incoming posts against a search's term groups
// and an optional CEL refinement expression.
package filter

import "strings"

// Input is the view of a post the matcher evaluates.
type Input struct {
	Text     string
	Author   string
	Hashtags []string
	TSMs     int64
	Raw      []byte
}

// Matcher evaluates a search's query: each term group is an OR-set and
// groups are conjunctive, so a post matches only if every group has at
// least one hit. Keyword terms match case-insensitively on the post
// text; "#hashtag" and "@user" terms match the respective fields
// exactly.
type Matcher struct {
	groups [][]string
}

// NewMatcher compiles the given term groups. Groups without terms are
// ignored.
func NewMatcher(groups [][]string) *Matcher {
	m := &Matcher{}
	for _, g := range groups {
		folded := make([]string, 0, len(g))
		for _, term := range g {
			term = strings.TrimSpace(strings.ToLower(term))
			if term != "" {
				folded = append(folded, term)
			}
		}
		if len(folded) > 0 {
			m.groups = append(m.groups, folded)
		}
	}
	return m
}

// Terms returns the flattened term list across all groups, deduplicated,
// in first-seen order. This is what gets submitted upstream.
func (m *Matcher) Terms() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range m.groups {
		for _, t := range g {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Matches reports whether every group has at least one matching term.
func (m *Matcher) Matches(in Input) bool {
	if len(m.groups) == 0 {
		return false
	}
	text := strings.ToLower(in.Text)
	author := strings.ToLower(in.Author)
	tags := make(map[string]struct{}, len(in.Hashtags))
	for _, h := range in.Hashtags {
		tags[strings.ToLower(strings.TrimPrefix(h, "#"))] = struct{}{}
	}

	for _, group := range m.groups {
		hit := false
		for _, term := range group {
			switch {
			case strings.HasPrefix(term, "#"):
				if _, ok := tags[strings.TrimPrefix(term, "#")]; ok {
					hit = true
				}
			case strings.HasPrefix(term, "@"):
				if author == strings.TrimPrefix(term, "@") {
					hit = true
				}
			default:
				if strings.Contains(text, term) {
					hit = true
				}
			}
			if hit {
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}
