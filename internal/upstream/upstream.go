// Package upstream talks to the firehose provider: a long-lived
// filtered streaming session plus a one-shot historical search API used
// for backfill. The provider is a capability interface so tests can
// substitute a scripted double.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Post is one item delivered by the provider.
type Post struct {
	ID        string          `json:"id"`
	Author    string          `json:"author"`
	Text      string          `json:"text"`
	Hashtags  []string        `json:"hashtags"`
	CreatedAt time.Time       `json:"createdAt"`
	Raw       json.RawMessage `json:"-"`
}

// ErrRateLimited reports a rate-limit rejection. Callers must back off
// for at least the policy-mandated minimum before retrying.
var ErrRateLimited = errors.New("upstream: rate limited")

// ErrClosed reports a stream ended by a local Close call.
var ErrClosed = errors.New("upstream: stream closed")

// TransportError wraps socket-level failures so callers can distinguish
// them from rate limiting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("upstream: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Stream is one open filtered session. Recv blocks until a post
// arrives, the stream fails, or Close is called; it never silently
// ends, a failed stream terminates with a distinguishing error.
// Posts are delivered in upstream receipt order.
type Stream interface {
	Recv() (Post, error)
	Close() error
}

// Client opens filtered streaming sessions. Re-filtering is expressed
// by closing a session and opening a new one with updated terms.
type Client interface {
	Open(ctx context.Context, terms []string) (Stream, error)
}

// Searcher is the one-shot historical query API, used only for
// backfill when a search is created or explicitly refreshed.
type Searcher interface {
	Search(ctx context.Context, terms []string, limit int) ([]Post, error)
}
