package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edsu/docnow/internal/config"
)

// Firehose implements Client and Searcher against a websocket streaming
// endpoint and its companion HTTP search API.
type Firehose struct {
	cfg    config.Upstream
	dialer *websocket.Dialer
	http   *http.Client
}

// NewFirehose returns a Firehose for the configured provider.
func NewFirehose(cfg config.Upstream) *Firehose {
	return &Firehose{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout(),
		},
		http: &http.Client{Timeout: cfg.DialTimeout()},
	}
}

type subscribeFrame struct {
	Action string   `json:"action"`
	Terms  []string `json:"terms"`
}

// Open dials the streaming endpoint and submits the filter terms.
func (f *Firehose) Open(ctx context.Context, terms []string) (Stream, error) {
	header := http.Header{}
	if f.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+f.cfg.Token)
	}
	conn, resp, err := f.dialer.DialContext(ctx, f.cfg.Endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, ErrRateLimited
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if err := conn.WriteJSON(subscribeFrame{Action: "subscribe", Terms: terms}); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	return &wsStream{conn: conn, readTimeout: f.cfg.ReadTimeout()}, nil
}

type wsStream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closed      atomic.Bool
}

// Recv reads the next post frame. A stalled connection trips the read
// deadline and surfaces as a transport failure.
func (s *wsStream) Recv() (Post, error) {
	for {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return Post{}, ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
				return Post{}, ErrRateLimited
			}
			return Post{}, &TransportError{Op: "read", Err: err}
		}
		// keepalive frames carry no id
		var p Post
		if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
			continue
		}
		p.Raw = append(json.RawMessage(nil), data...)
		return p, nil
	}
}

// Close interrupts a blocked Recv.
func (s *wsStream) Close() error {
	s.closed.Store(true)
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

type searchResponse struct {
	Posts []postFrame `json:"posts"`
}

type postFrame struct {
	Post
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Search runs a one-shot historical query, newest first, up to limit.
func (f *Firehose) Search(ctx context.Context, terms []string, limit int) ([]Post, error) {
	u, err := url.Parse(f.cfg.SearchEndpoint)
	if err != nil {
		return nil, fmt.Errorf("upstream: bad search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", strings.Join(terms, " OR "))
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if f.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "search", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransportError{Op: "search", Err: errors.New(resp.Status + ": " + string(body))}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode search response: %w", err)
	}
	posts := make([]Post, 0, len(out.Posts))
	for _, pf := range out.Posts {
		p := pf.Post
		p.Raw = pf.Raw
		posts = append(posts, p)
	}
	return posts, nil
}
