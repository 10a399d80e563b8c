package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edsu/docnow/internal/config"
)

var testUpgrader = websocket.Upgrader{}

func deadlineSoon() time.Time { return time.Now().Add(time.Second) }

func firehoseFor(t *testing.T, srv *httptest.Server) *Firehose {
	t.Helper()
	cfg := config.Default().Upstream
	cfg.Endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.SearchEndpoint = srv.URL + "/search"
	cfg.Token = "secret"
	return NewFirehose(cfg)
}

func TestOpenSubscribesAndReceives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Action != "subscribe" || len(sub.Terms) != 2 {
			t.Errorf("subscribe frame = %+v", sub)
		}
		// keepalive without id must be skipped by Recv
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{}`))
		_ = conn.WriteJSON(Post{ID: "1", Author: "alice", Text: "obama rally"})
	}))
	defer srv.Close()

	f := firehoseFor(t, srv)
	st, err := f.Open(context.Background(), []string{"obama", "biden"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	p, err := st.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if p.ID != "1" || p.Author != "alice" {
		t.Fatalf("post = %+v", p)
	}
	if len(p.Raw) == 0 {
		t.Fatal("expected raw frame retained")
	}
}

func TestRecvDistinguishesRateLimitClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var sub subscribeFrame
		_ = conn.ReadJSON(&sub)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow down"), deadlineSoon())
		conn.Close()
	}))
	defer srv.Close()

	f := firehoseFor(t, srv)
	st, err := f.Open(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if _, err := st.Recv(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestRecvWrapsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var sub subscribeFrame
		_ = conn.ReadJSON(&sub)
		conn.Close() // abrupt, no close handshake
	}))
	defer srv.Close()

	f := firehoseFor(t, srv)
	st, err := f.Open(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	_, err = st.Recv()
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("want TransportError, got %v", err)
	}
}

func TestCloseInterruptsBlockedRecv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var sub subscribeFrame
		_ = conn.ReadJSON(&sub)
		// hold the connection open; the client side closes it
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	f := firehoseFor(t, srv)
	st, err := f.Open(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Close races the blocked Recv on purpose: a deliberate close must
	// always surface as ErrClosed, never as a transport failure.
	recvErr := make(chan error, 1)
	go func() {
		_, err := st.Recv()
		recvErr <- err
	}()
	go st.Close()

	select {
	case err := <-recvErr:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("recv did not return after close")
	}
}

func TestOpenRateLimitedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := firehoseFor(t, srv)
	if _, err := f.Open(context.Background(), []string{"x"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestSearchBackfill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("q"); got != "obama OR biden" {
			t.Errorf("q = %q", got)
		}
		_ = json.NewEncoder(w).Encode(searchResponse{Posts: []postFrame{
			{Post: Post{ID: "10", Text: "archived"}},
			{Post: Post{ID: "11", Text: "older"}},
		}})
	}))
	defer srv.Close()

	f := firehoseFor(t, srv)
	posts, err := f.Search(context.Background(), []string{"obama", "biden"}, 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(posts) != 2 || posts[0].ID != "10" {
		t.Fatalf("posts = %+v", posts)
	}
}
