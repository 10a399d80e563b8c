package upstream

import (
	"context"
	"sync"
)

// Event is one step of a scripted stream: a post or a failure.
type Event struct {
	Post Post
	Err  error
}

// OpenResult scripts one Open call: either a connect error or a stream
// that replays Events and then blocks until closed.
type OpenResult struct {
	Err    error
	Events []Event
}

// Scripted is a Client test double. Each Open consumes the next queued
// OpenResult; when the queue is empty it returns an endless silent
// stream. The terms of every Open call are recorded for assertions.
type Scripted struct {
	mu    sync.Mutex
	queue []OpenResult
	opens [][]string
}

// NewScripted returns a Scripted double for the given open results.
func NewScripted(results ...OpenResult) *Scripted {
	return &Scripted{queue: results}
}

// Push appends another scripted open result.
func (s *Scripted) Push(r OpenResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, r)
}

// Opens returns the terms of every Open call so far.
func (s *Scripted) Opens() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.opens))
	for i, terms := range s.opens {
		out[i] = append([]string(nil), terms...)
	}
	return out
}

// OpenCount returns how many times Open was called.
func (s *Scripted) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opens)
}

// Open implements Client.
func (s *Scripted) Open(ctx context.Context, terms []string) (Stream, error) {
	s.mu.Lock()
	s.opens = append(s.opens, append([]string(nil), terms...))
	var r OpenResult
	if len(s.queue) > 0 {
		r = s.queue[0]
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	return newScriptStream(r.Events), nil
}

type scriptStream struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func newScriptStream(events []Event) *scriptStream {
	st := &scriptStream{
		events: make(chan Event, len(events)),
		done:   make(chan struct{}),
	}
	for _, ev := range events {
		st.events <- ev
	}
	return st
}

// Recv replays the script, then blocks until Close.
func (st *scriptStream) Recv() (Post, error) {
	select {
	case <-st.done:
		return Post{}, ErrClosed
	default:
	}
	select {
	case ev := <-st.events:
		if ev.Err != nil {
			return Post{}, ev.Err
		}
		return ev.Post, nil
	case <-st.done:
		return Post{}, ErrClosed
	}
}

func (st *scriptStream) Close() error {
	st.once.Do(func() { close(st.done) })
	return nil
}
