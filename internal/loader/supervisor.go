package loader

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/edsu/docnow/internal/config"
	"github.com/edsu/docnow/internal/metrics"
	"github.com/edsu/docnow/internal/upstream"
)

// ConnState is the lifecycle state of one supervised connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// ConnStatus is a point-in-time view of a supervised connection.
type ConnStatus struct {
	ID          int       `json:"id"`
	State       string    `json:"state"`
	Terms       []string  `json:"terms,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	NextRetryAt time.Time `json:"nextRetryAt,omitempty"`
}

// errRefilter signals that the current session was closed on purpose
// because the filter terms changed.
var errRefilter = errors.New("refilter requested")

// Supervisor owns one upstream connection slot. It opens a session for
// the current terms, feeds received posts to onPost, and reconnects on
// failure with exponential backoff. Rate-limit rejections wait at
// least the policy minimum regardless of attempt count; there is no
// retry limit. Changing terms closes the session and reopens it
// immediately with the new filter.
type Supervisor struct {
	id     int
	client upstream.Client
	policy config.Backoff
	onPost func(connID int, p upstream.Post)
	log    *zap.Logger

	mu          sync.Mutex
	terms       []string
	gen         uint64
	cur         upstream.Stream
	state       ConnState
	attempt     int
	nextRetryAt time.Time
	kick        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a stopped supervisor for connection slot id.
func NewSupervisor(id int, client upstream.Client, policy config.Backoff, onPost func(int, upstream.Post), log *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		id:     id,
		client: client,
		policy: policy,
		onPost: onPost,
		log:    log.With(zap.Int("connection", id)),
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the supervision loop.
func (s *Supervisor) Start() {
	go s.run()
}

// SetTerms replaces the connection's filter. An open session is closed
// and reopened with the new terms; empty terms idle the connection.
func (s *Supervisor) SetTerms(terms []string) {
	s.mu.Lock()
	if equalTerms(s.terms, terms) {
		s.mu.Unlock()
		return
	}
	s.terms = append([]string(nil), terms...)
	s.gen++
	cur := s.cur
	s.mu.Unlock()

	if cur != nil {
		_ = cur.Close()
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Close tears the connection down and waits for the loop to exit.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.state = StateClosing
	cur := s.cur
	s.mu.Unlock()

	s.cancel()
	if cur != nil {
		_ = cur.Close()
	}
	<-s.done
}

// Status returns the current connection state.
func (s *Supervisor) Status() ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ConnStatus{
		ID:    s.id,
		State: s.state.String(),
		Terms: append([]string(nil), s.terms...),
	}
	if s.state == StateBackoff {
		st.Attempt = s.attempt
		st.NextRetryAt = s.nextRetryAt
	}
	return st
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.policy.Initial()
	bo.MaxInterval = s.policy.Max()
	bo.Multiplier = s.policy.Multiplier
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		terms, gen := s.snapshot()
		if s.ctx.Err() != nil {
			return
		}
		if len(terms) == 0 {
			s.setState(StateDisconnected)
			select {
			case <-s.ctx.Done():
				return
			case <-s.kick:
			}
			continue
		}

		s.setState(StateConnecting)
		stream, err := s.client.Open(s.ctx, terms)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if stale, _ := s.staleGen(gen); stale {
				continue
			}
			if !s.waitBackoff(bo, gen, err) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			// terms changed while dialing; this session filters on
			// stale terms
			s.mu.Unlock()
			_ = stream.Close()
			continue
		}
		s.cur = stream
		s.state = StateStreaming
		s.mu.Unlock()

		metrics.ActiveConnections.Inc()
		s.log.Info("streaming", zap.Strings("terms", terms))
		started := time.Now()
		readErr := s.read(stream)
		metrics.ActiveConnections.Dec()

		s.mu.Lock()
		s.cur = nil
		stale := s.gen != gen
		s.mu.Unlock()
		_ = stream.Close()

		if s.ctx.Err() != nil {
			return
		}
		if time.Since(started) >= s.policy.ResetAfter() {
			bo.Reset()
			s.mu.Lock()
			s.attempt = 0
			s.mu.Unlock()
		}
		if stale || errors.Is(readErr, errRefilter) {
			// reopen right away with the new filter
			continue
		}
		if !s.waitBackoff(bo, gen, readErr) {
			return
		}
	}
}

func (s *Supervisor) read(stream upstream.Stream) error {
	for {
		p, err := stream.Recv()
		if err != nil {
			if errors.Is(err, upstream.ErrClosed) {
				// closed locally: either shutdown or a re-filter
				if s.ctx.Err() != nil {
					return err
				}
				return errRefilter
			}
			return err
		}
		metrics.ItemsReceivedTotal.WithLabelValues(strconv.Itoa(s.id)).Inc()
		s.onPost(s.id, p)
	}
}

// waitBackoff sleeps out the next retry delay. A term change during the
// wait cuts it short; a leftover kick token from a change already
// applied (same gen) does not. Returns false when the supervisor is
// shutting down.
func (s *Supervisor) waitBackoff(bo *backoff.ExponentialBackOff, gen uint64, cause error) bool {
	delay := bo.NextBackOff()
	label := "transport"
	if errors.Is(cause, upstream.ErrRateLimited) {
		label = "rate_limited"
		if min := s.policy.RateLimitMin(); delay < min {
			delay = min
		}
	}
	metrics.ReconnectsTotal.WithLabelValues(label).Inc()

	s.mu.Lock()
	s.state = StateBackoff
	s.attempt++
	s.nextRetryAt = time.Now().Add(delay)
	attempt := s.attempt
	s.mu.Unlock()

	s.log.Warn("connection lost, backing off",
		zap.Error(cause),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-s.kick:
			if stale, _ := s.staleGen(gen); stale {
				// terms changed during backoff; retry now with the new
				// filter
				return true
			}
		case <-timer.C:
			return true
		}
	}
}

func (s *Supervisor) snapshot() ([]string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terms...), s.gen
}

func (s *Supervisor) staleGen(gen uint64) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen, s.gen
}

func (s *Supervisor) setState(st ConnState) {
	s.mu.Lock()
	if s.state != StateClosing || st == StateDisconnected {
		s.state = st
	}
	s.mu.Unlock()
}

func equalTerms(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
