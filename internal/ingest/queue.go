// Package ingest implements the durable hand-off between upstream
// reads and storage: a pebble-backed queue with leases and dead
// letters, a restart-safe deduplicator, and the persister that drains
// the queue into the post store.
package ingest

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/edsu/docnow/internal/metrics"
	pebblestore "github.com/edsu/docnow/internal/storage/pebble"
	"github.com/edsu/docnow/pkg/id"
)

// QueueOptions tunes saturation behavior.
type QueueOptions struct {
	// MaxReady is the saturation threshold. Enqueue blocks while the
	// ready backlog is at or above it (0 disables).
	MaxReady int
	// ThrottleSleep is the poll interval while blocked.
	ThrottleSleep time.Duration
}

// Queue is a durable FIFO between stream connections and the
// persister. Items survive restarts; consumers take leases and must
// Complete or Fail each item.
type Queue struct {
	db   *pebblestore.DB
	opts QueueOptions

	mu      sync.Mutex
	lastSeq uint64

	notifyMu sync.Mutex
	notifyCh chan struct{}

	ids *id.Generator
	now func() int64

	sweepStop chan struct{}
}

// OpenQueue opens the queue, restoring the last sequence from metadata.
func OpenQueue(db *pebblestore.DB, opts QueueOptions) (*Queue, error) {
	if opts.ThrottleSleep <= 0 {
		opts.ThrottleSleep = 10 * time.Millisecond
	}
	q := &Queue{
		db:       db,
		opts:     opts,
		notifyCh: make(chan struct{}),
		ids:      id.NewGenerator(),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
	if meta, err := db.Get(metaKey); err == nil && len(meta) >= 8 {
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	metrics.QueueDepth.Set(float64(q.readyCount()))
	return q, nil
}

// Enqueue appends an item. While the ready backlog is saturated it
// blocks, pausing the calling read loop, rather than dropping; ctx
// cancellation releases the caller.
func (q *Queue) Enqueue(ctx context.Context, it Item) (uint64, error) {
	if q.opts.MaxReady > 0 {
		for q.readyCount() >= q.opts.MaxReady {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(q.opts.ThrottleSleep):
			}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	val, err := encodeItem(it)
	if err != nil {
		return 0, err
	}

	b := q.db.NewBatch()
	defer b.Close()

	q.lastSeq++
	seq := q.lastSeq
	if err := b.Set(msgKey(seq), val, nil); err != nil {
		return 0, err
	}
	var attempts [4]byte
	if err := b.Set(readyKey(seq), attempts[:], nil); err != nil {
		return 0, err
	}
	if err := q.writeMeta(b, q.readyCount()+1); err != nil {
		return 0, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	q.notify()
	return seq, nil
}

// Leased is one dequeued item under a lease.
type Leased struct {
	Seq       uint64
	Item      Item
	Attempts  uint32
	ExpiresMs int64
}

// DequeueBatch leases up to max items in enqueue order. Due retries are
// promoted back into the ready index first.
func (q *Queue) DequeueBatch(ctx context.Context, max int, lease time.Duration) ([]Leased, error) {
	if max <= 0 {
		max = 1
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	nowMs := q.now()
	if err := q.promoteDue(ctx, nowMs, max*4); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	lo, hi := prefixBounds(prefixReady)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()

	expiry := nowMs + lease.Milliseconds()
	out := make([]Leased, 0, max)
	for ok := iter.First(); ok && len(out) < max; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefixReady)+8 {
			continue
		}
		seq := binary.BigEndian.Uint64(k[len(k)-8:])
		attempts := uint32(0)
		if v := iter.Value(); len(v) >= 4 {
			attempts = binary.BigEndian.Uint32(v[:4])
		}

		val, err := q.db.Get(msgKey(seq))
		if err != nil {
			// orphaned index entry
			_ = b.Delete(k, nil)
			continue
		}
		it, okDec := decodeItem(val)
		if !okDec {
			_ = b.Delete(k, nil)
			continue
		}

		var lv [12]byte
		binary.BigEndian.PutUint64(lv[0:8], uint64(expiry))
		binary.BigEndian.PutUint32(lv[8:12], attempts)
		if err := b.Set(leaseKey(seq), lv[:], nil); err != nil {
			return nil, err
		}
		if err := b.Set(leaseIdxKey(expiry, seq), nil, nil); err != nil {
			return nil, err
		}
		if err := b.Delete(k, nil); err != nil {
			return nil, err
		}
		out = append(out, Leased{Seq: seq, Item: it, Attempts: attempts, ExpiresMs: expiry})
	}

	if len(out) > 0 {
		ready := q.readyCount() - len(out)
		if ready < 0 {
			ready = 0
		}
		if err := q.writeMeta(b, ready); err != nil {
			return nil, err
		}
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Complete releases leased items and deletes their payloads.
func (q *Queue) Complete(ctx context.Context, seqs ...uint64) error {
	b := q.db.NewBatch()
	defer b.Close()
	for _, seq := range seqs {
		exp, _ := q.leaseState(seq)
		if err := b.Delete(leaseKey(seq), nil); err != nil {
			return err
		}
		if exp > 0 {
			if err := b.Delete(leaseIdxKey(exp, seq), nil); err != nil {
				return err
			}
		}
		if err := b.Delete(msgKey(seq), nil); err != nil {
			return err
		}
	}
	return q.db.CommitBatch(ctx, b)
}

// Fail records a failed attempt. With toDLQ false the item is
// re-scheduled after retryAfter; with toDLQ true it moves to the
// dead-letter keyspace and stops circulating.
func (q *Queue) Fail(ctx context.Context, seq uint64, retryAfter time.Duration, toDLQ bool) error {
	nowMs := q.now()
	exp, attempts := q.leaseState(seq)
	attempts++

	b := q.db.NewBatch()
	defer b.Close()

	if err := b.Delete(leaseKey(seq), nil); err != nil {
		return err
	}
	if exp > 0 {
		if err := b.Delete(leaseIdxKey(exp, seq), nil); err != nil {
			return err
		}
	}

	if toDLQ {
		if val, err := q.db.Get(msgKey(seq)); err == nil {
			if err := b.Set(dlqKey(q.ids.Next().Bytes()), val, nil); err != nil {
				return err
			}
		}
		if err := b.Delete(msgKey(seq), nil); err != nil {
			return err
		}
		metrics.DeadLettersTotal.Inc()
	} else {
		var av [4]byte
		binary.BigEndian.PutUint32(av[:], attempts)
		fire := nowMs + retryAfter.Milliseconds()
		if err := b.Set(delayKey(fire, seq), av[:], nil); err != nil {
			return err
		}
	}
	return q.db.CommitBatch(ctx, b)
}

// promoteDue moves due retries into the ready index.
func (q *Queue) promoteDue(ctx context.Context, nowMs int64, max int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lo, hi := prefixBounds(prefixDelay)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()

	promoted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefixDelay)+16 {
			continue
		}
		fire := int64(binary.BigEndian.Uint64(k[len(prefixDelay) : len(prefixDelay)+8]))
		if fire > nowMs {
			break
		}
		seq := binary.BigEndian.Uint64(k[len(k)-8:])
		attempts := append([]byte(nil), iter.Value()...)
		if len(attempts) < 4 {
			attempts = make([]byte, 4)
		}
		if err := b.Delete(k, nil); err != nil {
			return err
		}
		if err := b.Set(readyKey(seq), attempts, nil); err != nil {
			return err
		}
		promoted++
		if max > 0 && promoted >= max {
			break
		}
	}
	if promoted == 0 {
		return nil
	}
	if err := q.writeMeta(b, q.readyCount()+promoted); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	q.notify()
	return nil
}

// ReclaimExpired returns expired leases to the ready index so another
// worker can pick them up.
func (q *Queue) ReclaimExpired(ctx context.Context, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	nowMs := q.now()
	lo, hi := prefixBounds(prefixLeaseIdx)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()

	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefixLeaseIdx)+16 {
			continue
		}
		exp := int64(binary.BigEndian.Uint64(k[len(prefixLeaseIdx) : len(prefixLeaseIdx)+8]))
		if exp > nowMs {
			break
		}
		seq := binary.BigEndian.Uint64(k[len(k)-8:])

		attempts := uint32(0)
		if lv, err := q.db.Get(leaseKey(seq)); err == nil && len(lv) >= 12 {
			attempts = binary.BigEndian.Uint32(lv[8:12])
		}
		var av [4]byte
		binary.BigEndian.PutUint32(av[:], attempts)

		if err := b.Delete(k, nil); err != nil {
			return reclaimed, err
		}
		if err := b.Delete(leaseKey(seq), nil); err != nil {
			return reclaimed, err
		}
		if err := b.Set(readyKey(seq), av[:], nil); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	if reclaimed == 0 {
		return 0, nil
	}
	if err := q.writeMeta(b, q.readyCount()+reclaimed); err != nil {
		return reclaimed, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return reclaimed, err
	}
	q.notify()
	return reclaimed, nil
}

// PurgeSearch removes searchID from every ready item, deleting items
// that matched no other search. Used by the drop-on-deactivate policy;
// leased items are left to finish.
func (q *Queue) PurgeSearch(ctx context.Context, searchID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lo, hi := prefixBounds(prefixReady)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()

	dropped := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key()[len(iter.Key())-8:])
		val, err := q.db.Get(msgKey(seq))
		if err != nil {
			continue
		}
		it, okDec := decodeItem(val)
		if !okDec {
			continue
		}
		kept := it.SearchIDs[:0]
		for _, sid := range it.SearchIDs {
			if sid != searchID {
				kept = append(kept, sid)
			}
		}
		if len(kept) == len(it.SearchIDs) {
			continue
		}
		if len(kept) == 0 {
			if err := b.Delete(iter.Key(), nil); err != nil {
				return dropped, err
			}
			if err := b.Delete(msgKey(seq), nil); err != nil {
				return dropped, err
			}
			dropped++
			continue
		}
		it.SearchIDs = kept
		enc, err := encodeItem(it)
		if err != nil {
			return dropped, err
		}
		if err := b.Set(msgKey(seq), enc, nil); err != nil {
			return dropped, err
		}
	}

	if err := q.writeMeta(b, q.readyCount()-dropped); err != nil {
		return dropped, err
	}
	return dropped, q.db.CommitBatch(ctx, b)
}

// Depth returns the ready backlog size.
func (q *Queue) Depth() int { return q.readyCount() }

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Ready        int `json:"ready"`
	Leased       int `json:"leased"`
	Delayed      int `json:"delayed"`
	DeadLettered int `json:"dead_lettered"`
}

// StatsSnapshot scans the index keyspaces and returns current counts.
func (q *Queue) StatsSnapshot() (Stats, error) {
	st := Stats{Ready: q.readyCount()}
	counts := []struct {
		prefix string
		out    *int
	}{
		{prefixLease, &st.Leased},
		{prefixDelay, &st.Delayed},
		{prefixDLQ, &st.DeadLettered},
	}
	for _, c := range counts {
		lo, hi := prefixBounds(c.prefix)
		iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return st, err
		}
		for ok := iter.First(); ok; ok = iter.Next() {
			*c.out++
		}
		if err := iter.Close(); err != nil {
			return st, err
		}
	}
	return st, nil
}

// WaitForEnqueue blocks until an item becomes ready or timeout elapses.
func (q *Queue) WaitForEnqueue(timeout time.Duration) bool {
	q.notifyMu.Lock()
	ch := q.notifyCh
	q.notifyMu.Unlock()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StartSweeper reclaims expired leases in the background.
func (q *Queue) StartSweeper(interval time.Duration) {
	if q.sweepStop != nil {
		return
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	q.sweepStop = make(chan struct{})
	stop := q.sweepStop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = q.ReclaimExpired(context.Background(), 1024)
			}
		}
	}()
}

// StopSweeper stops the background sweeper.
func (q *Queue) StopSweeper() {
	if q.sweepStop != nil {
		close(q.sweepStop)
		q.sweepStop = nil
	}
}

func (q *Queue) notify() {
	q.notifyMu.Lock()
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
	q.notifyMu.Unlock()
}

func (q *Queue) readyCount() int {
	meta, err := q.db.Get(metaKey)
	if err != nil || len(meta) < 12 {
		return 0
	}
	return int(binary.BigEndian.Uint32(meta[8:12]))
}

func (q *Queue) leaseState(seq uint64) (expiresMs int64, attempts uint32) {
	lv, err := q.db.Get(leaseKey(seq))
	if err != nil || len(lv) < 12 {
		return 0, 0
	}
	return int64(binary.BigEndian.Uint64(lv[0:8])), binary.BigEndian.Uint32(lv[8:12])
}

func (q *Queue) writeMeta(b *pebble.Batch, ready int) error {
	if ready < 0 {
		ready = 0
	}
	var meta [12]byte
	binary.BigEndian.PutUint64(meta[0:8], q.lastSeq)
	binary.BigEndian.PutUint32(meta[8:12], uint32(ready))
	if err := b.Set(metaKey, meta[:], nil); err != nil {
		return err
	}
	metrics.QueueDepth.Set(float64(ready))
	return nil
}
