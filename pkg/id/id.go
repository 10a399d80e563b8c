// Package id provides 128-bit, time-ordered identifiers used for
// stream connections and dead-letter records. An ID is 16 bytes
// big-endian, [8 bytes unix ms][8 bytes sequence], so byte-wise
// comparison preserves creation order.
package id

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"
)

// ID is a 128-bit time-ordered identifier.
type ID [16]byte

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, i[:])
	return b
}

// String returns the hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Time returns the embedded creation time, truncated to milliseconds.
func (i ID) Time() time.Time {
	ms := int64(binary.BigEndian.Uint64(i[0:8]))
	return time.UnixMilli(ms)
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, bool) {
	var out ID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// Generator produces strictly increasing IDs within a process. A clock
// regression pins the timestamp to the last observed millisecond.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
	seq    uint64

	// now is replaced in tests.
	now func() int64
}

// NewGenerator returns a Generator backed by the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: func() int64 { return time.Now().UnixMilli() }}
}

// Next returns the next ID.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	if ms == g.lastMs {
		g.seq++
	} else {
		g.lastMs = ms
		g.seq = 0
	}

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(g.lastMs))
	binary.BigEndian.PutUint64(out[8:16], g.seq)
	return out
}
