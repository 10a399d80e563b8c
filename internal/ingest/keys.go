package ingest

import (
	"encoding/binary"
	"fmt"
)

// Key layout, all under a single pebble keyspace:
//
//	q/msg/{seq}            encoded queue item
//	q/ready/{seq}          FIFO ready index
//	q/delay/{fire_ms}{seq} retry schedule
//	q/lease/{seq}          expiry_ms(8) | attempts(4)
//	q/lease_idx/{exp}{seq} lease expiry index
//	q/dlq/{id}             dead-letter record
//	q/meta                 last_seq(8) | ready_count(4)
//	dedup/{search}/{post}  committed (search, post) pairs
//	post/{search}/{post}   committed post payload
//	mark/{search}          commit watermark: last_ms(8) | count(8)

const (
	prefixMsg      = "q/msg/"
	prefixReady    = "q/ready/"
	prefixDelay    = "q/delay/"
	prefixLease    = "q/lease/"
	prefixLeaseIdx = "q/lease_idx/"
	prefixDLQ      = "q/dlq/"
	prefixDedup    = "dedup/"
	prefixPost     = "post/"
	prefixMark     = "mark/"
)

var metaKey = []byte("q/meta")

func seqKey(prefix string, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func msgKey(seq uint64) []byte   { return seqKey(prefixMsg, seq) }
func readyKey(seq uint64) []byte { return seqKey(prefixReady, seq) }
func leaseKey(seq uint64) []byte { return seqKey(prefixLease, seq) }

func delayKey(fireMs int64, seq uint64) []byte {
	key := make([]byte, len(prefixDelay)+16)
	copy(key, prefixDelay)
	binary.BigEndian.PutUint64(key[len(prefixDelay):], uint64(fireMs))
	binary.BigEndian.PutUint64(key[len(prefixDelay)+8:], seq)
	return key
}

func leaseIdxKey(expiresMs int64, seq uint64) []byte {
	key := make([]byte, len(prefixLeaseIdx)+16)
	copy(key, prefixLeaseIdx)
	binary.BigEndian.PutUint64(key[len(prefixLeaseIdx):], uint64(expiresMs))
	binary.BigEndian.PutUint64(key[len(prefixLeaseIdx)+8:], seq)
	return key
}

func dlqKey(id []byte) []byte {
	key := make([]byte, len(prefixDLQ)+len(id))
	copy(key, prefixDLQ)
	copy(key[len(prefixDLQ):], id)
	return key
}

func dedupKey(searchID, postID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixDedup, searchID, postID))
}

func postKey(searchID, postID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixPost, searchID, postID))
}

func markKey(searchID string) []byte {
	return []byte(prefixMark + searchID)
}

// prefixBounds returns [prefix, prefix+0xFF) scan bounds.
func prefixBounds(prefix string) ([]byte, []byte) {
	lo := []byte(prefix)
	hi := make([]byte, len(prefix)+1)
	copy(hi, prefix)
	hi[len(prefix)] = 0xFF
	return lo, hi
}
