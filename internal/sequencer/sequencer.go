// Package sequencer turns per-creator vector clocks into a total order on
// delivered batches.
//
// The clock is process-global: one counter per NodeID, bumped when this
// node originates a batch and, on the creator's entry, each time it first
// receives a new batch from another node. Counters for node ids never seen before are created on first
// touch, and a missing entry compares as zero — batches legitimately carry
// ids the local node has not met yet.
//
// The delivered log keeps `(vc values tuple, batch key)` pairs in
// lexicographic order of the value tuple, batch key breaking ties. Two
// correct nodes that deliver the same set of batches therefore hold
// identical logs, which Hash() lets them compare cheaply.

package sequencer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/quorumcast/quorumcast/internal/message"
)

// VectorClock is the node's per-creator counter map. Entry order is the
// order in which ids were first touched, and snapshots preserve it so a
// batch's vector_clock field is stable for a given creator.
type VectorClock struct {
	mu       sync.Mutex
	counters map[string]uint64
	order    []string
}

// NewVectorClock creates an empty clock.
func NewVectorClock() *VectorClock {
	return &VectorClock{counters: make(map[string]uint64)}
}

// Increment bumps the counter for a node id, inserting it at the end of
// the entry order on first touch.
func (vc *VectorClock) Increment(nodeID string) uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if _, ok := vc.counters[nodeID]; !ok {
		vc.order = append(vc.order, nodeID)
	}
	vc.counters[nodeID]++
	return vc.counters[nodeID]
}

// Get returns the counter for a node id; zero if never touched.
func (vc *VectorClock) Get(nodeID string) uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.counters[nodeID]
}

// Snapshot returns the clock's entries in first-touch order, the form a
// batch carries on the wire.
func (vc *VectorClock) Snapshot() []message.VCEntry {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	out := make([]message.VCEntry, len(vc.order))
	for i, id := range vc.order {
		out[i] = message.VCEntry{NodeID: id, Counter: vc.counters[id]}
	}
	return out
}

// Entry is one delivered batch in the total order.
type Entry struct {
	// Values is the vector-clock value tuple in the order the entries had
	// inside the batch.
	Values []uint64

	// BatchKey identifies the batch and breaks ordering ties.
	BatchKey string

	// Latency is the originating/relaying wait this node measured for the
	// batch, in seconds.
	Latency float64

	// DeliveredAt is the local delivery time.
	DeliveredAt time.Time
}

// DeliveredLog is the ordered, exactly-once record of delivered batches.
type DeliveredLog struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[string]bool
}

// NewDeliveredLog creates an empty log.
func NewDeliveredLog() *DeliveredLog {
	return &DeliveredLog{seen: make(map[string]bool)}
}

// Insert places an entry at its ordered position. Returns false if the
// batch key was already delivered — duplicates are impossible by
// construction, so a false return indicates a caller bug upstream.
func (l *DeliveredLog) Insert(e Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen[e.BatchKey] {
		return false
	}
	l.seen[e.BatchKey] = true

	i := sort.Search(len(l.entries), func(i int) bool {
		return lessEntry(e, l.entries[i])
	})
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	return true
}

// Contains reports whether a batch key has been delivered.
func (l *DeliveredLog) Contains(batchKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[batchKey]
}

// Len returns the number of delivered batches.
func (l *DeliveredLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of the ordered entries.
func (l *DeliveredLog) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Hash returns the hex sha256 over the ordered (values, batch key) pairs.
// Nodes exchange this to check that their delivered orders agree.
func (l *DeliveredLog) Hash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := sha256.New()
	for _, e := range l.entries {
		for _, v := range e.Values {
			h.Write([]byte(strconv.FormatUint(v, 10)))
			h.Write([]byte(","))
		}
		h.Write([]byte(e.BatchKey))
		h.Write([]byte(";"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// lessEntry orders entries lexicographically on the value tuple with the
// batch key as tiebreak. Missing positions compare as zero.
func lessEntry(a, b Entry) bool {
	switch compareValues(a.Values, b.Values) {
	case -1:
		return true
	case 1:
		return false
	}
	return a.BatchKey < b.BatchKey
}

// compareValues compares two value tuples treating missing entries as
// zero. Returns -1, 0, or 1.
func compareValues(a, b []uint64) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv uint64
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

// ValuesFromBatch extracts the value tuple from a batch's vector clock,
// preserving the order the entries had in the batch.
func ValuesFromBatch(clock []message.VCEntry) []uint64 {
	out := make([]uint64, len(clock))
	for i, e := range clock {
		out[i] = e.Counter
	}
	return out
}

// String renders an entry for logs.
func (e Entry) String() string {
	return fmt.Sprintf("%v/%s", e.Values, e.BatchKey)
}
