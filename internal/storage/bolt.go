// Package storage — bolt.go
//
// Optional bbolt-backed delivery ledger.
//
// The broadcast state machine is in-memory for the lifetime of a run; the
// ledger only mirrors delivered batches so an operator can inspect or
// compare delivery orders after the process exits. It is disabled by
// default (storage.ledger_enabled).
//
// Schema (bbolt bucket layout):
//
//	/deliveries
//	    key:   fixed-width RFC3339 UTC delivery timestamp (nanoseconds)
//	           + "_" + batch key  [sortable]
//	    value: JSON-encoded DeliveryRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Failure modes:
//   - File corruption: bbolt detects it and returns an error on Open();
//     the node logs a fatal event and refuses to start with the ledger on.
//   - Disk full: Update() returns an error; the delivery proceeds
//     in-memory and the append failure is logged.

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quorumcast/quorumcast/internal/sequencer"
)

const (
	// SchemaVersion is the current ledger schema version.
	SchemaVersion = "1"

	// bucketDeliveries holds DeliveryRecord entries.
	bucketDeliveries = "deliveries"

	// bucketMeta holds schema metadata.
	bucketMeta = "meta"
)

// DeliveryRecord is the persisted form of one delivered batch.
type DeliveryRecord struct {
	// BatchKey identifies the batch.
	BatchKey string `json:"batch_key"`

	// VectorClockValues is the value tuple the sequencer ordered on.
	VectorClockValues []uint64 `json:"vector_clock_values"`

	// LatencySeconds is the echo+ready wait this node measured.
	LatencySeconds float64 `json:"latency_seconds"`

	// DeliveredAt is the local delivery time.
	DeliveredAt time.Time `json:"delivered_at"`
}

// Ledger wraps a bbolt instance with typed accessors for delivery records.
type Ledger struct {
	db *bolt.DB
}

// Open opens (or creates) the ledger at the given path and initialises
// the buckets and schema version.
func Open(path string) (*Ledger, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDeliveries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"ledger schema version mismatch: database has %q, node requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// deliveryKey constructs a sortable key: timestamp then batch key.
// Lexicographic sort = chronological sort.
func deliveryKey(t time.Time, batchKey string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), batchKey))
}

// AppendDelivery writes one delivered batch. Implements
// broadcast.DeliveryLedger.
func (l *Ledger) AppendDelivery(e sequencer.Entry) error {
	rec := DeliveryRecord{
		BatchKey:          e.BatchKey,
		VectorClockValues: e.Values,
		LatencySeconds:    e.Latency,
		DeliveredAt:       e.DeliveredAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendDelivery marshal: %w", err)
	}
	key := deliveryKey(rec.DeliveredAt, rec.BatchKey)

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDeliveries))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendDelivery bolt.Put: %w", err)
		}
		return nil
	})
}

// ReadDeliveries returns all delivery records in chronological order.
// For operational use (offline inspection). Not called on the hot path.
func (l *Ledger) ReadDeliveries() ([]DeliveryRecord, error) {
	var records []DeliveryRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDeliveries))
		return b.ForEach(func(_, v []byte) error {
			var rec DeliveryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}
