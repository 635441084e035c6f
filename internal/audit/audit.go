// Package audit — audit.go
//
// BoltDB-backed persistent audit ledger for agentkerneld.
//
// Schema (BoltDB bucket layout):
//
//	/ledger
//	    key:   fixed-width RFC3339 timestamp (9-digit nanoseconds) + "_" + agent_id  [monotonic, sortable]
//	    value: JSON-encoded Entry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionDays are pruned when the daemon
//     starts; there is no periodic pruning while it runs.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The daemon logs a fatal event and refuses to start.
//     Recovery: restore from backup at /var/lib/agentkernel/audit.db.bak.
//   - Disk full: bbolt.Update() returns an error. The daemon logs the
//     error and continues without persisting (in-memory state preserved).
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/agentkernel/audit.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	// bucketLedger is the BoltDB bucket name for audit ledger entries.
	bucketLedger = "ledger"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"
)

// Kind is the closed taxonomy of events the ledger records.
type Kind string

const (
	// KindAgentKilled records a scheduler/fault/syscall-driven agent
	// teardown (exception kill, quota kill, operator kill).
	KindAgentKilled Kind = "agent_killed"

	// KindQuotaExceeded records an Allocate() rejection.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindHealingAttempted records an AttemptHealing() outcome.
	KindHealingAttempted Kind = "healing_attempted"

	// KindCircuitTripped records a circuit breaker Closed/HalfOpen -> Open
	// transition.
	KindCircuitTripped Kind = "circuit_tripped"

	// KindFaultRaised records a kernel exception dispatched to
	// internal/fault.
	KindFaultRaised Kind = "fault_raised"
)

// Entry is a single audit log record. Stored as JSON in the ledger
// bucket.
type Entry struct {
	// Timestamp is the event time (nanosecond precision).
	Timestamp time.Time `json:"timestamp"`

	// AgentID is the agent the event concerns. Zero for node-wide
	// events (e.g. a circuit breaker trip with no single owning agent).
	AgentID uint64 `json:"agent_id"`

	// Kind is the closed event taxonomy above.
	Kind Kind `json:"kind"`

	// Detail is a short human-readable description (e.g. exception
	// name, resource name, component name).
	Detail string `json:"detail"`

	// Severity is an optional 0.0-1.0 score, populated for healing and
	// fault events; zero otherwise.
	Severity float64 `json:"severity"`

	// NodeID is the agentkernel node that recorded this entry.
	NodeID string `json:"node_id"`
}

// DB wraps a BoltDB instance with typed accessors for the audit
// ledger.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	// Initialise buckets and schema version in a single write transaction.
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		// Write schema version if not present.
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	// Verify schema version compatibility.
	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, daemon requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ledgerKey constructs a sortable BoltDB key for a ledger entry.
// Format: RFC3339 with a fixed 9-digit nanosecond field + "_" + agent_id
// (zero-padded to 20 digits). Lexicographic sort = chronological sort.
func ledgerKey(t time.Time, agentID uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), agentID))
}

// Append writes a new audit ledger entry. Uses a single ACID write
// transaction.
func (d *DB) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("Append marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, entry.AgentID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("Append bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOld deletes ledger entries older than retentionDays. Called once
// on daemon startup. Returns the number of entries deleted.
func (d *DB) PruneOld() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		// Collect keys to delete (cannot delete during iteration in bbolt).
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break // All remaining keys are newer than cutoff.
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOld delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadAll returns all ledger entries in chronological order. For
// operational inspection. Not called on the hot path.
func (d *DB) ReadAll() ([]Entry, error) {
	var entries []Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
