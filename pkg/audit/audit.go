/*
Package audit is a small append-only, BoltDB-backed log of worker
lifecycle events: spawned, crashed, reaped. It exists purely for
after-the-fact crash forensics — nothing in pool ever reads it back to
reconstruct in-flight state, so a missing or corrupt audit log never
affects dispatch.
*/
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Event is one worker lifecycle transition.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"` // "spawned", "crashed", "reaped"
	WorkerID int       `json:"worker_id"`
	Detail   string    `json:"detail,omitempty"`
}

// Log is an append-only event store. A zero-value *Log (returned by
// Open when path is empty) silently discards every Record call, so
// callers never need to nil-check before logging.
type Log struct {
	db  *bolt.DB
	seq uint64
}

// Open creates or opens the BoltDB file at path. An empty path returns
// a disabled Log rather than an error, since the audit trail is
// optional diagnostics, not a required dependency.
func Open(path string) (*Log, error) {
	if path == "" {
		return &Log{}, nil
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create bucket: %w", err)
	}

	return &Log{db: db}, nil
}

// Record appends an event. Errors are never fatal to the caller's own
// operation, so Record returns one only so tests can assert on it; the
// pool logs it via pkg/log and moves on.
func (l *Log) Record(kind string, workerID int, detail string) error {
	if l == nil || l.db == nil {
		return nil
	}

	evt := Event{Time: time.Now(), Kind: kind, WorkerID: workerID, Detail: detail}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		l.seq++
		key := []byte(fmt.Sprintf("%020d", l.seq))
		return b.Put(key, data)
	})
}

// All returns every recorded event in insertion order, for tests and
// offline inspection tooling.
func (l *Log) All() ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}

	var events []Event
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		return b.ForEach(func(_, v []byte) error {
			var evt Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			events = append(events, evt)
			return nil
		})
	})
	return events, err
}

// Close releases the underlying database, if one was opened.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
