package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"sensor-emulator/internal/events"
)

var (
	bucketEvents       = []byte("events")
	bucketEventsByTime = []byte("events_by_ts")
	bucketSubscription = []byte("subscription")
	keyCallbackURL     = []byte("callback_url")
)

var (
	ErrOpenFailed   = errors.New("store open failed")
	ErrInsertFailed = errors.New("insert operation failed")
	ErrSelectFailed = errors.New("select operation failed")
	ErrUpdateFailed = errors.New("update operation failed")
)

// Store is the append-only event log of a single device. Every operation
// runs under one mutex, so inserts and queries of a device are totally
// ordered.
type Store struct {
	path string
	db   *bolt.DB
	mu   sync.Mutex

	// beforeCommit runs as the last step of an insert transaction.
	beforeCommit func() error
}

type record struct {
	ID    int64   `json:"id"`
	TS    int64   `json:"ts"`
	Raw   string  `json:"raw"`
	Kind  string  `json:"kind"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Str   string  `json:"str,omitempty"`
}

func Open(path string) (*Store, error) {
	const fn = "Store:Open"
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%s:%w: path is required", fn, ErrOpenFailed)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrOpenFailed, err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrOpenFailed, err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrOpenFailed, err)
	}
	return &Store{path: path, db: db}, nil
}

func initSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketEventsByTime, bucketSubscription} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withLock holds the device lock for the lifetime of one bbolt transaction.
// A writable transaction is committed when fn returns nil and rolled back
// otherwise; the lock is released on every path, panics included.
// A canceled ctx fails the call before any transaction is opened.
func (s *Store) withLock(ctx context.Context, writable bool, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if writable {
		return s.db.Update(fn)
	}
	return s.db.View(fn)
}

// Insert appends an event and returns it with its assigned id. The record,
// the time index entry and the counter are committed together; a failed
// insert consumes no id.
func (s *Store) Insert(ctx context.Context, ts int64, raw string, v events.Value) (events.Event, error) {
	const fn = "Store:Insert"
	var ev events.Event
	err := s.withLock(ctx, true, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		idx := tx.Bucket(bucketEventsByTime)
		if b == nil || idx == nil {
			return errors.New("events bucket missing")
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev = events.Event{ID: int64(seq), Timestamp: ts, Raw: raw, Value: v}
		data, err := json.Marshal(toRecord(ev))
		if err != nil {
			return err
		}
		if err := b.Put(idKey(ev.ID), data); err != nil {
			return err
		}
		if err := idx.Put(timeKey(ts, ev.ID), []byte{}); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			return s.beforeCommit()
		}
		return nil
	})
	if err != nil {
		return events.Event{}, fmt.Errorf("%s:%w:%w", fn, ErrInsertFailed, err)
	}
	return ev, nil
}

// NextID draws an id from the event counter without storing a record.
// Push devices number their deliveries this way.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	const fn = "Store:NextID"
	var id int64
	err := s.withLock(ctx, true, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return errors.New("events bucket missing")
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	return id, nil
}

// Query returns every event with Timestamp >= bound, ascending by
// timestamp and then by id.
func (s *Store) Query(ctx context.Context, bound int64) ([]events.Event, error) {
	const fn = "Store:Query"
	out := make([]events.Event, 0)
	err := s.withLock(ctx, false, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		idx := tx.Bucket(bucketEventsByTime)
		if b == nil || idx == nil {
			return errors.New("events bucket missing")
		}
		c := idx.Cursor()
		for k, _ := c.Seek(timeKey(bound, 0)); k != nil; k, _ = c.Next() {
			raw := b.Get(k[8:16])
			if raw == nil {
				return fmt.Errorf("event %d missing", binary.BigEndian.Uint64(k[8:16]))
			}
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			ev, err := rec.event()
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return out, nil
}

// Subscription returns the persisted webhook callback, if any.
func (s *Store) Subscription(ctx context.Context) (string, bool, error) {
	const fn = "Store:Subscription"
	var (
		url string
		ok  bool
	)
	err := s.withLock(ctx, false, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscription)
		if b == nil {
			return nil
		}
		if v := b.Get(keyCallbackURL); len(v) > 0 {
			url, ok = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return url, ok, nil
}

// SetSubscription replaces the webhook callback.
func (s *Store) SetSubscription(ctx context.Context, url string) error {
	const fn = "Store:SetSubscription"
	err := s.withLock(ctx, true, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscription)
		if b == nil {
			return errors.New("subscription bucket missing")
		}
		return b.Put(keyCallbackURL, []byte(url))
	})
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	return nil
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

// timeKey orders signed timestamps correctly under byte comparison by
// flipping the sign bit.
func timeKey(ts, id int64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(ts)^(1<<63))
	binary.BigEndian.PutUint64(k[8:], uint64(id))
	return k
}

func toRecord(ev events.Event) record {
	return record{
		ID:    ev.ID,
		TS:    ev.Timestamp,
		Raw:   ev.Raw,
		Kind:  ev.Value.Kind.String(),
		Int:   ev.Value.Int,
		Float: ev.Value.Float,
		Str:   ev.Value.Str,
	}
}

func (r record) event() (events.Event, error) {
	kind, err := events.ParseKind(r.Kind)
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{
		ID:        r.ID,
		Timestamp: r.TS,
		Raw:       r.Raw,
		Value:     events.Value{Kind: kind, Int: r.Int, Float: r.Float, Str: r.Str},
	}, nil
}
