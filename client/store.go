package client

import (
	"encoding/binary"
	"encoding/json"
	"log"
	"time"

	bolt "go.etcd.io/bbolt"

	"collab-backend/internal/model"
	"collab-backend/internal/protocol"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketPending   = []byte("pending")
)

// localSnapshot is the shadow state persisted per room so a process restart
// does not lose unsent work.
type localSnapshot struct {
	Elements []model.WhiteboardElement `json:"elements"`
	Document model.DocumentState       `json:"document"`
}

// OfflineStore is the durable local buffer backing offline mode: the last
// known room snapshots plus the FIFO queue of mutations waiting for replay.
type OfflineStore struct {
	db *bolt.DB
}

// OpenOfflineStore opens (or creates) the buffer file.
func OpenOfflineStore(path string) (*OfflineStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &OfflineStore{db: db}, nil
}

// SaveSnapshot persists the shadow state of one room.
func (s *OfflineStore) SaveSnapshot(roomID string, snap localSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(roomID), data)
	})
}

// LoadSnapshot restores the shadow state of one room, if present.
func (s *OfflineStore) LoadSnapshot(roomID string) (localSnapshot, bool, error) {
	var snap localSnapshot
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(roomID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	return snap, found, err
}

// AppendPending appends a queued mutation. Keys are a monotonically
// increasing sequence so iteration order is arrival order.
func (s *OfflineStore) AppendPending(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// PendingCount returns the number of queued mutations.
func (s *OfflineStore) PendingCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n, err
}

// DrainPending replays every queued mutation in FIFO order, exactly once,
// then discards the queue. A failing action is logged and skipped so one bad
// entry does not block the rest.
//
// The queue is consumed in two phases: entries are collected and deleted
// inside one write transaction, then replayed with no store lock held. The
// replay callback ends up sending on the wire, and inbound events persist
// snapshots to this same file, so running it inside the transaction would
// hold the write lock against the read loop.
func (s *OfflineStore) DrainPending(replay func(env protocol.Envelope) error) error {
	var queue []protocol.Envelope

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		cur := b.Cursor()

		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var env protocol.Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				log.Printf("[OfflineStore] Dropping unreadable pending entry: %v", err)
			} else {
				queue = append(queue, env)
			}
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		return b.SetSequence(0)
	})
	if err != nil {
		return err
	}

	for _, env := range queue {
		if err := replay(env); err != nil {
			log.Printf("[OfflineStore] Replay of %s failed: %v", env.Type, err)
		}
	}
	return nil
}

// ClearPending discards the queue without replaying (explicit teardown).
func (s *OfflineStore) ClearPending() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPending); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketPending)
		return err
	})
}

// Close closes the buffer file.
func (s *OfflineStore) Close() error {
	return s.db.Close()
}
