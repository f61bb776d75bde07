package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/rgmanager/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketIntents    = []byte("intents")
	bucketMembership = []byte("membership")
	bucketHistory    = []byte("history")

	keyMembership = []byte("current")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rgmanager.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketIntents, bucketMembership, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Intent operations
func (s *BoltStore) PutIntent(intent *types.GroupIntent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketIntents), []byte(intent.ID), intent)
	})
}

func (s *BoltStore) GetIntent(id string) (*types.GroupIntent, error) {
	var intent types.GroupIntent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIntents).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("intent %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &intent)
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (s *BoltStore) ListIntents() ([]*types.GroupIntent, error) {
	var intents []*types.GroupIntent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).ForEach(func(k, v []byte) error {
			var intent types.GroupIntent
			if err := json.Unmarshal(v, &intent); err != nil {
				return err
			}
			intents = append(intents, &intent)
			return nil
		})
	})
	return intents, err
}

func (s *BoltStore) DeleteIntent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).Delete([]byte(id))
	})
}

// ReplaceIntents swaps the whole intent table in one transaction
func (s *BoltStore) ReplaceIntents(intents []*types.GroupIntent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketIntents); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketIntents)
		if err != nil {
			return err
		}
		for _, intent := range intents {
			if err := putJSON(b, []byte(intent.ID), intent); err != nil {
				return err
			}
		}
		return nil
	})
}

// Membership operations
func (s *BoltStore) PutMembership(rec *types.MembershipRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketMembership), keyMembership, rec)
	})
}

func (s *BoltStore) GetMembership() (*types.MembershipRecord, error) {
	var rec types.MembershipRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMembership).Get(keyMembership)
		if data == nil {
			return fmt.Errorf("membership: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// History operations. Each group has a nested bucket keyed by a big-endian
// sequence so that iteration order is append order.
func (s *BoltStore) AppendTransition(rec *types.TransitionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists([]byte(rec.Group))
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := putJSON(b, seqKey(seq), rec); err != nil {
			return err
		}

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-MaxHistoryPerGroup; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListTransitions(group string, limit int) ([]*types.TransitionRecord, error) {
	var recs []*types.TransitionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory).Bucket([]byte(group))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec types.TransitionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return tail(recs, limit), err
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
