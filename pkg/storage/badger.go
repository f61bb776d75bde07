package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/dgraph-io/badger/v4"
)

const (
	prefixIntent     = "intent/"
	prefixHistory    = "history/"
	keyMembershipRec = "membership/current"
	keyHistorySeq    = "seq/history"

	gcInterval = 5 * time.Minute
)

// BadgerStore implements Store interface using BadgerDB
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	stopCh chan struct{}
}

// NewBadgerStore opens a BadgerDB store in dataDir. An empty dataDir keeps
// everything in memory.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)
	if dataDir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	seq, err := db.GetSequence([]byte(keyHistorySeq), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open history sequence: %w", err)
	}

	s := &BadgerStore{db: db, seq: seq, stopCh: make(chan struct{})}
	if dataDir != "" {
		go s.runGC()
	}
	return s, nil
}

// runGC runs the value log garbage collector periodically
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.7)
		case <-s.stopCh:
			return
		}
	}
}

// Close releases the sequence and closes the database
func (s *BadgerStore) Close() error {
	close(s.stopCh)
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// Intent operations
func (s *BadgerStore) PutIntent(intent *types.GroupIntent) error {
	return s.set(prefixIntent+intent.ID, intent)
}

func (s *BadgerStore) GetIntent(id string) (*types.GroupIntent, error) {
	var intent types.GroupIntent
	if err := s.get(prefixIntent+id, &intent); err != nil {
		return nil, fmt.Errorf("intent %s: %w", id, err)
	}
	return &intent, nil
}

func (s *BadgerStore) ListIntents() ([]*types.GroupIntent, error) {
	var intents []*types.GroupIntent
	err := s.scan(prefixIntent, func(val []byte) error {
		var intent types.GroupIntent
		if err := json.Unmarshal(val, &intent); err != nil {
			return err
		}
		intents = append(intents, &intent)
		return nil
	})
	return intents, err
}

func (s *BadgerStore) DeleteIntent(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixIntent + id))
	})
}

// ReplaceIntents swaps the whole intent table in one transaction
func (s *BadgerStore) ReplaceIntents(intents []*types.GroupIntent) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range s.keys(txn, prefixIntent) {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, intent := range intents {
			data, err := json.Marshal(intent)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(prefixIntent+intent.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Membership operations
func (s *BadgerStore) PutMembership(rec *types.MembershipRecord) error {
	return s.set(keyMembershipRec, rec)
}

func (s *BadgerStore) GetMembership() (*types.MembershipRecord, error) {
	var rec types.MembershipRecord
	if err := s.get(keyMembershipRec, &rec); err != nil {
		return nil, fmt.Errorf("membership: %w", err)
	}
	return &rec, nil
}

// History operations. Keys are "history/<group>/<seq>" with a zero-padded
// sequence so that lexical order is append order.
func (s *BadgerStore) AppendTransition(rec *types.TransitionRecord) error {
	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	prefix := historyPrefix(rec.Group)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(fmt.Sprintf("%s%020d", prefix, n)), data); err != nil {
			return err
		}
		keys := s.keys(txn, prefix)
		for i := 0; i < len(keys)-MaxHistoryPerGroup; i++ {
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) ListTransitions(group string, limit int) ([]*types.TransitionRecord, error) {
	var recs []*types.TransitionRecord
	err := s.scan(historyPrefix(group), func(val []byte) error {
		var rec types.TransitionRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		recs = append(recs, &rec)
		return nil
	})
	return tail(recs, limit), err
}

func (s *BadgerStore) set(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *BadgerStore) get(key string, v interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (s *BadgerStore) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// keys lists the keys under prefix in order, as seen by txn
func (s *BadgerStore) keys(txn *badger.Txn, prefix string) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func historyPrefix(group string) string {
	return prefixHistory + group + "/"
}
