package storage

import (
	"errors"
	"fmt"

	"github.com/cuemby/rgmanager/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// MaxHistoryPerGroup bounds the transition history kept for each group
const MaxHistoryPerGroup = 200

// Backend names accepted by Open
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
)

// Store persists operator intents, the committed membership and the
// transition history
type Store interface {
	// Intents
	PutIntent(intent *types.GroupIntent) error
	GetIntent(id string) (*types.GroupIntent, error)
	ListIntents() ([]*types.GroupIntent, error)
	DeleteIntent(id string) error
	ReplaceIntents(intents []*types.GroupIntent) error

	// Membership
	PutMembership(rec *types.MembershipRecord) error
	GetMembership() (*types.MembershipRecord, error)

	// History, oldest first
	AppendTransition(rec *types.TransitionRecord) error
	ListTransitions(group string, limit int) ([]*types.TransitionRecord, error)

	// Utility
	Close() error
}

// Open opens the store selected by backend under dataDir
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", BackendBolt:
		return NewBoltStore(dataDir)
	case BackendBadger:
		return NewBadgerStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// tail returns the last limit records; limit <= 0 returns all
func tail(recs []*types.TransitionRecord, limit int) []*types.TransitionRecord {
	if limit > 0 && len(recs) > limit {
		return recs[len(recs)-limit:]
	}
	return recs
}
