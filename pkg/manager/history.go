package manager

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/rgmanager/pkg/events"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/storage"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/rs/zerolog"
)

// HistoryRecorder persists every group transition published on the broker
type HistoryRecorder struct {
	store  storage.Store
	broker *events.Broker
	sub    events.Subscriber
	wg     sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger
}

// NewHistoryRecorder creates a recorder writing to store
func NewHistoryRecorder(store storage.Store, broker *events.Broker) *HistoryRecorder {
	return &HistoryRecorder{
		store:  store,
		broker: broker,
		logger: log.WithComponent("history"),
	}
}

// Start subscribes to the broker
func (h *HistoryRecorder) Start() {
	h.sub = h.broker.Subscribe()
	h.wg.Add(1)
	go h.run(h.sub)
}

// Stop unsubscribes and waits for pending records to be written
func (h *HistoryRecorder) Stop() {
	h.once.Do(func() {
		if h.sub != nil {
			h.broker.Unsubscribe(h.sub)
		}
	})
	h.wg.Wait()
}

func (h *HistoryRecorder) run(sub events.Subscriber) {
	defer h.wg.Done()

	for ev := range sub {
		rec, ok := transitionRecord(ev)
		if !ok {
			continue
		}
		if err := h.store.AppendTransition(rec); err != nil {
			h.logger.Warn().Err(err).Str("group", rec.Group).Msg("Failed to record transition")
		}
	}
}

// transitionRecord converts a group state event; other events are skipped
func transitionRecord(ev *events.Event) (*types.TransitionRecord, bool) {
	if ev.Group == "" || !strings.HasPrefix(string(ev.Type), "group.") {
		return nil, false
	}
	to, ok := ev.Metadata["to"]
	if !ok {
		return nil, false
	}

	epoch, _ := strconv.ParseUint(ev.Metadata["epoch"], 10, 64)
	return &types.TransitionRecord{
		Group:  ev.Group,
		From:   types.GroupState(ev.Metadata["from"]),
		To:     types.GroupState(to),
		Owner:  types.NodeID(ev.Metadata["owner"]),
		Epoch:  epoch,
		Reason: ev.Message,
		At:     ev.Timestamp,
	}, true
}
