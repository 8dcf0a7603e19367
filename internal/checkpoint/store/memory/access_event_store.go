package memory

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// AccessEventStore is an in-memory append-only log of access events plus
// the per-user movement state derived from it. It is intended for use in
// tests and dev environments.
type AccessEventStore struct {
	mu     sync.Mutex
	events []types.AccessEvent
	states map[int64]store.MovementRecord
}

func NewAccessEventStore() *AccessEventStore {
	return &AccessEventStore{states: make(map[int64]store.MovementRecord)}
}

func (s *AccessEventStore) LoadMovement(_ context.Context, userID int64) (store.MovementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[userID]
	if !ok {
		return store.MovementRecord{UserID: userID, State: types.Outside}, nil
	}
	return rec, nil
}

func (s *AccessEventStore) AppendEvent(_ context.Context, ev types.AccessEvent, update *store.StateUpdate) (types.AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update != nil {
		cur := s.states[update.UserID]
		if cur.Version != update.ExpectedVersion {
			return types.AccessEvent{}, store.ErrConflict
		}
		s.states[update.UserID] = store.MovementRecord{
			UserID:  update.UserID,
			State:   update.NewState,
			Version: cur.Version + 1,
		}
	}

	ev.Sequence = int64(len(s.events)) + 1
	if ev.Transition != nil {
		tr := *ev.Transition
		ev.Transition = &tr
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *AccessEventStore) Events(_ context.Context, userID int64, limit int) ([]types.AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AccessEvent
	for _, ev := range s.events {
		if ev.UserID != userID {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// All returns a copy of every recorded event. Test-only helper.
func (s *AccessEventStore) All() []types.AccessEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AccessEvent, len(s.events))
	copy(out, s.events)
	return out
}
