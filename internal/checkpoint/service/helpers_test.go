package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/service"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store/memory"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

var errBackend = errors.New("backend down")

// fixture wires a Checkpoint over in-memory stores with a fixed clock.
type fixture struct {
	dir      *memory.Directory
	events   *memory.AccessEventStore
	ledger   *service.Ledger
	cp       *service.Checkpoint
	sessions *service.SessionManager
	now      time.Time
}

const (
	prensaGroup = int64(2)
	staffGroup  = int64(1)
	guardEmail  = "guard@example.com"
)

// newFixture provisions:
//
//	1 A enabled      2 B enabled      3 C enabled, Prensa (restricted 2024-01-01)
//	4 A disabled     5 P enabled, Staff
//
// and controller 1 (guard@example.com) at S1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := memory.NewDirectory()
	dir.PutGroup(types.Group{ID: staffGroup, Name: "Staff"})
	dir.PutGroup(types.Group{ID: prensaGroup, Name: "Prensa"})
	dir.AddRestriction(prensaGroup, "2024-01-01")

	prensa, staff := prensaGroup, staffGroup
	for _, u := range []types.User{
		{ID: 1, Name: "Ana", Role: types.RoleA, Enabled: true},
		{ID: 2, Name: "Bruno", Role: types.RoleB, Enabled: true},
		{ID: 3, Name: "Carla", Role: types.RoleC, Enabled: true, GroupID: &prensa},
		{ID: 4, Name: "Dora", Role: types.RoleA, Enabled: false},
		{ID: 5, Name: "Pedro", Role: types.RoleP, Enabled: true, GroupID: &staff},
	} {
		if err := dir.PutUser(u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	if err := dir.PutController(types.Controller{ID: 1, Email: guardEmail, Gate: types.GateS1}); err != nil {
		t.Fatalf("PutController: %v", err)
	}

	es := memory.NewAccessEventStore()
	return newFixtureWith(t, dir, dir, es, es)
}

// newFixtureWith lets a test swap the directory or ledger backend. memDir
// still provides controllers and sessions; es is the event log tests inspect.
func newFixtureWith(t *testing.T, memDir *memory.Directory, ds store.DirectoryStore, ls store.LedgerStore, es *memory.AccessEventStore) *fixture {
	t.Helper()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	d := service.NewDirectory(ds, time.UTC)
	ledger := service.NewLedger(ls, service.LedgerConfig{MaxRetries: 3}, nil, nil)
	cp := service.NewCheckpoint(d, ledger, service.CheckpointConfig{LookupTimeout: 50 * time.Millisecond}, nil, nil)
	cp.Now = func() time.Time { return now }
	return &fixture{
		dir:      memDir,
		events:   es,
		ledger:   ledger,
		cp:       cp,
		sessions: service.NewSessionManager(service.NewDirectory(memDir, time.UTC), memDir),
		now:      now,
	}
}

func (f *fixture) session(t *testing.T) *service.Session {
	t.Helper()
	s, err := f.sessions.Open(context.Background(), guardEmail)
	if err != nil {
		t.Fatalf("Open session: %v", err)
	}
	return s
}

// ── Fakes ────────────────────────────────────────────────────────────────────

// brokenDirectory fails every read with err.
type brokenDirectory struct{ err error }

func (b brokenDirectory) GetUser(context.Context, int64) (types.User, error) {
	return types.User{}, b.err
}
func (b brokenDirectory) GetControllerByEmail(context.Context, string) (types.Controller, error) {
	return types.Controller{}, b.err
}
func (b brokenDirectory) RestrictionsOn(context.Context, int64, types.Date) ([]types.Restriction, error) {
	return nil, b.err
}

// slowDirectory blocks GetUser until ctx is done.
type slowDirectory struct{ store.DirectoryStore }

func (s slowDirectory) GetUser(ctx context.Context, _ int64) (types.User, error) {
	<-ctx.Done()
	return types.User{}, ctx.Err()
}

// brokenRestrictions serves users but fails restriction reads.
type brokenRestrictions struct{ store.DirectoryStore }

func (brokenRestrictions) RestrictionsOn(context.Context, int64, types.Date) ([]types.Restriction, error) {
	return nil, errBackend
}

// conflictingLedger reports a lost version check for the first n
// conditional appends.
type conflictingLedger struct {
	*memory.AccessEventStore
	mu sync.Mutex
	n  int
}

func (c *conflictingLedger) AppendEvent(ctx context.Context, ev types.AccessEvent, u *store.StateUpdate) (types.AccessEvent, error) {
	if u != nil {
		c.mu.Lock()
		lose := c.n > 0
		if lose {
			c.n--
		}
		c.mu.Unlock()
		if lose {
			return types.AccessEvent{}, store.ErrConflict
		}
	}
	return c.AccessEventStore.AppendEvent(ctx, ev, u)
}

// brokenLedger fails every operation.
type brokenLedger struct{ err error }

func (b brokenLedger) LoadMovement(context.Context, int64) (store.MovementRecord, error) {
	return store.MovementRecord{}, b.err
}
func (b brokenLedger) AppendEvent(context.Context, types.AccessEvent, *store.StateUpdate) (types.AccessEvent, error) {
	return types.AccessEvent{}, b.err
}
func (b brokenLedger) Events(context.Context, int64, int) ([]types.AccessEvent, error) {
	return nil, b.err
}

// brokenSessionStore refuses every gate change.
type brokenSessionStore struct{}

func (brokenSessionStore) UpdateControllerGate(context.Context, int64, types.Gate) error {
	return errBackend
}
