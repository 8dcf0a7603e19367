package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/credential"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/service"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// ── Scenarios ────────────────────────────────────────────────────────────────

func TestScan_RoleBAtS1ThenS2(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	ctx := context.Background()

	out, err := f.cp.Scan(ctx, s, credential.Encode(2))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Kind != types.OutcomeAllow || out.Reason != types.ReasonGranted {
		t.Fatalf("expected allow/granted at S1, got %s/%s", out.Kind, out.Reason)
	}
	if out.Transition == nil || out.Transition.Label() != "entering" {
		t.Errorf("expected entering, got %+v", out.Transition)
	}
	if out.User == nil || out.User.Name != "Bruno" {
		t.Errorf("expected user Bruno on outcome, got %+v", out.User)
	}

	if _, err := s.ChangeGate(ctx, types.GateS2); err != nil {
		t.Fatalf("ChangeGate: %v", err)
	}
	out, err = f.cp.Scan(ctx, s, credential.Encode(2))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Kind != types.OutcomeDeny || out.Reason != types.ReasonNotPermittedForRole {
		t.Fatalf("expected deny/not_permitted_for_role at S2, got %s/%s", out.Kind, out.Reason)
	}
	if out.Gate != types.GateS2 {
		t.Errorf("expected outcome gate S2, got %s", out.Gate)
	}

	state, _ := f.ledger.CurrentState(ctx, 2)
	if state != types.Inside {
		t.Errorf("deny must not move user; expected inside, got %s", state)
	}
}

func TestScan_RestrictedGroupOnDate(t *testing.T) {
	f := newFixture(t)
	out, err := f.cp.Scan(context.Background(), f.session(t), credential.Encode(3))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Kind != types.OutcomeDeny || out.Reason != types.ReasonRestricted {
		t.Fatalf("expected deny/restricted, got %s/%s", out.Kind, out.Reason)
	}
	if out.User == nil || out.User.GroupName != "Prensa" {
		t.Errorf("expected Prensa user on outcome, got %+v", out.User)
	}
}

func TestScan_RestrictionOtherDayIgnored(t *testing.T) {
	f := newFixture(t)
	f.cp.Now = func() time.Time { return f.now.AddDate(0, 0, 1) }
	out, _ := f.cp.Scan(context.Background(), f.session(t), credential.Encode(3))
	if out.Kind != types.OutcomeAllow {
		t.Fatalf("expected allow the day after the restriction, got %s/%s", out.Kind, out.Reason)
	}
}

func TestScan_DisabledUser(t *testing.T) {
	f := newFixture(t)
	out, _ := f.cp.Scan(context.Background(), f.session(t), credential.Encode(4))
	if out.Kind != types.OutcomeDeny || out.Reason != types.ReasonDisabled {
		t.Fatalf("expected deny/disabled, got %s/%s", out.Kind, out.Reason)
	}
}

func TestScan_ToggleParity(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	ctx := context.Background()

	labels := []string{"entering", "exiting", "entering", "exiting", "entering"}
	for i, want := range labels {
		out, err := f.cp.Scan(ctx, s, credential.Encode(1))
		if err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
		if out.Kind != types.OutcomeAllow || out.Transition.Label() != want {
			t.Fatalf("scan %d: expected allow %s, got %s %+v", i, want, out.Kind, out.Transition)
		}
	}

	state, _ := f.ledger.CurrentState(ctx, 1)
	if state != types.Inside {
		t.Errorf("after 5 allows expected inside, got %s", state)
	}
	evs, _ := f.ledger.Events(ctx, 1, 0)
	replayed, err := service.ReplayState(evs)
	if err != nil {
		t.Fatalf("ReplayState: %v", err)
	}
	if replayed != state {
		t.Errorf("replayed %s != stored %s", replayed, state)
	}
}

// ── Fail-closed and undetermined ─────────────────────────────────────────────

func TestScan_UnknownUserDeniedAndRecorded(t *testing.T) {
	f := newFixture(t)
	out, err := f.cp.Scan(context.Background(), f.session(t), credential.Encode(999))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Kind != types.OutcomeDeny || out.Reason != types.ReasonUnknownUser {
		t.Fatalf("expected deny/unknown_user, got %s/%s", out.Kind, out.Reason)
	}
	if out.User != nil {
		t.Errorf("unknown user must not carry a user, got %+v", out.User)
	}

	evs := f.events.All()
	if len(evs) != 1 || evs[0].UserID != 999 || evs[0].Allowed || evs[0].ControllerID != 1 {
		t.Fatalf("expected one denial event for 999, got %+v", evs)
	}
}

func TestScan_DecodeErrorsRecordNothing(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	_, err := f.cp.Scan(context.Background(), s, "not json")
	if !errors.Is(err, credential.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
	_, err = f.cp.Scan(context.Background(), s, `{"name":"x"}`)
	if !errors.Is(err, credential.ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
	if n := len(f.events.All()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
	if s.Busy() {
		t.Error("session must be released after a decode error")
	}
}

func TestScan_DirectoryUnavailableIsUndetermined(t *testing.T) {
	base := newFixture(t)
	f := newFixtureWith(t, base.dir, brokenDirectory{err: errBackend}, base.events, base.events)

	out, err := f.cp.Scan(context.Background(), f.session(t), credential.Encode(1))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Kind != types.OutcomeUndetermined || out.Cause != types.CauseDirectoryUnavailable {
		t.Fatalf("expected undetermined/directory_unavailable, got %s/%s", out.Kind, out.Cause)
	}
	if out.Reason != "" || out.Event != nil {
		t.Errorf("undetermined must carry no reason or event, got %+v", out)
	}
	if n := len(f.events.All()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestScan_RestrictionReadFailureIsUndetermined(t *testing.T) {
	base := newFixture(t)
	f := newFixtureWith(t, base.dir, brokenRestrictions{base.dir}, base.events, base.events)

	out, _ := f.cp.Scan(context.Background(), f.session(t), credential.Encode(3))
	if out.Kind != types.OutcomeUndetermined || out.Cause != types.CauseDirectoryUnavailable {
		t.Fatalf("expected undetermined/directory_unavailable, got %s/%s", out.Kind, out.Cause)
	}

	// A user without a group never reads restrictions.
	out, _ = f.cp.Scan(context.Background(), f.session(t), credential.Encode(1))
	if out.Kind != types.OutcomeAllow {
		t.Errorf("expected allow for ungrouped user, got %s", out.Kind)
	}
}

func TestScan_LookupTimeoutIsUndetermined(t *testing.T) {
	base := newFixture(t)
	f := newFixtureWith(t, base.dir, slowDirectory{base.dir}, base.events, base.events)

	out, err := f.cp.Scan(context.Background(), f.session(t), credential.Encode(1))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Kind != types.OutcomeUndetermined || out.Cause != types.CauseTimeout {
		t.Fatalf("expected undetermined/timeout, got %s/%s", out.Kind, out.Cause)
	}
	state, _ := f.ledger.CurrentState(context.Background(), 1)
	if state != types.Outside {
		t.Errorf("timeout must not move user, got %s", state)
	}
}

func TestScan_LedgerUnavailableIsUndetermined(t *testing.T) {
	base := newFixture(t)
	f := newFixtureWith(t, base.dir, base.dir, brokenLedger{err: errBackend}, base.events)

	for _, id := range []int64{1, 4} { // allow path and deny path
		out, err := f.cp.Scan(context.Background(), f.session(t), credential.Encode(id))
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if out.Kind != types.OutcomeUndetermined || out.Cause != types.CauseLedgerUnavailable {
			t.Errorf("user %d: expected undetermined/ledger_unavailable, got %s/%s", id, out.Kind, out.Cause)
		}
	}
}

func TestScan_ContentionRecordsDenial(t *testing.T) {
	base := newFixture(t)
	cl := &conflictingLedger{AccessEventStore: base.events, n: 100}
	f := newFixtureWith(t, base.dir, base.dir, cl, base.events)

	out, err := f.cp.Scan(context.Background(), f.session(t), credential.Encode(1))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Kind != types.OutcomeUndetermined || out.Cause != types.CauseContention {
		t.Fatalf("expected undetermined/contention, got %s/%s", out.Kind, out.Cause)
	}

	evs := f.events.All()
	if len(evs) != 1 || evs[0].Allowed || evs[0].Reason != types.ReasonContention {
		t.Fatalf("expected a single contention denial, got %+v", evs)
	}
	if out.Event == nil || out.Event.ID != evs[0].ID {
		t.Errorf("outcome should reference the contention event")
	}
}

// ── Session interaction ──────────────────────────────────────────────────────

func TestScan_RejectsWhileInFlight(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	if !s.TryBegin() {
		t.Fatal("TryBegin on idle session failed")
	}
	_, err := f.cp.Scan(context.Background(), s, credential.Encode(1))
	if !errors.Is(err, service.ErrScanInFlight) {
		t.Fatalf("expected ErrScanInFlight, got %v", err)
	}
	_, err = f.cp.Evaluate(context.Background(), s, 1)
	if !errors.Is(err, service.ErrScanInFlight) {
		t.Fatalf("expected ErrScanInFlight from Evaluate, got %v", err)
	}
	s.End()

	if _, err := f.cp.Scan(context.Background(), s, credential.Encode(1)); err != nil {
		t.Fatalf("scan after End: %v", err)
	}
	if n := len(f.events.All()); n != 1 {
		t.Errorf("expected exactly one event, got %d", n)
	}
}

func TestEvaluate_ManualEntry(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	out, err := f.cp.Evaluate(context.Background(), s, 5)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Kind != types.OutcomeAllow {
		t.Errorf("expected allow for P at S1, got %s/%s", out.Kind, out.Reason)
	}

	_, err = f.cp.Evaluate(context.Background(), s, 0)
	if !errors.Is(err, credential.ErrMalformed) {
		t.Errorf("expected ErrMalformed for id 0, got %v", err)
	}
}

// ── Concurrency ──────────────────────────────────────────────────────────────

// Two gates scanning the same user at once must never both apply the same
// transition.
func TestScan_ConcurrentGatesNoDoubleIngress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const gates = 4
	sessions := make([]*service.Session, gates)
	for i := range sessions {
		sessions[i] = service.NewSession(types.Controller{ID: 1, Gate: types.GateS1}, f.dir)
	}

	var wg sync.WaitGroup
	outcomes := make([]types.Outcome, gates)
	for i := 0; i < gates; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.cp.Scan(ctx, sessions[i], credential.Encode(1))
			if err != nil {
				t.Errorf("scan %d: %v", i, err)
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	evs, _ := f.ledger.Events(ctx, 1, 0)
	if len(evs) != gates {
		t.Fatalf("expected one event per scan, got %d", len(evs))
	}
	allowed := 0
	var prev *types.Transition
	for _, ev := range evs {
		if !ev.Allowed {
			continue
		}
		allowed++
		if prev != nil && *prev == *ev.Transition {
			t.Errorf("transition %v recorded twice in a row", *ev.Transition)
		}
		prev = ev.Transition
	}
	final, err := service.ReplayState(evs)
	if err != nil {
		t.Fatalf("history diverged: %v", err)
	}
	stored, _ := f.ledger.CurrentState(ctx, 1)
	if final != stored {
		t.Errorf("replayed %s != stored %s", final, stored)
	}
	want := types.Outside
	if allowed%2 == 1 {
		want = types.Inside
	}
	if stored != want {
		t.Errorf("after %d allows expected %s, got %s", allowed, want, stored)
	}
}
