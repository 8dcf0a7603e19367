package access_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/access"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

var (
	s1 = types.GateS1
	s2 = types.GateS2
	s3 = types.GateS3
	s4 = types.GateS4
)

func groupID(v int64) *int64 { return &v }

func TestDecide_RoleGateMatrix(t *testing.T) {
	want := map[types.Role]map[types.Gate]bool{
		types.RoleA:    {s1: true, s2: true, s3: true, s4: true},
		types.RoleB:    {s1: true, s2: false, s3: true, s4: false},
		types.RoleC:    {s1: true, s2: false, s3: false, s4: false},
		types.RoleD:    {s1: true, s2: false, s3: false, s4: false},
		types.RoleE:    {s1: true, s2: false, s3: false, s4: false},
		types.RoleP:    {s1: true, s2: true, s3: false, s4: false},
		types.RoleX:    {s1: true, s2: true, s3: true, s4: true},
		types.RoleXTEC: {s1: true, s2: true, s3: true, s4: true},
		types.RoleCCOM: {s1: true, s2: false, s3: false, s4: false},
	}
	if len(want) != len(types.AllRoles()) {
		t.Fatalf("table covers %d roles, enum has %d", len(want), len(types.AllRoles()))
	}

	for _, role := range types.AllRoles() {
		for _, gate := range types.AllGates() {
			role, gate := role, gate
			t.Run(fmt.Sprintf("%s/%s", role, gate), func(t *testing.T) {
				user := types.User{ID: 1, Role: role, Enabled: true}
				got := access.Decide(user, gate, nil)

				if want[role][gate] {
					assert.Equal(t, types.Allow(), got)
				} else {
					assert.Equal(t, types.Deny(types.ReasonNotPermittedForRole), got)
				}
			})
		}
	}
}

func TestDecide_InvalidRoleOrGateDenied(t *testing.T) {
	got := access.Decide(types.User{Role: types.Role(0), Enabled: true}, s1, nil)
	assert.Equal(t, types.ReasonNotPermittedForRole, got.Reason)

	got = access.Decide(types.User{Role: types.Role(200), Enabled: true}, s1, nil)
	assert.Equal(t, types.ReasonNotPermittedForRole, got.Reason)

	got = access.Decide(types.User{Role: types.RoleA, Enabled: true}, types.Gate(0), nil)
	assert.False(t, got.Allow)
	assert.Equal(t, types.ReasonNotPermittedForRole, got.Reason)
}

func TestDecide_DisabledDominates(t *testing.T) {
	restr := []types.Restriction{{ID: 1, GroupID: 9, Date: "2024-01-01"}}
	for _, role := range types.AllRoles() {
		for _, gate := range types.AllGates() {
			for _, active := range [][]types.Restriction{nil, restr} {
				user := types.User{ID: 1, Role: role, Enabled: false, GroupID: groupID(9)}
				got := access.Decide(user, gate, active)
				assert.Equal(t, types.Deny(types.ReasonDisabled), got, "%s at %s", role, gate)
			}
		}
	}
}

func TestDecide_RestrictionDominatesMatrix(t *testing.T) {
	active := []types.Restriction{{ID: 1, GroupID: 9, Date: "2024-01-01"}}
	for _, role := range types.AllRoles() {
		for _, gate := range types.AllGates() {
			user := types.User{ID: 1, Role: role, Enabled: true, GroupID: groupID(9)}
			got := access.Decide(user, gate, active)
			assert.Equal(t, types.Deny(types.ReasonRestricted), got, "%s at %s", role, gate)
		}
	}
}

func TestDecide_RestrictionForOtherGroupIgnored(t *testing.T) {
	active := []types.Restriction{{ID: 1, GroupID: 9, Date: "2024-01-01"}}

	user := types.User{ID: 1, Role: types.RoleA, Enabled: true, GroupID: groupID(10)}
	assert.True(t, access.Decide(user, s1, active).Allow)

	noGroup := types.User{ID: 2, Role: types.RoleA, Enabled: true}
	assert.True(t, access.Decide(noGroup, s1, active).Allow)
}

func TestDecideAt_OnlyRestrictionsOnThatDate(t *testing.T) {
	user := types.User{ID: 1, Role: types.RoleC, Enabled: true, GroupID: groupID(3)}
	restrictions := []types.Restriction{
		{ID: 1, GroupID: 3, Date: "2024-01-01"},
		{ID: 2, GroupID: 3, Date: "2024-01-03"},
	}

	jan1 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	jan2 := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, types.ReasonRestricted, access.DecideAt(user, s1, restrictions, jan1, time.UTC).Reason)
	assert.True(t, access.DecideAt(user, s1, restrictions, jan2, time.UTC).Allow)
}

func TestDecideAt_DateBoundaryFollowsLocation(t *testing.T) {
	user := types.User{ID: 1, Role: types.RoleC, Enabled: true, GroupID: groupID(3)}
	restrictions := []types.Restriction{{ID: 1, GroupID: 3, Date: "2024-01-01"}}

	// 02:00 UTC on Jan 2 is still Jan 1 at UTC-3.
	asOf := time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC)
	art := time.FixedZone("ART", -3*3600)

	assert.True(t, access.DecideAt(user, s1, restrictions, asOf, time.UTC).Allow)
	assert.Equal(t, types.ReasonRestricted, access.DecideAt(user, s1, restrictions, asOf, art).Reason)
}

func TestDecide_IsDeterministic(t *testing.T) {
	user := types.User{ID: 5, Role: types.RoleP, Enabled: true}
	first := access.Decide(user, s2, nil)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, access.Decide(user, s2, nil))
	}
}

func TestAllowedGates(t *testing.T) {
	assert.Equal(t, types.Gates(s1, s3), access.AllowedGates(types.RoleB))
	assert.Equal(t, types.GateSet(0), access.AllowedGates(types.Role(0)))
	for _, r := range types.AllRoles() {
		assert.NotZero(t, access.AllowedGates(r), "role %s has no gates", r)
	}
}

// ── Scenarios ────────────────────────────────────────────────────────────────

func TestScenario_RoleB(t *testing.T) {
	user := types.User{ID: 1, Role: types.RoleB, Enabled: true}
	asOf := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, types.Allow(), access.DecideAt(user, s1, nil, asOf, time.UTC))
	assert.Equal(t, types.Deny(types.ReasonNotPermittedForRole), access.DecideAt(user, s2, nil, asOf, time.UTC))
}

func TestScenario_RoleCRestricted(t *testing.T) {
	user := types.User{ID: 2, Role: types.RoleC, Enabled: true, GroupID: groupID(4)}
	restrictions := []types.Restriction{{ID: 1, GroupID: 4, Date: "2024-01-01"}}
	asOf := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, types.Deny(types.ReasonRestricted), access.DecideAt(user, s1, restrictions, asOf, time.UTC))
}

func TestScenario_DisabledRoleA(t *testing.T) {
	user := types.User{ID: 3, Role: types.RoleA, Enabled: false}
	assert.Equal(t, types.Deny(types.ReasonDisabled), access.Decide(user, s1, nil))
}
