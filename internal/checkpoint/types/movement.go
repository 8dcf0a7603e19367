package types

import (
	"fmt"
	"time"
)

// MovementState is the side of the barrier a user was last recorded on.
// The zero value is Outside.
type MovementState uint8

const (
	Outside MovementState = iota
	Inside
)

func (m MovementState) String() string {
	switch m {
	case Outside:
		return "outside"
	case Inside:
		return "inside"
	}
	return fmt.Sprintf("MovementState(%d)", uint8(m))
}

func (m MovementState) Valid() bool { return m == Outside || m == Inside }

// Flip returns the opposite side.
func (m MovementState) Flip() MovementState {
	if m == Inside {
		return Outside
	}
	return Inside
}

// Label describes the movement the next allowed scan will produce, as shown
// to the operator.
func (m MovementState) Label() string {
	if m == Inside {
		return "exiting"
	}
	return "entering"
}

func ParseMovementState(s string) (MovementState, error) {
	switch s {
	case "outside":
		return Outside, nil
	case "inside":
		return Inside, nil
	}
	return 0, fmt.Errorf("unknown movement state %q", s)
}

func (m MovementState) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid movement state %d", uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *MovementState) UnmarshalText(b []byte) error {
	v, err := ParseMovementState(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

type Transition struct {
	From MovementState `json:"from"`
	To   MovementState `json:"to"`
}

// Label is "entering" for outside→inside and "exiting" otherwise.
func (t Transition) Label() string { return t.From.Label() }

// Reason is the stable machine-readable code attached to every decision and
// audit event.
type Reason string

const (
	ReasonGranted             Reason = "granted"
	ReasonDisabled            Reason = "disabled"
	ReasonRestricted          Reason = "restricted"
	ReasonNotPermittedForRole Reason = "not_permitted_for_role"
	ReasonUnknownUser         Reason = "unknown_user"
	ReasonContention          Reason = "contention"
)

var reasonTexts = map[Reason]string{
	ReasonGranted:             "Acceso otorgado",
	ReasonDisabled:            "Usuario deshabilitado",
	ReasonRestricted:          "Grupo restringido para hoy",
	ReasonNotPermittedForRole: "Acceso no permitido por esta puerta",
	ReasonUnknownUser:         "Credencial no registrada",
	ReasonContention:          "Reintente el escaneo",
}

// Text is the operator-facing description of r.
func (r Reason) Text() string {
	if t, ok := reasonTexts[r]; ok {
		return t
	}
	return string(r)
}

// Decision is the result of evaluating one user at one gate.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason Reason `json:"reason"`
}

func Allow() Decision            { return Decision{Allow: true, Reason: ReasonGranted} }
func Deny(reason Reason) Decision { return Decision{Reason: reason} }

// AccessEvent is one immutable audit record.
type AccessEvent struct {
	ID           string      `json:"id"`
	Sequence     int64       `json:"sequence"`
	OccurredAt   time.Time   `json:"occurred_at"`
	UserID       int64       `json:"user_id"`
	Gate         Gate        `json:"gate"`
	ControllerID int64       `json:"controller_id"`
	Allowed      bool        `json:"allowed"`
	Reason       Reason      `json:"reason"`
	Transition   *Transition `json:"transition,omitempty"`
}

// OutcomeKind is what the operator sees: allow, deny or "please rescan".
type OutcomeKind string

const (
	OutcomeAllow        OutcomeKind = "allow"
	OutcomeDeny         OutcomeKind = "deny"
	OutcomeUndetermined OutcomeKind = "undetermined"
)

// Cause explains an undetermined outcome.
type Cause string

const (
	CauseDirectoryUnavailable Cause = "directory_unavailable"
	CauseLedgerUnavailable    Cause = "ledger_unavailable"
	CauseTimeout              Cause = "timeout"
	CauseContention           Cause = "contention"
)

// Outcome is the full result of one pass through the scan pipeline.
type Outcome struct {
	Kind       OutcomeKind
	Reason     Reason
	Cause      Cause
	Gate       Gate
	User       *User
	Transition *Transition
	Event      *AccessEvent
}
