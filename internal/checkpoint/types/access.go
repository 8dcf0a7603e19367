package types

type ScanRequest struct {
	Payload string `json:"payload"`
}

type MovementView struct {
	From  MovementState `json:"from"`
	To    MovementState `json:"to"`
	Label string        `json:"label"`
}

type UserView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Lastname string `json:"lastname"`
	Role     Role   `json:"role"`
	Group    string `json:"group,omitempty"`
}

// ScanResponse is returned for every resolved scan, including undetermined
// ones; only malformed input and overlapping scans produce an error body.
type ScanResponse struct {
	Outcome    OutcomeKind   `json:"outcome"`
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	ReasonText string        `json:"reason_text,omitempty"`
	Cause      Cause         `json:"cause,omitempty"`
	Gate       Gate          `json:"gate"`
	Movement   *MovementView `json:"movement,omitempty"`
	User       *UserView     `json:"user,omitempty"`
	EventID    string        `json:"event_id,omitempty"`
	ServerTime string        `json:"server_time"`
}

type ChangeGateRequest struct {
	Gate string `json:"gate"`
}

type SessionResponse struct {
	Controller Controller `json:"controller"`
	Gate       Gate       `json:"gate"`
	ServerTime string     `json:"server_time"`
}

type MovementResponse struct {
	UserID int64         `json:"user_id"`
	State  MovementState `json:"state"`
	Label  string        `json:"label"`
}

type EventsResponse struct {
	UserID int64         `json:"user_id"`
	Events []AccessEvent `json:"events"`
}

type CredentialResponse struct {
	UserID  int64  `json:"user_id"`
	Payload string `json:"payload"`
	Link    string `json:"link"`
	Gates   []Gate `json:"gates"`
}

// NewScanResponse flattens an Outcome for the wire.
func NewScanResponse(o Outcome, serverTime string) ScanResponse {
	resp := ScanResponse{
		Outcome:    o.Kind,
		Allowed:    o.Kind == OutcomeAllow,
		Reason:     o.Reason,
		Cause:      o.Cause,
		Gate:       o.Gate,
		ServerTime: serverTime,
	}
	if o.Reason != "" {
		resp.ReasonText = o.Reason.Text()
	}
	if o.Transition != nil {
		resp.Movement = &MovementView{
			From:  o.Transition.From,
			To:    o.Transition.To,
			Label: o.Transition.Label(),
		}
	}
	if o.User != nil {
		resp.User = &UserView{
			ID:       o.User.ID,
			Name:     o.User.Name,
			Lastname: o.User.Lastname,
			Role:     o.User.Role,
			Group:    o.User.GroupName,
		}
	}
	if o.Event != nil {
		resp.EventID = o.Event.ID
	}
	return resp
}
