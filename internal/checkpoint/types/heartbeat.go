package types

// HeartbeatRequest is sent periodically by a controller's handheld so its
// session is not reaped while the operator is idle.
type HeartbeatRequest struct {
	DeviceID      string `json:"device_id,omitempty"`
	AppVersion    string `json:"app_version,omitempty"`
	UptimeSeconds uint64 `json:"uptime_s,omitempty"`
	BatteryPct    *int   `json:"battery_pct,omitempty"`
}

// HeartbeatResponse echoes the gate the server has for the session, so a
// device can notice a rebind made from another client.
type HeartbeatResponse struct {
	OK           bool   `json:"ok"`
	ControllerID int64  `json:"controller_id"`
	Gate         Gate   `json:"gate"`
	ServerTime   string `json:"server_time"`
}
