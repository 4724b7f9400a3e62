package identity

// EventType identifies the type of a lifecycle event.
type EventType string

// Lifecycle events.
const (
	// TypeWake records the start of an awakening.
	TypeWake EventType = "lifecycle.wake"
	// TypeSleep records a clean end of session and carries its duration.
	TypeSleep EventType = "lifecycle.sleep"
	// TypeHeartbeat records an incremental durability checkpoint.
	TypeHeartbeat EventType = "lifecycle.heartbeat"
	// TypeTimeRecovery records alive-time credited by gap recovery.
	TypeTimeRecovery EventType = "lifecycle.time_recovery"
)

// Identity events.
const (
	// TypeNameChanged records a rename.
	TypeNameChanged EventType = "identity.name_changed"
)

// WakePayload is attached to wake events.
type WakePayload struct {
	// Birth marks the first-ever wake.
	Birth bool `json:"birth,omitempty"`
}

// SleepPayload carries the full duration of the session being closed,
// including time already flushed by heartbeats.
type SleepPayload struct {
	SessionSeconds float64 `json:"session_seconds"`
}

// HeartbeatPayload records the increment flushed by one checkpoint.
type HeartbeatPayload struct {
	ElapsedSeconds    float64 `json:"elapsed_seconds"`
	TotalAliveSeconds float64 `json:"total_alive_seconds"`
}

// TimeRecoveryPayload audits a gap-recovery correction. Both sides of the
// comparison are recorded so corrections can be reviewed later.
type TimeRecoveryPayload struct {
	RecordedSeconds   float64 `json:"recorded_seconds"`
	CalculatedSeconds float64 `json:"calculated_seconds"`
	CreditedSeconds   float64 `json:"credited_seconds"`
}

// NameChangedPayload records a rename with its previous value.
type NameChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}
