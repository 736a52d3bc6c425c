package domain

import "time"

// LaunchState is the launch controller's state machine position. It is
// mutated only by the controller loop; the API reads snapshots and
// posts intents.
type LaunchState string

const (
	LaunchIdle      LaunchState = "idle"
	LaunchWaiting   LaunchState = "waiting_for_readiness"
	LaunchLaunching LaunchState = "launching"
	LaunchRunning   LaunchState = "running"
	LaunchCrashed   LaunchState = "crashed"
	LaunchStopped   LaunchState = "stopped"
)

// LaunchRequest is the immutable validator-client invocation snapshot,
// built once readiness is confirmed. A new request supersedes any
// in-flight launch attempt.
type LaunchRequest struct {
	Network           string
	BeaconEndpoint    string
	ExecutionEndpoint string
	JWTSecretPath     string
	FeeRecipient      string
	Graffiti          string
	KeystoreDir       string
	SecretsDir        string
	LogLevel          string
}

// ProcessExit is the exit notification delivered by a process handle.
type ProcessExit struct {
	Code int
	Err  string
	At   time.Time
}

// LaunchStatus is the snapshot served by the control API. Terminal
// means the crash retry ceiling was reached and only a manual start
// intent will leave Crashed.
type LaunchStatus struct {
	State        LaunchState `json:"state"`
	PID          int         `json:"pid,omitempty"`
	StartedAt    time.Time   `json:"started_at,omitempty"`
	CrashedAt    time.Time   `json:"crashed_at,omitempty"`
	LastExitCode *int        `json:"last_exit_code,omitempty"`
	Attempts     int         `json:"attempts"`
	Terminal     bool        `json:"terminal"`
	LastError    string      `json:"last_error,omitempty"`
}

// LaunchEvent is one journaled state transition.
type LaunchEvent struct {
	From   LaunchState `json:"from"`
	To     LaunchState `json:"to"`
	Detail string      `json:"detail,omitempty"`
	At     time.Time   `json:"at"`
}
