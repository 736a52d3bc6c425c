package domain

import "time"

// ReadinessPhase is the beacon node readiness as seen by the watcher.
type ReadinessPhase string

const (
	ReadinessUnknown  ReadinessPhase = "unknown"
	ReadinessNotReady ReadinessPhase = "not_ready"
	ReadinessSyncing  ReadinessPhase = "syncing"
	ReadinessReady    ReadinessPhase = "ready"
)

// ReadinessState is a snapshot of the watcher's view of the beacon
// node. Ready is only entered after the configured number of
// consecutive healthy probes and is sticky once confirmed.
type ReadinessState struct {
	Phase            ReadinessPhase `json:"phase"`
	SyncDistance     uint64         `json:"sync_distance,omitempty"`
	ConsecutiveReady int            `json:"consecutive_ready"`
	CheckedAt        time.Time      `json:"checked_at"`
}

// --------------------------------------------------------

// HealthStatus classifies a single probe of the beacon health endpoint.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthSyncing  HealthStatus = "syncing"
	HealthNotReady HealthStatus = "not_ready"
)

// HealthCheck is the result of one probe. SyncDistance is advisory and
// only set when the node reports itself syncing.
type HealthCheck struct {
	Status       HealthStatus
	SyncDistance uint64
}
