package services

import (
	"context"
	"sync"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
	"github.com/dappnode/validator-launcher/internal/logger"
	"github.com/dappnode/validator-launcher/internal/metrics"
)

// ReadinessWatcher polls the beacon node health signal and publishes
// ReadinessState transitions. It never terminates on its own: probe
// errors degrade the state and back off, but polling continues until
// the context is cancelled.
type ReadinessWatcher struct {
	Beacon         ports.BeaconHealthPort
	PollInterval   time.Duration
	ReadyThreshold int
	BackoffCap     time.Duration
	CheckTimeout   time.Duration
	Metrics        *metrics.Collectors

	mu      sync.RWMutex
	state   domain.ReadinessState
	updates chan domain.ReadinessState
}

func NewReadinessWatcher(beacon ports.BeaconHealthPort, pollInterval time.Duration, readyThreshold int, backoffCap time.Duration, collectors *metrics.Collectors) *ReadinessWatcher {
	return &ReadinessWatcher{
		Beacon:         beacon,
		PollInterval:   pollInterval,
		ReadyThreshold: readyThreshold,
		BackoffCap:     backoffCap,
		CheckTimeout:   10 * time.Second,
		Metrics:        collectors,
		state:          domain.ReadinessState{Phase: domain.ReadinessUnknown},
		updates:        make(chan domain.ReadinessState, 16),
	}
}

// Current returns the latest published snapshot.
func (w *ReadinessWatcher) Current() domain.ReadinessState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Updates delivers one state per poll, in emission order. The channel
// is buffered and sends are non-blocking; a slow consumer misses
// intermediate states but Current always holds the latest.
func (w *ReadinessWatcher) Updates() <-chan domain.ReadinessState {
	return w.updates
}

func (w *ReadinessWatcher) Run(ctx context.Context) {
	consecutiveReady := 0
	errorBackoff := w.PollInterval
	delay := w.PollInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		checkCtx, cancel := context.WithTimeout(ctx, w.CheckTimeout)
		check, err := w.Beacon.CheckHealth(checkCtx)
		cancel()

		previous := w.Current()
		next := domain.ReadinessState{
			Phase:     previous.Phase,
			CheckedAt: time.Now(),
		}

		switch {
		case err != nil:
			w.Metrics.ObserveHealthCheck("error")
			consecutiveReady = 0
			delay = errorBackoff
			if errorBackoff *= 2; errorBackoff > w.BackoffCap {
				errorBackoff = w.BackoffCap
			}
			if previous.Phase != domain.ReadinessReady {
				next.Phase = domain.ReadinessUnknown
			}
			logger.WarnWithPrefix("readiness", "Health probe failed (retrying in %s): %v", delay, err)

		case check.Status == domain.HealthOK:
			w.Metrics.ObserveHealthCheck("ok")
			consecutiveReady++
			delay = w.PollInterval
			errorBackoff = w.PollInterval
			if previous.Phase == domain.ReadinessReady || consecutiveReady >= w.ReadyThreshold {
				next.Phase = domain.ReadinessReady
			}
			// Below the threshold the phase stays where it was; the
			// counter is visible in the snapshot.

		case check.Status == domain.HealthSyncing:
			w.Metrics.ObserveHealthCheck("syncing")
			consecutiveReady = 0
			delay = w.PollInterval
			errorBackoff = w.PollInterval
			if previous.Phase != domain.ReadinessReady {
				next.Phase = domain.ReadinessSyncing
				next.SyncDistance = check.SyncDistance
			}

		default:
			w.Metrics.ObserveHealthCheck("not_ready")
			consecutiveReady = 0
			delay = w.PollInterval
			errorBackoff = w.PollInterval
			if previous.Phase != domain.ReadinessReady {
				next.Phase = domain.ReadinessNotReady
			}
		}

		next.ConsecutiveReady = consecutiveReady
		w.publish(previous, next)
	}
}

func (w *ReadinessWatcher) publish(previous, next domain.ReadinessState) {
	w.mu.Lock()
	w.state = next
	w.mu.Unlock()

	w.Metrics.SetReadinessPhase(next.Phase)
	if previous.Phase != next.Phase {
		logger.InfoWithPrefix("readiness", "Beacon readiness %s -> %s (consecutive ready: %d)", previous.Phase, next.Phase, next.ConsecutiveReady)
	}

	select {
	case w.updates <- next:
	default:
		// Consumer is behind; it will catch up via Current.
	}
}
