package metrics

import (
	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var readinessPhases = []domain.ReadinessPhase{
	domain.ReadinessUnknown,
	domain.ReadinessNotReady,
	domain.ReadinessSyncing,
	domain.ReadinessReady,
}

var launchStates = []domain.LaunchState{
	domain.LaunchIdle,
	domain.LaunchWaiting,
	domain.LaunchLaunching,
	domain.LaunchRunning,
	domain.LaunchCrashed,
	domain.LaunchStopped,
}

// Collectors holds the launcher's prometheus instruments. All methods
// are nil-safe so components can run without metrics in tests.
type Collectors struct {
	network       string
	healthChecks  *prometheus.CounterVec
	readiness     *prometheus.GaugeVec
	launchState   *prometheus.GaugeVec
	restarts      prometheus.Counter
}

func NewCollectors(network string, reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "launcher_health_checks_total",
			Help: "Beacon health probes by classified result",
		}, []string{"network", "result"}),
		readiness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "launcher_readiness_phase",
			Help: "Current readiness phase (1 for the active phase, 0 otherwise)",
		}, []string{"network", "phase"}),
		launchState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "launcher_launch_state",
			Help: "Current launch state (1 for the active state, 0 otherwise)",
		}, []string{"network", "state"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "launcher_subprocess_restarts_total",
			Help:        "Validator client restarts after a crash",
			ConstLabels: prometheus.Labels{"network": network},
		}),
	}
	c.network = network
	reg.MustRegister(c.healthChecks, c.readiness, c.launchState, c.restarts)
	return c
}

func (c *Collectors) ObserveHealthCheck(result string) {
	if c == nil {
		return
	}
	c.healthChecks.WithLabelValues(c.network, result).Inc()
}

func (c *Collectors) SetReadinessPhase(phase domain.ReadinessPhase) {
	if c == nil {
		return
	}
	for _, p := range readinessPhases {
		value := 0.0
		if p == phase {
			value = 1.0
		}
		c.readiness.WithLabelValues(c.network, string(p)).Set(value)
	}
}

func (c *Collectors) SetLaunchState(state domain.LaunchState) {
	if c == nil {
		return
	}
	for _, s := range launchStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		c.launchState.WithLabelValues(c.network, string(s)).Set(value)
	}
}

func (c *Collectors) IncRestart() {
	if c == nil {
		return
	}
	c.restarts.Inc()
}
