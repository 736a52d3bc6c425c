package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
	"github.com/dappnode/validator-launcher/internal/logger"
	"github.com/dappnode/validator-launcher/internal/metrics"
)

// ReadinessSource is what the controller consumes from the watcher. A
// synthetic source drops in for tests.
type ReadinessSource interface {
	Current() domain.ReadinessState
	Updates() <-chan domain.ReadinessState
}

type intentKind int

const (
	intentStart intentKind = iota
	intentStop
)

// LaunchSettings are the controller tunables, validated by config.
type LaunchSettings struct {
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	RetryCeiling int
	GracePeriod  time.Duration
}

// LaunchController owns the launch state machine. All transitions run
// on its single Run goroutine; the API reads snapshots via Status and
// posts intents via RequestStart/RequestStop. The safety-critical
// invariant: at most one validator-client subprocess ever exists,
// because two signers on one keystore set is slashable double-signing.
// Launching is therefore only entered once the previous process's exit
// notification has been consumed.
type LaunchController struct {
	Runner    ports.ValidatorRunnerPort
	Store     ports.KeystoreStorePort
	Readiness ReadinessSource
	Request   domain.LaunchRequest
	Settings  LaunchSettings

	// Optional collaborators, assigned before Run.
	Journal    ports.LaunchJournalPort
	Keymanager ports.KeymanagerPort
	Notifier   ports.NotifierPort
	Metrics    *metrics.Collectors

	intents chan intentKind
	events  chan domain.LaunchEvent

	mu     sync.RWMutex
	status domain.LaunchStatus

	// Loop-owned; touched only by the Run goroutine.
	proc       ports.ProcessHandle
	exitCh     <-chan domain.ProcessExit
	retryTimer *time.Timer
	retryCh    <-chan time.Time
	attempts   int
	terminal   bool
}

func NewLaunchController(runner ports.ValidatorRunnerPort, store ports.KeystoreStorePort, readiness ReadinessSource, request domain.LaunchRequest, settings LaunchSettings) *LaunchController {
	return &LaunchController{
		Runner:    runner,
		Store:     store,
		Readiness: readiness,
		Request:   request,
		Settings:  settings,
		intents:   make(chan intentKind, 8),
		events:    make(chan domain.LaunchEvent, 32),
		status:    domain.LaunchStatus{State: domain.LaunchIdle},
	}
}

// Status returns a snapshot of the current launch state.
func (c *LaunchController) Status() domain.LaunchStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Events delivers journaled state transitions for streaming consumers.
// Buffered, non-blocking on the controller side.
func (c *LaunchController) Events() <-chan domain.LaunchEvent {
	return c.events
}

// RequestStart posts a start intent. Asynchronous: the outcome is
// observable via Status.
func (c *LaunchController) RequestStart() {
	c.enqueue(intentStart)
}

// RequestStop posts a stop intent. Stop always takes priority over a
// pending automatic retry.
func (c *LaunchController) RequestStop() {
	c.enqueue(intentStop)
}

func (c *LaunchController) enqueue(intent intentKind) {
	select {
	case c.intents <- intent:
	default:
		logger.WarnWithPrefix("launcher", "Intent queue full, dropping intent")
	}
}

func (c *LaunchController) Run(ctx context.Context) {
	c.Metrics.SetLaunchState(domain.LaunchIdle)

	// Keystores present at boot mean the operator expects validation to
	// start as soon as the beacon node is ready.
	if c.Store.Count() > 0 {
		c.transition(domain.LaunchWaiting, fmt.Sprintf("%d keystores present at boot", c.Store.Count()), nil)
		if c.Readiness.Current().Phase == domain.ReadinessReady {
			c.launch(ctx)
		}
	}

	for {
		// Intents are checked first so a stop wins over a due retry.
		select {
		case intent := <-c.intents:
			c.handleIntent(ctx, intent)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return

		case intent := <-c.intents:
			c.handleIntent(ctx, intent)

		case state := <-c.Readiness.Updates():
			if c.Status().State == domain.LaunchWaiting && state.Phase == domain.ReadinessReady {
				c.launch(ctx)
			}

		case exit := <-c.exitCh:
			c.onUnexpectedExit(exit)

		case <-c.retryCh:
			c.retryCh = nil
			c.retryTimer = nil
			if c.Status().State == domain.LaunchCrashed && !c.terminal {
				c.launch(ctx)
			}
		}
	}
}

func (c *LaunchController) handleIntent(ctx context.Context, intent intentKind) {
	switch intent {
	case intentStop:
		c.clearRetry()
		if c.proc != nil {
			c.stopProcess()
		}
		if c.Status().State != domain.LaunchStopped {
			c.transition(domain.LaunchStopped, "stop intent", nil)
		}

	case intentStart:
		switch c.Status().State {
		case domain.LaunchWaiting, domain.LaunchLaunching, domain.LaunchRunning:
			logger.InfoWithPrefix("launcher", "Start intent ignored in state %s", c.Status().State)
			return
		}
		c.clearRetry()
		c.attempts = 0
		c.terminal = false
		if c.Readiness.Current().Phase == domain.ReadinessReady {
			// Readiness already confirmed: no need to re-wait.
			c.launch(ctx)
		} else {
			c.transition(domain.LaunchWaiting, "start intent", nil)
		}
	}
}

// launch runs one attempt. Precondition: no live subprocess.
func (c *LaunchController) launch(ctx context.Context) {
	if c.proc != nil {
		logger.ErrorWithPrefix("launcher", "Refusing to launch: previous subprocess still alive (pid %d)", c.proc.PID())
		return
	}

	c.clearRetry()
	c.attempts++
	c.transition(domain.LaunchLaunching, fmt.Sprintf("attempt %d", c.attempts), nil)

	handle, err := c.Runner.Start(ctx, c.Request)
	if err != nil {
		logger.ErrorWithPrefix("launcher", "Validator client failed to start: %v", err)
		c.onCrash(domain.ProcessExit{Code: -1, Err: err.Error(), At: time.Now()})
		return
	}

	c.proc = handle
	c.exitCh = handle.Exited()
	pid := handle.PID()
	startedAt := time.Now()
	c.transition(domain.LaunchRunning, fmt.Sprintf("pid %d", pid), func(s *domain.LaunchStatus) {
		s.PID = pid
		s.StartedAt = startedAt
		s.LastError = ""
	})

	go c.postLaunchTasks(ctx, pid)
}

// postLaunchTasks runs the best-effort side work that must not block
// the control loop: operator notification and per-validator fee
// recipient configuration through the Keymanager API.
func (c *LaunchController) postLaunchTasks(ctx context.Context, pid int) {
	if c.Notifier != nil {
		if err := c.Notifier.SendValidatorStartedNot(pid); err != nil {
			logger.WarnWithPrefix("launcher", "Error sending start notification: %v", err)
		}
	}

	if c.Keymanager == nil || c.Request.FeeRecipient == "" {
		return
	}
	for _, ks := range c.Store.List() {
		if err := c.Keymanager.SetFeeRecipient(ctx, ks.PublicKey, c.Request.FeeRecipient); err != nil {
			// No retries: a Keymanager failure here is permanent for
			// this launch and left to the operator.
			logger.WarnWithPrefix("launcher", "Failed to set fee recipient for %s: %v", ks.PublicKey, err)
			continue
		}
		logger.InfoWithPrefix("launcher", "Fee recipient %s set for %s", c.Request.FeeRecipient, ks.PublicKey)
	}
}

func (c *LaunchController) onUnexpectedExit(exit domain.ProcessExit) {
	logger.WarnWithPrefix("launcher", "Validator client exited unexpectedly: code=%d err=%s", exit.Code, exit.Err)
	c.proc = nil
	c.exitCh = nil
	c.onCrash(exit)
}

func (c *LaunchController) onCrash(exit domain.ProcessExit) {
	c.terminal = c.attempts >= c.Settings.RetryCeiling
	code := exit.Code
	terminal := c.terminal
	attempts := c.attempts

	detail := fmt.Sprintf("exit code %d, attempt %d", code, attempts)
	if terminal {
		detail += ", retry ceiling reached"
	}
	c.transition(domain.LaunchCrashed, detail, func(s *domain.LaunchStatus) {
		s.PID = 0
		s.LastExitCode = &code
		s.CrashedAt = exit.At
		s.LastError = exit.Err
	})

	if c.Notifier != nil {
		go func() {
			if err := c.Notifier.SendValidatorCrashedNot(code, attempts, terminal); err != nil {
				logger.WarnWithPrefix("launcher", "Error sending crash notification: %v", err)
			}
		}()
	}

	if terminal {
		logger.ErrorWithPrefix("launcher", "Retry ceiling (%d) reached, staying in crashed until manual restart", c.Settings.RetryCeiling)
		return
	}

	delay := c.backoffFor(attempts)
	logger.InfoWithPrefix("launcher", "Scheduling relaunch in %s (attempt %d of %d)", delay, attempts, c.Settings.RetryCeiling)
	c.Metrics.IncRestart()
	c.retryTimer = time.NewTimer(delay)
	c.retryCh = c.retryTimer.C
}

func (c *LaunchController) backoffFor(attempt int) time.Duration {
	delay := c.Settings.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.Settings.BackoffCap {
			return c.Settings.BackoffCap
		}
	}
	if delay > c.Settings.BackoffCap {
		delay = c.Settings.BackoffCap
	}
	return delay
}

// stopProcess terminates the subprocess: SIGTERM, bounded grace, then
// SIGKILL. It blocks until the exit notification is consumed, which is
// what makes a follow-up launch safe.
func (c *LaunchController) stopProcess() {
	pid := c.proc.PID()
	logger.InfoWithPrefix("launcher", "Stopping validator client pid=%d (grace %s)", pid, c.Settings.GracePeriod)
	if err := c.proc.Terminate(); err != nil {
		logger.WarnWithPrefix("launcher", "Error signalling validator client: %v", err)
	}

	select {
	case <-c.exitCh:
	case <-time.After(c.Settings.GracePeriod):
		logger.WarnWithPrefix("launcher", "Grace period exceeded, force-killing pid=%d", pid)
		if err := c.proc.Kill(); err != nil {
			logger.ErrorWithPrefix("launcher", "Error killing validator client: %v", err)
		}
		<-c.exitCh
	}

	c.proc = nil
	c.exitCh = nil
}

func (c *LaunchController) shutdown() {
	c.clearRetry()
	if c.proc != nil {
		c.stopProcess()
		c.transition(domain.LaunchStopped, "controller shutdown", nil)
	}
}

func (c *LaunchController) clearRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
		c.retryCh = nil
	}
}

func (c *LaunchController) transition(to domain.LaunchState, detail string, mutate func(*domain.LaunchStatus)) {
	c.mu.Lock()
	from := c.status.State
	c.status.State = to
	c.status.Attempts = c.attempts
	c.status.Terminal = c.terminal
	if mutate != nil {
		mutate(&c.status)
	}
	c.mu.Unlock()

	logger.InfoWithPrefix("launcher", "Launch state %s -> %s (%s)", from, to, detail)
	c.Metrics.SetLaunchState(to)

	event := domain.LaunchEvent{From: from, To: to, Detail: detail, At: time.Now()}
	if c.Journal != nil {
		journalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Journal.RecordLaunchEvent(journalCtx, event); err != nil {
			logger.WarnWithPrefix("launcher", "Failed to journal transition: %v", err)
		}
		cancel()
	}

	select {
	case c.events <- event:
	default:
	}
}
