package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
)

// fakeHandle is a controllable subprocess stand-in. Tests drive exits
// through exit; Terminate and Kill deliver one themselves.
type fakeHandle struct {
	pid    int
	exited chan domain.ProcessExit

	mu     sync.Mutex
	done   bool
	onExit func()

	terminated bool
	killed     bool
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Exited() <-chan domain.ProcessExit { return h.exited }

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	h.exit(0, "")
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(-1, "killed")
	return nil
}

func (h *fakeHandle) exit(code int, errMsg string) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()

	h.onExit()
	h.exited <- domain.ProcessExit{Code: code, Err: errMsg, At: time.Now()}
}

// fakeRunner hands out fakeHandles and fails the test if a second
// subprocess is started while one is still alive.
type fakeRunner struct {
	t *testing.T

	mu       sync.Mutex
	live     int
	starts   int
	handles  []*fakeHandle
	startErr error
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{t: t}
}

func (r *fakeRunner) Start(ctx context.Context, req domain.LaunchRequest) (ports.ProcessHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startErr != nil {
		return nil, r.startErr
	}
	if r.live > 0 {
		r.t.Errorf("second subprocess started while one is still alive")
	}
	r.live++
	r.starts++
	handle := &fakeHandle{
		pid:    1000 + r.starts,
		exited: make(chan domain.ProcessExit, 1),
	}
	handle.onExit = func() {
		r.mu.Lock()
		r.live--
		r.mu.Unlock()
	}
	r.handles = append(r.handles, handle)
	return handle, nil
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRunner) lastHandle() *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) == 0 {
		return nil
	}
	return r.handles[len(r.handles)-1]
}

// fakeReadiness is a hand-driven ReadinessSource.
type fakeReadiness struct {
	mu      sync.Mutex
	state   domain.ReadinessState
	updates chan domain.ReadinessState
}

func newFakeReadiness(phase domain.ReadinessPhase) *fakeReadiness {
	return &fakeReadiness{
		state:   domain.ReadinessState{Phase: phase},
		updates: make(chan domain.ReadinessState, 16),
	}
}

func (f *fakeReadiness) Current() domain.ReadinessState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeReadiness) Updates() <-chan domain.ReadinessState {
	return f.updates
}

func (f *fakeReadiness) set(phase domain.ReadinessPhase) {
	f.mu.Lock()
	f.state = domain.ReadinessState{Phase: phase, CheckedAt: time.Now()}
	state := f.state
	f.mu.Unlock()
	f.updates <- state
}

// fakeStore is an in-memory KeystoreStorePort; the controller only
// reads Count and List.
type fakeStore struct {
	mu        sync.Mutex
	keystores []domain.Keystore
}

func (s *fakeStore) Add(ks domain.Keystore, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keystores = append(s.keystores, ks)
	return nil
}

func (s *fakeStore) List() []domain.Keystore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Keystore(nil), s.keystores...)
}

func (s *fakeStore) Remove(publicKey domain.PublicKey) error { return nil }

func (s *fakeStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keystores)
}

func (s *fakeStore) Inconsistent() (bool, string) { return false, "" }

func testSettings() LaunchSettings {
	return LaunchSettings{
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		RetryCeiling: 3,
		GracePeriod:  time.Second,
	}
}

func startController(t *testing.T, runner *fakeRunner, store ports.KeystoreStorePort, readiness ReadinessSource) *LaunchController {
	t.Helper()
	controller := NewLaunchController(runner, store, readiness, domain.LaunchRequest{Network: "hoodi"}, testSettings())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go controller.Run(ctx)
	return controller
}

func waitForState(t *testing.T, controller *LaunchController, want domain.LaunchState) domain.LaunchStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status := controller.Status()
		if status.State == want {
			return status
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, currently %s", want, controller.Status().State)
	return domain.LaunchStatus{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestControllerStartWhenReady(t *testing.T) {
	runner := newFakeRunner(t)
	controller := startController(t, runner, &fakeStore{}, newFakeReadiness(domain.ReadinessReady))

	controller.RequestStart()
	status := waitForState(t, controller, domain.LaunchRunning)

	if status.PID == 0 {
		t.Error("running status must carry the subprocess pid")
	}
	if runner.startCount() != 1 {
		t.Errorf("expected exactly one start, got %d", runner.startCount())
	}
}

func TestControllerWaitsForReadiness(t *testing.T) {
	runner := newFakeRunner(t)
	readiness := newFakeReadiness(domain.ReadinessSyncing)
	controller := startController(t, runner, &fakeStore{}, readiness)

	controller.RequestStart()
	waitForState(t, controller, domain.LaunchWaiting)

	if runner.startCount() != 0 {
		t.Fatalf("launched before readiness was confirmed")
	}

	readiness.set(domain.ReadinessReady)
	waitForState(t, controller, domain.LaunchRunning)
}

func TestControllerBootsIntoWaitingWithKeystores(t *testing.T) {
	runner := newFakeRunner(t)
	store := &fakeStore{}
	store.Add(domain.Keystore{PublicKey: "0xabc"}, "pw")

	controller := startController(t, runner, store, newFakeReadiness(domain.ReadinessUnknown))
	waitForState(t, controller, domain.LaunchWaiting)

	if runner.startCount() != 0 {
		t.Errorf("boot must not launch before readiness")
	}
}

func TestControllerRetriesUntilCeiling(t *testing.T) {
	runner := newFakeRunner(t)
	controller := startController(t, runner, &fakeStore{}, newFakeReadiness(domain.ReadinessReady))

	controller.RequestStart()
	waitForState(t, controller, domain.LaunchRunning)

	// Crash every incarnation; the controller relaunches with backoff
	// until the ceiling, then parks in a terminal crashed state.
	for i := 0; i < 3; i++ {
		incarnation := i + 1
		waitFor(t, "a live subprocess", func() bool {
			return runner.startCount() == incarnation && controller.Status().State == domain.LaunchRunning
		})
		runner.lastHandle().exit(2, "boom")
	}

	waitFor(t, "terminal status", func() bool { return controller.Status().Terminal })
	status := controller.Status()
	if status.State != domain.LaunchCrashed {
		t.Fatalf("expected crashed, got %s", status.State)
	}
	if status.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", status.Attempts)
	}
	if status.LastExitCode == nil || *status.LastExitCode != 2 {
		t.Errorf("expected last exit code 2, got %v", status.LastExitCode)
	}
	if runner.startCount() != 3 {
		t.Errorf("expected 3 starts total, got %d", runner.startCount())
	}

	// No relaunch after the ceiling.
	time.Sleep(20 * time.Millisecond)
	if runner.startCount() != 3 {
		t.Errorf("terminal crashed state must not relaunch, got %d starts", runner.startCount())
	}
}

func TestControllerManualRestartAfterTerminalCrash(t *testing.T) {
	runner := newFakeRunner(t)
	controller := startController(t, runner, &fakeStore{}, newFakeReadiness(domain.ReadinessReady))

	controller.RequestStart()
	for i := 0; i < 3; i++ {
		incarnation := i + 1
		waitFor(t, "a live subprocess", func() bool {
			return runner.startCount() == incarnation && controller.Status().State == domain.LaunchRunning
		})
		runner.lastHandle().exit(1, "boom")
	}
	waitFor(t, "terminal status", func() bool { return controller.Status().Terminal })

	// A manual start resets the attempt budget.
	controller.RequestStart()
	status := waitForState(t, controller, domain.LaunchRunning)
	if status.Attempts != 1 {
		t.Errorf("manual restart should reset attempts, got %d", status.Attempts)
	}
	if status.Terminal {
		t.Error("manual restart should clear the terminal flag")
	}
}

func TestControllerStop(t *testing.T) {
	runner := newFakeRunner(t)
	controller := startController(t, runner, &fakeStore{}, newFakeReadiness(domain.ReadinessReady))

	controller.RequestStart()
	waitForState(t, controller, domain.LaunchRunning)

	controller.RequestStop()
	waitForState(t, controller, domain.LaunchStopped)

	handle := runner.lastHandle()
	handle.mu.Lock()
	terminated, killed := handle.terminated, handle.killed
	handle.mu.Unlock()
	if !terminated {
		t.Error("stop must signal graceful termination")
	}
	if killed {
		t.Error("graceful exit must not be force-killed")
	}
}

func TestControllerStopWhileWaitingIsClean(t *testing.T) {
	runner := newFakeRunner(t)
	controller := startController(t, runner, &fakeStore{}, newFakeReadiness(domain.ReadinessSyncing))

	controller.RequestStart()
	waitForState(t, controller, domain.LaunchWaiting)
	controller.RequestStop()
	waitForState(t, controller, domain.LaunchStopped)

	if runner.startCount() != 0 {
		t.Errorf("nothing should have launched, got %d starts", runner.startCount())
	}
}

func TestControllerStartStopStartIsSerial(t *testing.T) {
	runner := newFakeRunner(t)
	controller := startController(t, runner, &fakeStore{}, newFakeReadiness(domain.ReadinessReady))

	// The fake runner fails the test if two subprocesses ever overlap.
	for i := 0; i < 3; i++ {
		controller.RequestStart()
		waitForState(t, controller, domain.LaunchRunning)
		controller.RequestStop()
		waitForState(t, controller, domain.LaunchStopped)
	}

	if runner.startCount() != 3 {
		t.Errorf("expected 3 sequential starts, got %d", runner.startCount())
	}
}

func TestControllerStartIntentIdempotentWhileRunning(t *testing.T) {
	runner := newFakeRunner(t)
	controller := startController(t, runner, &fakeStore{}, newFakeReadiness(domain.ReadinessReady))

	controller.RequestStart()
	waitForState(t, controller, domain.LaunchRunning)

	controller.RequestStart()
	controller.RequestStart()
	time.Sleep(20 * time.Millisecond)

	if runner.startCount() != 1 {
		t.Errorf("start while running must be a no-op, got %d starts", runner.startCount())
	}
	if controller.Status().State != domain.LaunchRunning {
		t.Errorf("state changed to %s", controller.Status().State)
	}
}

func TestControllerStartFailureCountsAsCrash(t *testing.T) {
	runner := newFakeRunner(t)
	runner.startErr = errors.New("binary not found")
	controller := startController(t, runner, &fakeStore{}, newFakeReadiness(domain.ReadinessReady))

	controller.RequestStart()
	waitFor(t, "terminal crashed state", func() bool {
		status := controller.Status()
		return status.State == domain.LaunchCrashed && status.Terminal
	})

	status := controller.Status()
	if status.Attempts != 3 {
		t.Errorf("expected the full retry budget, got %d attempts", status.Attempts)
	}
	if status.LastError == "" {
		t.Error("start failure must surface in LastError")
	}
}

func TestControllerEmitsEvents(t *testing.T) {
	runner := newFakeRunner(t)
	controller := startController(t, runner, &fakeStore{}, newFakeReadiness(domain.ReadinessReady))

	controller.RequestStart()
	waitForState(t, controller, domain.LaunchRunning)

	var transitions []domain.LaunchState
	for len(transitions) < 2 {
		select {
		case event := <-controller.Events():
			transitions = append(transitions, event.To)
		case <-time.After(time.Second):
			t.Fatalf("timed out collecting transitions, got %v", transitions)
		}
	}

	if transitions[0] != domain.LaunchLaunching || transitions[1] != domain.LaunchRunning {
		t.Errorf("unexpected transition order %v", transitions)
	}
}
