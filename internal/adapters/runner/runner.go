package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
	"github.com/dappnode/validator-launcher/internal/logger"
)

// Runner starts the validator-client binary. Arguments are passed as a
// discrete vector derived from the launch request; nothing goes
// through a shell.
type Runner struct {
	Binary string
}

func NewRunner(binary string) ports.ValidatorRunnerPort {
	return &Runner{Binary: binary}
}

func (r *Runner) Start(ctx context.Context, req domain.LaunchRequest) (ports.ProcessHandle, error) {
	args := BuildArgs(req)

	cmd := exec.Command(r.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting validator client: %w", err)
	}
	logger.InfoWithPrefix("runner", "Started validator client pid=%d binary=%s", cmd.Process.Pid, r.Binary)

	h := &handle{
		cmd:    cmd,
		exited: make(chan domain.ProcessExit, 1),
	}
	go h.wait()
	return h, nil
}

// BuildArgs assembles the Lighthouse validator-client argument vector
// from a launch request. Optional settings are omitted when unset.
func BuildArgs(req domain.LaunchRequest) []string {
	args := []string{
		"validator_client",
		"--network", req.Network,
		"--beacon-nodes", req.BeaconEndpoint,
		"--validators-dir", req.KeystoreDir,
		"--secrets-dir", req.SecretsDir,
		"--debug-level", req.LogLevel,
	}
	if req.FeeRecipient != "" {
		args = append(args, "--suggested-fee-recipient", req.FeeRecipient)
	}
	if req.Graffiti != "" {
		args = append(args, "--graffiti", req.Graffiti)
	}
	return args
}

type handle struct {
	cmd    *exec.Cmd
	exited chan domain.ProcessExit

	mu   sync.Mutex
	done bool
}

func (h *handle) PID() int {
	return h.cmd.Process.Pid
}

func (h *handle) Exited() <-chan domain.ProcessExit {
	return h.exited
}

// wait delivers exactly one exit notification. "Process died" becomes
// a first-class event for the controller loop instead of an unobserved
// side effect.
func (h *handle) wait() {
	err := h.cmd.Wait()

	exit := domain.ProcessExit{At: time.Now()}
	if state := h.cmd.ProcessState; state != nil {
		exit.Code = state.ExitCode()
	} else {
		exit.Code = -1
	}
	if err != nil {
		exit.Err = err.Error()
	}

	h.mu.Lock()
	h.done = true
	h.mu.Unlock()

	h.exited <- exit
}

func (h *handle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *handle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil
	}
	return h.cmd.Process.Kill()
}
