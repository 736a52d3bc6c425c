package ports

import (
	"context"

	"github.com/dappnode/validator-launcher/internal/application/domain"
)

// ProcessHandle supervises one running validator-client subprocess.
// Exactly one ProcessExit is delivered on the Exited channel, whether
// the process crashed, exited cleanly, or was killed.
type ProcessHandle interface {
	PID() int
	Exited() <-chan domain.ProcessExit

	// Terminate sends the graceful termination signal.
	Terminate() error

	// Kill force-kills the process. Used after the grace period.
	Kill() error
}

// ValidatorRunnerPort starts a validator client from a launch request.
// Arguments are passed as a discrete vector, never through a shell.
type ValidatorRunnerPort interface {
	Start(ctx context.Context, req domain.LaunchRequest) (ProcessHandle, error)
}
