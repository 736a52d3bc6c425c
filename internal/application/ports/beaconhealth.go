package ports

import (
	"context"

	"github.com/dappnode/validator-launcher/internal/application/domain"
)

// BeaconHealthPort probes the external beacon node. A non-nil error
// means the probe itself failed (timeout, refused connection); the
// watcher folds it into ReadinessUnknown, it is never fatal.
type BeaconHealthPort interface {
	CheckHealth(ctx context.Context) (domain.HealthCheck, error)
}
