package ports

import (
	"context"

	"github.com/dappnode/validator-launcher/internal/application/domain"
)

// LaunchJournalPort persists launch state transitions and keystore
// operations for operator inspection. The journal is advisory: a write
// failure never blocks a transition.
type LaunchJournalPort interface {
	RecordLaunchEvent(ctx context.Context, event domain.LaunchEvent) error
	RecordKeystoreEvent(ctx context.Context, operation string, publicKey domain.PublicKey) error
	RecentLaunchEvents(ctx context.Context, limit int) ([]domain.LaunchEvent, error)
}
