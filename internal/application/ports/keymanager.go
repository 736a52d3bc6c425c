package ports

import (
	"context"

	"github.com/dappnode/validator-launcher/internal/application/domain"
)

// KeymanagerPort talks to the running validator client's Keymanager
// API. Calls are best-effort and never retried: a timeout is treated
// as a permanent error for the current launch.
type KeymanagerPort interface {
	SetFeeRecipient(ctx context.Context, publicKey domain.PublicKey, address string) error
}
