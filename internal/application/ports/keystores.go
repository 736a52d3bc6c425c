package ports

import (
	"errors"

	"github.com/dappnode/validator-launcher/internal/application/domain"
)

// Sentinel errors shared by store implementations and the API layer,
// which maps them to HTTP status codes.
var (
	ErrDuplicateKey   = errors.New("keystore already exists for public key")
	ErrNotFound       = errors.New("no keystore for public key")
	ErrInconsistent   = errors.New("keystore store is in an inconsistent state, operator intervention required")
	ErrPartialRemoval = errors.New("partial keystore removal")
)

// KeystoreValidatorPort validates an EIP-2335 keystore blob. A
// non-empty password additionally verifies the checksum and that the
// decrypted secret derives the stated public key. Pure: no disk or
// network access, the password is never retained.
type KeystoreValidatorPort interface {
	Validate(blob []byte, password string) (domain.Keystore, error)
}

// KeystoreStorePort owns the on-disk keystore directory. All mutations
// are serialized by the implementation; the launch controller only
// reads the directory paths it exposes.
type KeystoreStorePort interface {
	// Add persists a validated keystore and its password file.
	// Duplicate public keys are rejected without mutating the store.
	Add(keystore domain.Keystore, password string) error

	// List returns the stored keystores ordered by public key.
	List() []domain.Keystore

	// Remove deletes the keystore and password artifacts for a public
	// key. Removing an absent key returns ErrNotFound every time.
	Remove(publicKey domain.PublicKey) error

	// Count returns the number of stored keystores.
	Count() int

	// Inconsistent reports whether a partial removal left the store in
	// a state requiring operator intervention, with the reason.
	Inconsistent() (bool, string)
}
