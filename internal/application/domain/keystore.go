package domain

import "fmt"

// PublicKey is a BLS public key in canonical form: "0x" followed by
// 96 lowercase hex characters (48 bytes).
type PublicKey string

// Keystore is a validated EIP-2335 keystore. The blob is kept verbatim
// so the store writes exactly what the operator submitted.
type Keystore struct {
	PublicKey PublicKey
	KDF       string // "scrypt" or "pbkdf2"
	Path      string // derivation path declared in the keystore, may be empty
	Blob      []byte // raw keystore JSON

	// Set by the store once the keystore is on disk.
	FilePath   string
	SecretPath string
}

// --------------------------------------------------------

type ValidationErrorKind string

const (
	Malformed        ValidationErrorKind = "malformed"
	ChecksumMismatch ValidationErrorKind = "checksum_mismatch"
	KeyMismatch      ValidationErrorKind = "key_mismatch"
)

// ValidationError describes why a keystore blob was rejected. It never
// carries secret material.
type ValidationError struct {
	Kind    ValidationErrorKind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("keystore validation failed (%s): %s", e.Kind, e.Message)
}
