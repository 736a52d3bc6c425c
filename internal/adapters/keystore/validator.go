package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const pubkeyLength = 48

// eip2335 models the EIP-2335 keystore schema. Params are decoded per
// KDF function once the function name is known.
type eip2335 struct {
	Version uint64 `json:"version"`
	UUID    string `json:"uuid"`
	Path    string `json:"path"`
	Pubkey  string `json:"pubkey"`
	Crypto  struct {
		KDF      cryptoModule `json:"kdf"`
		Checksum cryptoModule `json:"checksum"`
		Cipher   cryptoModule `json:"cipher"`
	} `json:"crypto"`
}

type cryptoModule struct {
	Function string          `json:"function"`
	Params   json.RawMessage `json:"params"`
	Message  string          `json:"message"`
}

type scryptParams struct {
	DKLen int    `json:"dklen"`
	N     int    `json:"n"`
	R     int    `json:"r"`
	P     int    `json:"p"`
	Salt  string `json:"salt"`
}

type pbkdf2Params struct {
	DKLen int    `json:"dklen"`
	C     int    `json:"c"`
	PRF   string `json:"prf"`
	Salt  string `json:"salt"`
}

type cipherParams struct {
	IV string `json:"iv"`
}

// Validator implements ports.KeystoreValidatorPort. Pure function over
// the input bytes: no disk, no network, and the password is never
// logged or retained.
type Validator struct{}

func NewValidator() ports.KeystoreValidatorPort {
	return &Validator{}
}

func malformed(format string, v ...interface{}) *domain.ValidationError {
	return &domain.ValidationError{Kind: domain.Malformed, Message: fmt.Sprintf(format, v...)}
}

// Validate checks the blob against the EIP-2335 schema. With a
// password it additionally derives the decryption key, verifies the
// checksum over the encrypted material, decrypts the secret and checks
// that its derived public key matches the stated one. Without a
// password only schema validation is possible: the EIP-2335 checksum
// covers password-derived bytes.
func (v *Validator) Validate(blob []byte, password string) (domain.Keystore, error) {
	var ks eip2335
	decoder := json.NewDecoder(bytes.NewReader(blob))
	if err := decoder.Decode(&ks); err != nil {
		return domain.Keystore{}, malformed("not valid JSON: %v", err)
	}

	if ks.Version != 4 {
		return domain.Keystore{}, malformed("unsupported version %d, want 4", ks.Version)
	}

	pubkey, err := canonicalPubkey(ks.Pubkey)
	if err != nil {
		return domain.Keystore{}, malformed("pubkey: %v", err)
	}

	ciphertext, err := hexField("cipher.message", ks.Crypto.Cipher.Message, 0)
	if err != nil {
		return domain.Keystore{}, malformed("%v", err)
	}
	if len(ciphertext) == 0 {
		return domain.Keystore{}, malformed("cipher.message is empty")
	}

	checksum, err := hexField("checksum.message", ks.Crypto.Checksum.Message, sha256.Size)
	if err != nil {
		return domain.Keystore{}, malformed("%v", err)
	}
	if ks.Crypto.Checksum.Function != "sha256" {
		return domain.Keystore{}, malformed("unsupported checksum function %q", ks.Crypto.Checksum.Function)
	}

	if ks.Crypto.Cipher.Function != "aes-128-ctr" {
		return domain.Keystore{}, malformed("unsupported cipher function %q", ks.Crypto.Cipher.Function)
	}
	var cp cipherParams
	if err := json.Unmarshal(ks.Crypto.Cipher.Params, &cp); err != nil {
		return domain.Keystore{}, malformed("cipher params: %v", err)
	}
	iv, err := hexField("cipher.params.iv", cp.IV, aes.BlockSize)
	if err != nil {
		return domain.Keystore{}, malformed("%v", err)
	}

	deriveKey, err := kdfFromModule(ks.Crypto.KDF)
	if err != nil {
		return domain.Keystore{}, err
	}

	result := domain.Keystore{
		PublicKey: pubkey,
		KDF:       ks.Crypto.KDF.Function,
		Path:      ks.Path,
		Blob:      blob,
	}

	if password == "" {
		return result, nil
	}

	dk, err := deriveKey([]byte(password))
	if err != nil {
		return domain.Keystore{}, malformed("key derivation: %v", err)
	}

	mac := sha256.Sum256(append(append([]byte{}, dk[16:32]...), ciphertext...))
	if !bytes.Equal(mac[:], checksum) {
		return domain.Keystore{}, &domain.ValidationError{
			Kind:    domain.ChecksumMismatch,
			Message: "checksum does not match encrypted material",
		}
	}

	secret := make([]byte, len(ciphertext))
	block, err := aes.NewCipher(dk[:16])
	if err != nil {
		return domain.Keystore{}, malformed("cipher init: %v", err)
	}
	cipher.NewCTR(block, iv).XORKeyStream(secret, ciphertext)

	derived, err := derivePublicKey(secret)
	if err != nil {
		return domain.Keystore{}, malformed("secret key: %v", err)
	}
	if derived != pubkey {
		return domain.Keystore{}, &domain.ValidationError{
			Kind:    domain.KeyMismatch,
			Message: "decrypted secret does not derive the stated public key",
		}
	}

	return result, nil
}

// kdfFromModule validates the KDF parameters and returns the
// derivation function. Only the two EIP-2335 KDFs are accepted.
func kdfFromModule(m cryptoModule) (func(password []byte) ([]byte, error), error) {
	switch m.Function {
	case "scrypt":
		var p scryptParams
		if err := json.Unmarshal(m.Params, &p); err != nil {
			return nil, malformed("scrypt params: %v", err)
		}
		salt, err := hexField("kdf.params.salt", p.Salt, 0)
		if err != nil {
			return nil, malformed("%v", err)
		}
		if p.DKLen < 32 {
			return nil, malformed("scrypt dklen %d too short", p.DKLen)
		}
		if p.N <= 1 || p.N&(p.N-1) != 0 {
			return nil, malformed("scrypt n %d is not a power of two > 1", p.N)
		}
		if p.R <= 0 || p.P <= 0 {
			return nil, malformed("scrypt r/p must be positive")
		}
		return func(password []byte) ([]byte, error) {
			return scrypt.Key(password, salt, p.N, p.R, p.P, p.DKLen)
		}, nil

	case "pbkdf2":
		var p pbkdf2Params
		if err := json.Unmarshal(m.Params, &p); err != nil {
			return nil, malformed("pbkdf2 params: %v", err)
		}
		salt, err := hexField("kdf.params.salt", p.Salt, 0)
		if err != nil {
			return nil, malformed("%v", err)
		}
		if p.DKLen < 32 {
			return nil, malformed("pbkdf2 dklen %d too short", p.DKLen)
		}
		if p.C <= 0 {
			return nil, malformed("pbkdf2 iteration count must be positive")
		}
		if p.PRF != "hmac-sha256" {
			return nil, malformed("unsupported pbkdf2 prf %q", p.PRF)
		}
		return func(password []byte) ([]byte, error) {
			return pbkdf2.Key(password, salt, p.C, p.DKLen, sha256.New), nil
		}, nil

	default:
		return nil, malformed("unsupported kdf function %q", m.Function)
	}
}

// derivePublicKey computes the compressed BLS12-381 public key for a
// 32-byte big-endian secret scalar.
func derivePublicKey(secret []byte) (domain.PublicKey, error) {
	if len(secret) != 32 {
		return "", fmt.Errorf("expected a 32-byte secret, got %d bytes", len(secret))
	}

	var sk fr.Element
	sk.SetBytes(secret)
	if sk.IsZero() {
		return "", fmt.Errorf("secret scalar is zero")
	}

	_, _, g1, _ := bls12381.Generators()
	var pk bls12381.G1Affine
	pk.ScalarMultiplication(&g1, sk.BigInt(new(big.Int)))

	compressed := pk.Bytes()
	return domain.PublicKey("0x" + hex.EncodeToString(compressed[:])), nil
}

// canonicalPubkey normalizes a hex public key to 0x-prefixed lowercase
// and checks it is exactly 48 bytes.
func canonicalPubkey(raw string) (domain.PublicKey, error) {
	s := strings.ToLower(strings.TrimPrefix(raw, "0x"))
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("not valid hex: %q", raw)
	}
	if len(decoded) != pubkeyLength {
		return "", fmt.Errorf("expected %d bytes, got %d", pubkeyLength, len(decoded))
	}
	return domain.PublicKey("0x" + s), nil
}

// hexField decodes a hex string field, optionally enforcing a length.
func hexField(name, value string, wantLen int) ([]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(value, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex", name)
	}
	if wantLen > 0 && len(decoded) != wantLen {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", name, wantLen, len(decoded))
	}
	return decoded, nil
}
