package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
	"github.com/dappnode/validator-launcher/internal/logger"
)

// Store owns the on-disk keystore directory:
//
//	<dir>/keystores/<pubkey>.json
//	<dir>/secrets/<pubkey>
//
// All mutations are serialized behind one mutex and every file lands
// via write-to-temp-then-rename, so a crash mid-write never exposes a
// partial keystore to the launch controller.
type Store struct {
	mu          sync.Mutex
	keystoreDir string
	secretsDir  string
	index       map[domain.PublicKey]domain.Keystore

	inconsistent       bool
	inconsistentReason string
}

func NewStore(baseDir string) (*Store, error) {
	s := &Store{
		keystoreDir: filepath.Join(baseDir, "keystores"),
		secretsDir:  filepath.Join(baseDir, "secrets"),
		index:       make(map[domain.PublicKey]domain.Keystore),
	}
	for _, dir := range []string{s.keystoreDir, s.secretsDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// KeystoreDir and SecretsDir expose the directory layout for the
// launch request. The controller reads these, never writes them.
func (s *Store) KeystoreDir() string { return s.keystoreDir }
func (s *Store) SecretsDir() string  { return s.secretsDir }

// scan rebuilds the index from disk at construction. Files that do not
// parse are logged and skipped rather than wedging startup.
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.keystoreDir)
	if err != nil {
		return fmt.Errorf("scanning keystore dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.keystoreDir, entry.Name())
		blob, err := os.ReadFile(path)
		if err != nil {
			logger.WarnWithPrefix("keystore", "Skipping unreadable keystore %s: %v", path, err)
			continue
		}
		var header struct {
			Pubkey string `json:"pubkey"`
			Path   string `json:"path"`
			Crypto struct {
				KDF struct {
					Function string `json:"function"`
				} `json:"kdf"`
			} `json:"crypto"`
		}
		if err := json.Unmarshal(blob, &header); err != nil {
			logger.WarnWithPrefix("keystore", "Skipping unparsable keystore %s: %v", path, err)
			continue
		}
		pubkey, err := canonicalPubkey(header.Pubkey)
		if err != nil {
			logger.WarnWithPrefix("keystore", "Skipping keystore %s: %v", path, err)
			continue
		}
		s.index[pubkey] = domain.Keystore{
			PublicKey:  pubkey,
			KDF:        header.Crypto.KDF.Function,
			Path:       header.Path,
			Blob:       blob,
			FilePath:   path,
			SecretPath: filepath.Join(s.secretsDir, string(pubkey)),
		}
	}
	logger.InfoWithPrefix("keystore", "Loaded %d keystores from %s", len(s.index), s.keystoreDir)
	return nil
}

// Add persists the keystore blob and its password file. Duplicates are
// rejected without touching the store; operators must remove first.
func (s *Store) Add(ks domain.Keystore, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inconsistent {
		return ports.ErrInconsistent
	}
	if _, exists := s.index[ks.PublicKey]; exists {
		return fmt.Errorf("%w: %s", ports.ErrDuplicateKey, ks.PublicKey)
	}

	ks.FilePath = filepath.Join(s.keystoreDir, string(ks.PublicKey)+".json")
	ks.SecretPath = filepath.Join(s.secretsDir, string(ks.PublicKey))

	if err := atomicWrite(ks.FilePath, ks.Blob, 0600); err != nil {
		return fmt.Errorf("writing keystore: %w", err)
	}
	if err := atomicWrite(ks.SecretPath, []byte(password), 0600); err != nil {
		// Roll back the keystore file so the pair stays consistent.
		if rmErr := os.Remove(ks.FilePath); rmErr != nil {
			s.markInconsistent(fmt.Sprintf("keystore %s written but password write and rollback both failed", ks.PublicKey))
		}
		return fmt.Errorf("writing password file: %w", err)
	}

	s.index[ks.PublicKey] = ks
	return nil
}

// List returns stored keystores ordered by public key.
func (s *Store) List() []domain.Keystore {
	s.mu.Lock()
	defer s.mu.Unlock()

	keystores := make([]domain.Keystore, 0, len(s.index))
	for _, ks := range s.index {
		keystores = append(keystores, ks)
	}
	sort.Slice(keystores, func(i, j int) bool {
		return keystores[i].PublicKey < keystores[j].PublicKey
	})
	return keystores
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Remove deletes both artifacts for a public key. If exactly one
// deletion succeeds the store is flagged inconsistent and refuses
// further mutations; destructive operations are never auto-retried.
func (s *Store) Remove(publicKey domain.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inconsistent {
		return ports.ErrInconsistent
	}
	ks, exists := s.index[publicKey]
	if !exists {
		return fmt.Errorf("%w: %s", ports.ErrNotFound, publicKey)
	}

	keystoreErr := removeIfPresent(ks.FilePath)
	secretErr := removeIfPresent(ks.SecretPath)

	if keystoreErr != nil && secretErr != nil {
		// Nothing was deleted; the pair is still intact.
		return fmt.Errorf("removing keystore %s: %v; removing password file: %v", publicKey, keystoreErr, secretErr)
	}
	if keystoreErr != nil || secretErr != nil {
		s.markInconsistent(fmt.Sprintf("partial removal of %s: keystore err=%v, secret err=%v", publicKey, keystoreErr, secretErr))
		delete(s.index, publicKey)
		return fmt.Errorf("%w: %s", ports.ErrPartialRemoval, publicKey)
	}

	delete(s.index, publicKey)
	return nil
}

func (s *Store) Inconsistent() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inconsistent, s.inconsistentReason
}

func (s *Store) markInconsistent(reason string) {
	s.inconsistent = true
	s.inconsistentReason = reason
	logger.ErrorWithPrefix("keystore", "Store flagged inconsistent: %s", reason)
}

func removeIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// atomicWrite writes data to a temporary sibling, syncs it, renames it
// into place and syncs the parent directory. Readers never see a
// partial file.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
