// Package keystore persists hidden service key seeds under a data
// directory, one hex-encoded file per service nickname.
package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/quietlane/quietlane/internal/onionv3"
)

const (
	// keyFileSuffix is appended to the nickname to form the key file name.
	keyFileSuffix = ".key"

	// lockFileName guards mutating operations against concurrent
	// processes sharing the same directory.
	lockFileName = ".lock"

	// maxNicknameLen bounds nickname length to keep file names sane.
	maxNicknameLen = 64
)

var (
	// ErrKeyNotFound is returned when no key exists for a nickname.
	ErrKeyNotFound = errors.New("service key not found")

	// ErrInvalidNickname is returned for empty, oversized or unsafe
	// nicknames.
	ErrInvalidNickname = errors.New("invalid service nickname")
)

// Store is a directory of service key seeds. Keys are written atomically
// with permissions 0600; mutating operations take an advisory file lock on
// platforms that support one.
type Store struct {
	dir string
}

// Open prepares a key store rooted at dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save persists a 32-byte secret seed under nickname, replacing any
// previous key.
func (s *Store) Save(nickname string, secret []byte) error {
	nickname, err := NormalizeNickname(nickname)
	if err != nil {
		return err
	}
	if len(secret) != onionv3.SecretKeySize {
		return fmt.Errorf("%w: got %d bytes", onionv3.ErrInvalidKeyLength, len(secret))
	}

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	path := s.keyPath(nickname)
	tempPath := path + ".tmp"
	data := hex.EncodeToString(secret) + "\n"
	if err := os.WriteFile(tempPath, []byte(data), 0600); err != nil {
		return fmt.Errorf("failed to write service key: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist service key: %w", err)
	}
	return nil
}

// Load returns the secret seed stored under nickname.
func (s *Store) Load(nickname string) ([]byte, error) {
	nickname, err := NormalizeNickname(nickname)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.keyPath(nickname))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, nickname)
		}
		return nil, fmt.Errorf("failed to read service key: %w", err)
	}

	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("malformed service key for %s: %w", nickname, err)
	}
	if len(secret) != onionv3.SecretKeySize {
		return nil, fmt.Errorf("%w: key file for %s holds %d bytes",
			onionv3.ErrInvalidKeyLength, nickname, len(secret))
	}
	return secret, nil
}

// LoadOrCreate loads the key for nickname, generating and persisting a
// fresh one when none exists. The second result reports whether a new key
// was created.
func (s *Store) LoadOrCreate(nickname string) ([]byte, bool, error) {
	secret, err := s.Load(nickname)
	if err == nil {
		return secret, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	addr, err := onionv3.Generate()
	if err != nil {
		return nil, false, err
	}
	secret = addr.SecretKey()
	if err := s.Save(nickname, secret); err != nil {
		return nil, false, err
	}
	return secret, true, nil
}

// Exists reports whether a key is stored under nickname.
func (s *Store) Exists(nickname string) bool {
	nickname, err := NormalizeNickname(nickname)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.keyPath(nickname))
	return err == nil
}

// Delete removes the key stored under nickname.
func (s *Store) Delete(nickname string) error {
	nickname, err := NormalizeNickname(nickname)
	if err != nil {
		return err
	}

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.keyPath(nickname)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, nickname)
		}
		return fmt.Errorf("failed to delete service key: %w", err)
	}
	return nil
}

// List returns the nicknames of all stored keys, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key store directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, keyFileSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, keyFileSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// Address derives the onion address of the service stored under nickname.
func (s *Store) Address(nickname string) (string, error) {
	secret, err := s.Load(nickname)
	if err != nil {
		return "", err
	}
	addr, err := onionv3.FromSecret(secret)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

func (s *Store) keyPath(nickname string) string {
	return filepath.Join(s.dir, nickname+keyFileSuffix)
}

// NormalizeNickname canonicalizes a service nickname to NFC and validates
// that it is non-empty, at most 64 characters, and uses only letters,
// digits, hyphens and underscores.
func NormalizeNickname(nickname string) (string, error) {
	nickname = norm.NFC.String(strings.TrimSpace(nickname))
	if nickname == "" || len(nickname) > maxNicknameLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidNickname, nickname)
	}
	for _, r := range nickname {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return "", fmt.Errorf("%w: %q", ErrInvalidNickname, nickname)
		}
	}
	return nickname, nil
}
