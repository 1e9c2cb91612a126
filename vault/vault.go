package vault

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"depositbox/crypto"
	"depositbox/fileutil"
	"depositbox/protocol"
	"depositbox/registry"
)

const (
	// CiphertextSuffix marks the hybrid-encrypted content file.
	CiphertextSuffix = ".enc"
	// DigestSuffix marks the key-protected hex digest file.
	DigestSuffix = ".sha"
)

var (
	// ErrNotFound indicates the ciphertext or digest file is absent.
	ErrNotFound = errors.New("vault: file not found")
	// ErrCorrupted indicates stored content failed decryption or digest verification.
	ErrCorrupted = errors.New("vault: file has been corrupted")
	// ErrInvalidFilename indicates a name that is not a single path element.
	ErrInvalidFilename = errors.New("vault: invalid file name")
)

// Users resolves the owner of a stored file.
type Users interface {
	Lookup(username string) (*registry.User, error)
	UserDir(username string) string
}

// Vault stores per-user files encrypted under the owner's key pair.
type Vault struct {
	users Users
}

// New creates a Vault backed by a user directory.
func New(users Users) *Vault {
	return &Vault{users: users}
}

// Paths returns the ciphertext and digest paths for a user's file.
func (v *Vault) Paths(username, filename string) (ciphertext, digest string) {
	dir := v.users.UserDir(username)
	return filepath.Join(dir, filename+CiphertextSuffix), filepath.Join(dir, filename+DigestSuffix)
}

// SaveFile reads exactly length bytes from src and stores them for username.
// The payload is always consumed so the caller's stream stays framed, even on failure.
func (v *Vault) SaveFile(username, filename string, length int64, src io.Reader) error {
	data, err := protocol.ReadPayload(src, length)
	if err != nil {
		if errors.Is(err, protocol.ErrPayloadLength) && length > 0 {
			_, _ = io.CopyN(io.Discard, src, length)
		}
		return err
	}

	if err := validateFilename(filename); err != nil {
		return err
	}
	user, err := v.users.Lookup(username)
	if err != nil {
		return err
	}
	return v.store(user, filename, data)
}

func (v *Vault) store(user *registry.User, filename string, data []byte) error {
	ciphertextPath, digestPath := v.Paths(user.Username, filename)
	if err := removeIfExists(ciphertextPath); err != nil {
		return err
	}
	if err := removeIfExists(digestPath); err != nil {
		return err
	}

	digest, err := crypto.EncryptWithPrivateKey(user.Keys.Private, []byte(crypto.Hash(data)))
	if err != nil {
		return err
	}
	symmetricKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return err
	}
	iv, err := crypto.GenerateIV()
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptHybrid(data, symmetricKey, user.Keys.Private, iv)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(ciphertextPath), 0o700); err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}
	if err := fileutil.WriteAtomic(digestPath, digest, 0o600); err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(ciphertextPath, sealed, 0o600); err != nil {
		return err
	}
	return nil
}

// LoadFile decrypts a stored file and verifies it against its stored digest.
func (v *Vault) LoadFile(username, filename string) ([]byte, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	user, err := v.users.Lookup(username)
	if err != nil {
		return nil, err
	}

	ciphertextPath, digestPath := v.Paths(user.Username, filename)
	sealed, err := readStored(ciphertextPath, filename)
	if err != nil {
		return nil, err
	}
	storedDigest, err := readStored(digestPath, filename)
	if err != nil {
		return nil, err
	}

	data, err := crypto.DecryptHybrid(sealed, user.Keys.Public)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	originalHash, err := crypto.DecryptWithPublicKey(user.Keys.Public, storedDigest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if crypto.Hash(data) != string(originalHash) {
		return nil, ErrCorrupted
	}
	return data, nil
}

func readStored(path, filename string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return raw, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove previous %q: %w", filepath.Base(path), err)
	}
	return nil
}

func validateFilename(filename string) error {
	switch {
	case strings.TrimSpace(filename) == "":
		return ErrInvalidFilename
	case filename == "." || filename == "..":
		return ErrInvalidFilename
	case strings.ContainsAny(filename, "/\\\x00"):
		return ErrInvalidFilename
	}
	return nil
}
