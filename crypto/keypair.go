package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"depositbox/fileutil"
)

const (
	// KeyBits is the RSA modulus size for server and user key pairs.
	KeyBits = 2048
	// PublicKeyFileName holds a DER-encoded PKIX public key.
	PublicKeyFileName = "public.key"
	// PrivateKeyFileName holds a DER-encoded PKCS#8 private key.
	PrivateKeyFileName = "private.key"
)

// Error is returned by every crypto operation and carries the underlying cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// KeyPair is an RSA key pair owned by the server or by one user.
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateKeyPair creates a fresh RSA key pair of KeyBits.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, wrap("generate RSA key pair", err)
	}
	return &KeyPair{Public: &privateKey.PublicKey, Private: privateKey}, nil
}

// EnsureKeyPair loads the key pair stored in dir, generating and saving one if either file is absent.
func EnsureKeyPair(dir string) (*KeyPair, error) {
	keys, err := LoadKeyPair(dir)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	keys, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyPair(dir, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// LoadKeyPair reads public.key and private.key from dir and checks that they belong together.
func LoadKeyPair(dir string) (*KeyPair, error) {
	publicKey, err := LoadPublicKey(filepath.Join(dir, PublicKeyFileName))
	if err != nil {
		return nil, err
	}
	privateKey, err := LoadPrivateKey(filepath.Join(dir, PrivateKeyFileName))
	if err != nil {
		return nil, err
	}
	if !privateKey.PublicKey.Equal(publicKey) {
		return nil, wrap("load key pair", fmt.Errorf("public key in %q does not match private key", dir))
	}
	return &KeyPair{Public: publicKey, Private: privateKey}, nil
}

// SaveKeyPair writes both key files into dir, creating it if needed.
func SaveKeyPair(dir string, keys *KeyPair) error {
	if keys == nil || keys.Public == nil || keys.Private == nil {
		return wrap("save key pair", errors.New("incomplete key pair"))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return wrap("save key pair", fmt.Errorf("create key directory: %w", err))
	}
	if err := SavePrivateKey(filepath.Join(dir, PrivateKeyFileName), keys.Private); err != nil {
		return err
	}
	return SavePublicKey(filepath.Join(dir, PublicKeyFileName), keys.Public)
}

// LoadPublicKey reads a DER-encoded PKIX RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, wrap("read public key", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, wrap("parse public key", err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, wrap("parse public key", fmt.Errorf("unexpected key type %T", parsed))
	}
	return publicKey, nil
}

// LoadPrivateKey reads a DER-encoded PKCS#8 RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, wrap("read private key", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, wrap("parse private key", err)
	}
	privateKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, wrap("parse private key", fmt.Errorf("unexpected key type %T", parsed))
	}
	return privateKey, nil
}

// SavePublicKey writes a DER-encoded PKIX public key.
func SavePublicKey(path string, key *rsa.PublicKey) error {
	raw, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return wrap("marshal public key", err)
	}
	if err := fileutil.WriteAtomic(path, raw, 0o644); err != nil {
		return wrap("write public key", err)
	}
	return nil
}

// SavePrivateKey writes a DER-encoded PKCS#8 private key with 0600 permissions.
func SavePrivateKey(path string, key *rsa.PrivateKey) error {
	raw, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return wrap("marshal private key", err)
	}
	if err := fileutil.WriteAtomic(path, raw, 0o600); err != nil {
		return wrap("write private key", err)
	}
	return nil
}

// Hash returns the lowercase hex SHA-1 digest of data.
func Hash(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
