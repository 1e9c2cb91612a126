package crypto

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureKeyPairIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureKeyPair(dir)
	if err != nil {
		t.Fatalf("first EnsureKeyPair failed: %v", err)
	}
	second, err := EnsureKeyPair(dir)
	if err != nil {
		t.Fatalf("second EnsureKeyPair failed: %v", err)
	}

	if !first.Private.Equal(second.Private) {
		t.Fatalf("expected stable private key across runs")
	}
	if !first.Public.Equal(second.Public) {
		t.Fatalf("expected stable public key across runs")
	}
	if first.Public.Size()*8 != KeyBits {
		t.Fatalf("expected %d-bit key, got %d", KeyBits, first.Public.Size()*8)
	}
}

func TestEnsureKeyPairRegeneratesWhenOneFileMissing(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureKeyPair(dir)
	if err != nil {
		t.Fatalf("EnsureKeyPair failed: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, PublicKeyFileName)); err != nil {
		t.Fatalf("remove public key: %v", err)
	}

	second, err := EnsureKeyPair(dir)
	if err != nil {
		t.Fatalf("EnsureKeyPair after removal failed: %v", err)
	}
	if first.Private.Equal(second.Private) {
		t.Fatalf("expected a new key pair after a key file went missing")
	}
}

func TestLoadKeyPairMissingReportsNotExist(t *testing.T) {
	_, err := LoadKeyPair(t.TempDir())
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	var cryptoErr *Error
	if !errors.As(err, &cryptoErr) {
		t.Fatalf("expected *crypto.Error, got %T", err)
	}
}

func TestLoadKeyPairRejectsMismatchedFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureKeyPair(dir); err != nil {
		t.Fatalf("EnsureKeyPair failed: %v", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if err := SavePublicKey(filepath.Join(dir, PublicKeyFileName), other.Public); err != nil {
		t.Fatalf("SavePublicKey failed: %v", err)
	}

	if _, err := LoadKeyPair(dir); err == nil {
		t.Fatalf("expected mismatched key files to be rejected")
	}
}

func TestHashIsLowercaseHexSHA1(t *testing.T) {
	got := Hash([]byte("abc"))
	want := "a9993e364706816aba3e25717850c26c9cd0d89d"
	if got != want {
		t.Fatalf("unexpected digest: got %q want %q", got, want)
	}
	if len(Hash(nil)) != 40 {
		t.Fatalf("expected 40 hex characters")
	}
}
