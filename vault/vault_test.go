package vault

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"depositbox/protocol"
	"depositbox/registry"
)

func newTestVault(t *testing.T) (*Vault, *registry.Registry) {
	t.Helper()

	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test registry: %v", err)
	}
	if err := reg.Register("alice", "pw1"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	return New(reg), reg
}

func mustSave(t *testing.T, v *Vault, username, filename string, data []byte) {
	t.Helper()
	if err := v.SaveFile(username, filename, int64(len(data)), bytes.NewReader(data)); err != nil {
		t.Fatalf("SaveFile %q failed: %v", filename, err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)

	for name, data := range map[string][]byte{
		"empty.bin":  {},
		"notes.txt":  []byte("deposit me\r\nsecond line\n"),
		"binary.dat": bytes.Repeat([]byte{0x00, 0x7f, 0xff}, 3000),
	} {
		mustSave(t, v, "alice", name, data)

		got, err := v.LoadFile("alice", name)
		if err != nil {
			t.Fatalf("LoadFile %q failed: %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("content mismatch for %q", name)
		}
	}
}

func TestSaveFileConsumesExactlyLength(t *testing.T) {
	v, _ := newTestVault(t)

	stream := bytes.NewReader([]byte("0123456789Login-=%&%=-U%=%alice"))
	if err := v.SaveFile("alice", "digits", 10, stream); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	rest := make([]byte, stream.Len())
	_, _ = stream.Read(rest)
	if string(rest) != "Login-=%&%=-U%=%alice" {
		t.Fatalf("expected trailing stream to be untouched, got %q", rest)
	}
}

func TestSaveFileOverwritesPreviousVersion(t *testing.T) {
	v, _ := newTestVault(t)

	mustSave(t, v, "alice", "doc", []byte("first version"))
	mustSave(t, v, "alice", "doc", []byte("second"))

	got, err := v.LoadFile("alice", "doc")
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("expected last write to win, got %q", got)
	}
}

func TestSaveFileUsesCaseInsensitiveOwnerLookup(t *testing.T) {
	v, _ := newTestVault(t)

	mustSave(t, v, "ALICE", "doc", []byte("shared"))
	got, err := v.LoadFile("alice", "doc")
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if string(got) != "shared" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestSaveFileUnknownUserIsError(t *testing.T) {
	v, _ := newTestVault(t)

	err := v.SaveFile("mallory", "doc", 3, bytes.NewReader([]byte("abc")))
	if !errors.Is(err, registry.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSaveFileRejectsPathTraversal(t *testing.T) {
	v, _ := newTestVault(t)

	for _, name := range []string{"", "../escape", "a/b", `a\b`, ".."} {
		err := v.SaveFile("alice", name, 1, bytes.NewReader([]byte("x")))
		if !errors.Is(err, ErrInvalidFilename) {
			t.Fatalf("expected ErrInvalidFilename for %q, got %v", name, err)
		}
	}
}

func TestSaveFileShortStreamFails(t *testing.T) {
	v, _ := newTestVault(t)

	if err := v.SaveFile("alice", "short", 10, bytes.NewReader([]byte("abc"))); err == nil {
		t.Fatalf("expected short stream to fail")
	}
	if _, err := v.LoadFile("alice", "short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected nothing stored, got %v", err)
	}
}

func TestSaveFileDrainsOversizedPayload(t *testing.T) {
	v, _ := newTestVault(t)

	err := v.SaveFile("alice", "huge", protocol.MaxPayloadSize+1, bytes.NewReader(nil))
	if !errors.Is(err, protocol.ErrPayloadLength) {
		t.Fatalf("expected ErrPayloadLength, got %v", err)
	}
}

func TestLoadFileMissingPair(t *testing.T) {
	v, _ := newTestVault(t)

	if _, err := v.LoadFile("alice", "nothing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mustSave(t, v, "alice", "half", []byte("data"))
	_, digestPath := v.Paths("alice", "half")
	if err := os.Remove(digestPath); err != nil {
		t.Fatalf("remove digest: %v", err)
	}
	if _, err := v.LoadFile("alice", "half"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound with digest missing, got %v", err)
	}
}

func TestLoadFileDetectsCorruption(t *testing.T) {
	v, _ := newTestVault(t)
	data := []byte("the quick brown fox jumps over the lazy dog, twice over")
	mustSave(t, v, "alice", "fox", data)

	ciphertextPath, digestPath := v.Paths("alice", "fox")
	original, err := os.ReadFile(ciphertextPath)
	if err != nil {
		t.Fatalf("read ciphertext: %v", err)
	}
	originalDigest, err := os.ReadFile(digestPath)
	if err != nil {
		t.Fatalf("read digest: %v", err)
	}

	flip := func(t *testing.T, path string, content []byte, index int) {
		t.Helper()
		tampered := append([]byte(nil), content...)
		tampered[index] ^= 0x01
		if err := os.WriteFile(path, tampered, 0o600); err != nil {
			t.Fatalf("write tampered file: %v", err)
		}
	}

	for _, index := range []int{0, 128, 255, 256, 263, 271, 272, len(original) - 1} {
		flip(t, ciphertextPath, original, index)
		if _, err := v.LoadFile("alice", "fox"); !errors.Is(err, ErrCorrupted) {
			t.Fatalf("expected ErrCorrupted after flipping ciphertext byte %d, got %v", index, err)
		}
	}
	if err := os.WriteFile(ciphertextPath, original, 0o600); err != nil {
		t.Fatalf("restore ciphertext: %v", err)
	}

	for _, index := range []int{0, 100, len(originalDigest) - 1} {
		flip(t, digestPath, originalDigest, index)
		if _, err := v.LoadFile("alice", "fox"); !errors.Is(err, ErrCorrupted) {
			t.Fatalf("expected ErrCorrupted after flipping digest byte %d, got %v", index, err)
		}
	}
	if err := os.WriteFile(digestPath, originalDigest, 0o600); err != nil {
		t.Fatalf("restore digest: %v", err)
	}

	got, err := v.LoadFile("alice", "fox")
	if err != nil {
		t.Fatalf("LoadFile after restore failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch after restore")
	}
}

func TestLoadFileRejectsSwappedDigest(t *testing.T) {
	v, _ := newTestVault(t)
	mustSave(t, v, "alice", "a", []byte("content a"))
	mustSave(t, v, "alice", "b", []byte("content b"))

	_, digestA := v.Paths("alice", "a")
	_, digestB := v.Paths("alice", "b")
	raw, err := os.ReadFile(digestB)
	if err != nil {
		t.Fatalf("read digest b: %v", err)
	}
	if err := os.WriteFile(digestA, raw, 0o600); err != nil {
		t.Fatalf("overwrite digest a: %v", err)
	}

	if _, err := v.LoadFile("alice", "a"); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted for swapped digest, got %v", err)
	}
}
