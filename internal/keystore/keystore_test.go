package keystore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/quietlane/quietlane/internal/onionv3"
)

// ============================================================================
// Save / Load
// ============================================================================

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	secret := bytes.Repeat([]byte{0x42}, onionv3.SecretKeySize)
	if err := store.Save("storefront", secret); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load("storefront")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(loaded, secret) {
		t.Errorf("loaded key does not match saved key")
	}
}

func TestLoadMissingKey(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	_, err = store.Load("ghost")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestSaveRejectsBadSecret(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	err = store.Save("storefront", make([]byte, 16))
	if !errors.Is(err, onionv3.ErrInvalidKeyLength) {
		t.Errorf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestSaveIsAtomicAndPrivate(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	secret := bytes.Repeat([]byte{0x07}, onionv3.SecretKeySize)
	if err := store.Save("storefront", secret); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "storefront.key"))
	if err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected permissions 0600, got %o", perm)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestLoadRejectsCorruptKey(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	path := filepath.Join(dir, "broken.key")
	if err := os.WriteFile(path, []byte("not hex at all\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := store.Load("broken"); err == nil {
		t.Error("expected error for corrupt key file")
	}
}

// ============================================================================
// LoadOrCreate
// ============================================================================

func TestLoadOrCreate(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	first, created, err := store.LoadOrCreate("storefront")
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected a new key to be created")
	}
	if len(first) != onionv3.SecretKeySize {
		t.Fatalf("expected %d-byte key, got %d", onionv3.SecretKeySize, len(first))
	}

	second, created, err := store.LoadOrCreate("storefront")
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected the existing key to be reused")
	}
	if !bytes.Equal(first, second) {
		t.Error("LoadOrCreate returned a different key on the second call")
	}
}

// ============================================================================
// Exists / Delete / List
// ============================================================================

func TestExistsAndDelete(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	secret := bytes.Repeat([]byte{0x01}, onionv3.SecretKeySize)
	if err := store.Save("storefront", secret); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if !store.Exists("storefront") {
		t.Error("Exists returned false for a stored key")
	}
	if store.Exists("ghost") {
		t.Error("Exists returned true for a missing key")
	}

	if err := store.Delete("storefront"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if store.Exists("storefront") {
		t.Error("key still exists after Delete")
	}
	if err := store.Delete("storefront"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound on double delete, got %v", err)
	}
}

func TestList(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	secret := bytes.Repeat([]byte{0x02}, onionv3.SecretKeySize)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := store.Save(name, secret); err != nil {
			t.Fatalf("Save %s failed: %v", name, err)
		}
	}

	names, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d: %v", len(want), len(names), names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("names[%d] = %q, want %q", i, names[i], name)
		}
	}
}

// ============================================================================
// Address
// ============================================================================

func TestAddress(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	generated, err := onionv3.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := store.Save("storefront", generated.SecretKey()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	addr, err := store.Address("storefront")
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}
	if addr != generated.String() {
		t.Errorf("Address = %q, want %q", addr, generated.String())
	}

	if _, err := store.Address("ghost"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

// ============================================================================
// Nickname validation
// ============================================================================

func TestNormalizeNickname(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "simple",
			input: "storefront",
			want:  "storefront",
		},
		{
			name:  "mixed charset",
			input: "svc-2_backup",
			want:  "svc-2_backup",
		},
		{
			name:  "surrounding whitespace trimmed",
			input: "  storefront  ",
			want:  "storefront",
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "whitespace only",
			input:   "   ",
			wantErr: true,
		},
		{
			name:    "path traversal",
			input:   "../escape",
			wantErr: true,
		},
		{
			name:    "slash",
			input:   "a/b",
			wantErr: true,
		},
		{
			name:    "space inside",
			input:   "two words",
			wantErr: true,
		},
		{
			name:    "too long",
			input:   string(bytes.Repeat([]byte{'a'}, 65)),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeNickname(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidNickname) {
					t.Errorf("expected ErrInvalidNickname, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeNickname failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeNickname = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSaveRejectsBadNickname(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	secret := bytes.Repeat([]byte{0x03}, onionv3.SecretKeySize)
	if err := store.Save("../escape", secret); !errors.Is(err, ErrInvalidNickname) {
		t.Errorf("expected ErrInvalidNickname, got %v", err)
	}
}
