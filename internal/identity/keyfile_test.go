package identity

import (
	"errors"
	"path/filepath"
	"testing"

	"marmot-chat/go-cli/internal/testutil/fsperm"
)

func TestKeyfileRoundTrip(t *testing.T) {
	keys, err := DeriveKeys(randomSecret(t))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "marmot.key")

	env, err := EncryptSecret(keys.Secret, []byte("correct horse"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := SaveKeyfile(path, env); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored, err := LoadKeyfile(path, []byte("correct horse"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.PublicHex() != keys.PublicHex() {
		t.Fatal("keyfile round trip changed identity")
	}
}

func TestKeyfilePermissions(t *testing.T) {
	keys, err := DeriveKeys(randomSecret(t))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	path := filepath.Join(t.TempDir(), "marmot.key")
	env, err := EncryptSecret(keys.Secret, []byte("pw"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := SaveKeyfile(path, env); err != nil {
		t.Fatalf("save: %v", err)
	}
	fsperm.AssertFileMode(t, path, 0o600)
}

func TestKeyfileWrongPassphrase(t *testing.T) {
	keys, err := DeriveKeys(randomSecret(t))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	path := filepath.Join(t.TempDir(), "marmot.key")
	env, err := EncryptSecret(keys.Secret, []byte("right"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := SaveKeyfile(path, env); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := LoadKeyfile(path, []byte("wrong")); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("err = %v, want ErrWrongPassphrase", err)
	}
}

func TestEncryptSecretRequiresPassphrase(t *testing.T) {
	if _, err := EncryptSecret(make([]byte, 32), nil); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("err = %v, want ErrPassphraseRequired", err)
	}
}
