package signer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"marmot-chat/go-cli/internal/testutil/fsperm"
)

const testPubHex = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestParseBunkerURI(t *testing.T) {
	uri := "bunker://" + testPubHex + "?relay=wss://relay.one&relay=wss://relay.two&secret=tok123"
	cfg, err := ParseBunkerURI(uri)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.RemoteSignerPubKey != testPubHex {
		t.Fatalf("signer pubkey = %s", cfg.RemoteSignerPubKey)
	}
	if len(cfg.Relays) != 2 || cfg.Relays[0] != "wss://relay.one" || cfg.Relays[1] != "wss://relay.two" {
		t.Fatalf("relays = %v", cfg.Relays)
	}
	if cfg.Secret != "tok123" {
		t.Fatalf("secret = %s", cfg.Secret)
	}
	if raw, err := hex.DecodeString(cfg.ClientSecretKey); err != nil || len(raw) != 32 {
		t.Fatalf("client secret key %q not 32 random bytes", cfg.ClientSecretKey)
	}
	if cfg.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
}

func TestParseBunkerURIMintsFreshClientKey(t *testing.T) {
	uri := "bunker://" + testPubHex + "?relay=wss://relay.one"
	first, err := ParseBunkerURI(uri)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	second, err := ParseBunkerURI(uri)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if first.ClientSecretKey == second.ClientSecretKey {
		t.Fatal("two parses reused the same communication key")
	}
}

func TestParseBunkerURIRejections(t *testing.T) {
	cases := []struct {
		name string
		uri  string
	}{
		{"no relay", "bunker://" + testPubHex + "?secret=x"},
		{"empty relay", "bunker://" + testPubHex + "?relay="},
		{"wrong scheme", "https://" + testPubHex + "?relay=wss://r"},
		{"connect descriptor", "marmotconnect://" + testPubHex + "?relay=wss://r"},
		{"bad pubkey", "bunker://nothex?relay=wss://r"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseBunkerURI(tc.uri); !errors.Is(err, ErrInvalidDescriptor) {
				t.Fatalf("err = %v, want ErrInvalidDescriptor", err)
			}
		})
	}
}

func TestParseBunkerURIExplainsConnectScheme(t *testing.T) {
	_, err := ParseBunkerURI("marmotconnect://" + testPubHex + "?relay=wss://r")
	if err == nil || !strings.Contains(err.Error(), "marmotconnect") {
		t.Fatalf("err %v should name the rejected scheme", err)
	}
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state", "marmot.db")
	cfg, err := ParseBunkerURI("bunker://" + testPubHex + "?relay=wss://relay.one&secret=tok")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.UpdateConnected(testPubHex, strings.Repeat("bb", 32))

	if err := SaveConfig(db, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadConfig(db)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("load returned nil for existing config")
	}
	if loaded.RemoteSignerPubKey != cfg.RemoteSignerPubKey ||
		loaded.ClientSecretKey != cfg.ClientSecretKey ||
		loaded.UserPubKey != testPubHex ||
		loaded.UserEncKey != strings.Repeat("bb", 32) {
		t.Fatal("loaded config differs from saved config")
	}
	if loaded.LastConnected == nil {
		t.Fatal("last_connected not persisted")
	}
}

func TestConfigPathIsSidecar(t *testing.T) {
	if got := ConfigPath("/data/marmot.db"); got != "/data/marmot.bunker.json" {
		t.Fatalf("ConfigPath = %s", got)
	}
	if got := ConfigPath("/data/marmot"); got != "/data/marmot.bunker.json" {
		t.Fatalf("ConfigPath without ext = %s", got)
	}
}

func TestLoadConfigAbsentIsNil(t *testing.T) {
	db := filepath.Join(t.TempDir(), "marmot.db")
	cfg, err := LoadConfig(db)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config for absent file")
	}
}

func TestLoadConfigMalformedIsError(t *testing.T) {
	db := filepath.Join(t.TempDir(), "marmot.db")
	if err := os.WriteFile(ConfigPath(db), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(db); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestLoadConfigWithoutRelaysIsError(t *testing.T) {
	db := filepath.Join(t.TempDir(), "marmot.db")
	if err := os.WriteFile(ConfigPath(db), []byte(`{"remote_signer_pubkey":"`+testPubHex+`"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(db); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("err = %v, want ErrInvalidDescriptor", err)
	}
}

func TestSaveConfigPermissions(t *testing.T) {
	db := filepath.Join(t.TempDir(), "marmot.db")
	cfg, err := ParseBunkerURI("bunker://" + testPubHex + "?relay=wss://relay.one")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := SaveConfig(db, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	fsperm.AssertFileMode(t, ConfigPath(db), 0o600)
}

func TestSaveConfigLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "marmot.db")
	cfg, err := ParseBunkerURI("bunker://" + testPubHex + "?relay=wss://relay.one")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := SaveConfig(db, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(ConfigPath(db)) {
			t.Fatalf("unexpected file left behind after save: %s", e.Name())
		}
	}
}

func TestConcurrentSavesNeverExposePartialConfig(t *testing.T) {
	db := filepath.Join(t.TempDir(), "marmot.db")
	small, err := ParseBunkerURI("bunker://" + testPubHex + "?relay=wss://relay.one&secret=tok")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// A much larger document: interleaved writes through a shared temp path
	// would rename a mix of the two sizes into place.
	large, err := ParseBunkerURI("bunker://" + testPubHex + "?relay=wss://relay.one")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := 0; i < 2000; i++ {
		large.Relays = append(large.Relays, fmt.Sprintf("wss://relay-%04d.example", i))
	}
	if err := SaveConfig(db, small); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		cfg := small
		if i%2 == 0 {
			cfg = large
		}
		go func() {
			defer wg.Done()
			_ = SaveConfig(db, cfg)
		}()
	}
	for i := 0; i < 16; i++ {
		loaded, err := LoadConfig(db)
		if err != nil {
			t.Errorf("load during concurrent saves: %v", err)
			continue
		}
		if loaded == nil || loaded.RemoteSignerPubKey != testPubHex {
			t.Error("observed partial or missing config during concurrent saves")
		}
		if n := len(loaded.Relays); n != 1 && n != 2001 {
			t.Errorf("observed mixed document with %d relays", n)
		}
	}
	wg.Wait()
}

func TestDeleteConfig(t *testing.T) {
	db := filepath.Join(t.TempDir(), "marmot.db")
	cfg, err := ParseBunkerURI("bunker://" + testPubHex + "?relay=wss://relay.one")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := SaveConfig(db, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := DeleteConfig(db); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := DeleteConfig(db); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	loaded, err := LoadConfig(db)
	if err != nil || loaded != nil {
		t.Fatalf("config still present after delete: %v %v", loaded, err)
	}
}
