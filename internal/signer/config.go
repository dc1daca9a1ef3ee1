package signer

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"marmot-chat/go-cli/internal/identity"
)

// RemoteConfig is the persisted form of a bunker link: everything needed to
// re-establish a session with the remote signer. It never contains the
// user's identity key; the client secret key is a locally generated,
// low-value communication credential unique to this link.
type RemoteConfig struct {
	RemoteSignerPubKey string     `json:"remote_signer_pubkey"`
	Relays             []string   `json:"relays"`
	Secret             string     `json:"secret,omitempty"`
	ClientSecretKey    string     `json:"client_secret_key"`
	UserPubKey         string     `json:"user_pubkey,omitempty"`
	UserEncKey         string     `json:"user_enc_pubkey,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastConnected      *time.Time `json:"last_connected,omitempty"`
}

// ParseBunkerURI validates a bunker:// descriptor and mints a fresh
// communication keypair for the link.
//
// Format: bunker://<signer-pubkey-hex>?relay=wss://...&secret=TOKEN
func ParseBunkerURI(uri string) (*RemoteConfig, error) {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	switch parsed.Scheme {
	case "bunker":
	case "marmotconnect":
		return nil, fmt.Errorf(
			"%w: expected bunker:// URI, got marmotconnect:// (a connect-to-me descriptor); use bunker://<pubkey>?relay=wss://...&secret=TOKEN",
			ErrInvalidDescriptor)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDescriptor, parsed.Scheme)
	}

	signerPub, err := identity.DecodePublicKey(parsed.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signer pubkey: %v", ErrInvalidDescriptor, err)
	}

	query := parsed.Query()
	relays := make([]string, 0, len(query["relay"]))
	for _, r := range query["relay"] {
		if r = strings.TrimSpace(r); r != "" {
			relays = append(relays, r)
		}
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf(
			"%w: bunker URI must include at least one relay, e.g. bunker://<pubkey>?relay=wss://relay.example&secret=TOKEN",
			ErrInvalidDescriptor)
	}

	clientSecret := make([]byte, 32)
	if _, err := rand.Read(clientSecret); err != nil {
		return nil, err
	}
	return &RemoteConfig{
		RemoteSignerPubKey: signerPub,
		Relays:             relays,
		Secret:             query.Get("secret"),
		ClientSecretKey:    hex.EncodeToString(clientSecret),
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// ClientKeys derives the communication keypair stored in the config.
func (c *RemoteConfig) ClientKeys() (*identity.Keys, error) {
	raw, err := hex.DecodeString(c.ClientSecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: stored client secret key is malformed", ErrInvalidDescriptor)
	}
	keys, err := identity.DeriveKeys(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: stored client secret key is malformed", ErrInvalidDescriptor)
	}
	return keys, nil
}

func (c *RemoteConfig) UpdateConnected(userPubKey, userEncKey string) {
	now := time.Now().UTC()
	c.LastConnected = &now
	if userPubKey != "" {
		c.UserPubKey = userPubKey
	}
	if userEncKey != "" {
		c.UserEncKey = userEncKey
	}
}

// ConfigPath is the sidecar path beside the database file.
func ConfigPath(dbPath string) string {
	return sidecarPath(dbPath, "bunker.json")
}

// LoadConfig returns (nil, nil) when no config file exists; a present but
// malformed file is an error.
func LoadConfig(dbPath string) (*RemoteConfig, error) {
	path := ConfigPath(dbPath)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bunker config: %w", err)
	}
	var cfg RemoteConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse bunker config %s: %w", path, err)
	}
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("%w: bunker config %s has no relays", ErrInvalidDescriptor, path)
	}
	return &cfg, nil
}

// saveMu serializes config writes; concurrent callers must never share a
// temp file or interleave renames.
var saveMu sync.Mutex

// SaveConfig writes atomically: unique temp file beside the target, rename
// into place, then tighten permissions. No reader can ever observe a partial
// document, and the permission change happens only after the content exists.
func SaveConfig(dbPath string, cfg *RemoteConfig) error {
	path := ConfigPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	content, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize bunker config: %w", err)
	}

	saveMu.Lock()
	defer saveMu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create bunker config temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write bunker config temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write bunker config temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomically save bunker config: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func DeleteConfig(dbPath string) error {
	err := os.Remove(ConfigPath(dbPath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// sidecarPath swaps the database file's extension for the given suffix:
// marmot.db -> marmot.bunker.json.
func sidecarPath(dbPath, suffix string) string {
	ext := filepath.Ext(dbPath)
	base := strings.TrimSuffix(dbPath, ext)
	return base + "." + suffix
}
