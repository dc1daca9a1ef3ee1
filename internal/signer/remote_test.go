package signer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"marmot-chat/go-cli/internal/event"
	"marmot-chat/go-cli/internal/relay"
	"marmot-chat/go-cli/internal/testutil/bunkerfake"
)

func startClientNode(t *testing.T) *relay.Node {
	t.Helper()
	node := relay.NewNode(relay.Config{Transport: relay.TransportMock})
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start relay node: %v", err)
	}
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	return node
}

func TestMigrateLinksToBunker(t *testing.T) {
	bunker, err := bunkerfake.Start("tok123")
	if err != nil {
		t.Fatalf("start bunker: %v", err)
	}
	defer bunker.Stop()

	node := startClientNode(t)
	db := filepath.Join(t.TempDir(), "marmot.db")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	s, err := Migrate(ctx, bunker.URI(), db, NewAuditLog(db), node)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if !s.IsRemote() {
		t.Fatal("migrated signer is not remote")
	}
	if s.Identity() != bunker.User.PublicHex() {
		t.Fatalf("identity = %s, want guarded user %s", s.Identity(), bunker.User.PublicHex())
	}

	cfg, err := LoadConfig(db)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg == nil {
		t.Fatal("migration did not persist a config")
	}
	if cfg.UserPubKey != bunker.User.PublicHex() {
		t.Fatalf("persisted user pubkey = %s", cfg.UserPubKey)
	}
	if cfg.LastConnected == nil {
		t.Fatal("last_connected not recorded")
	}
}

func TestRemoteSignEventProducesUserSignature(t *testing.T) {
	bunker, err := bunkerfake.Start("tok123")
	if err != nil {
		t.Fatalf("start bunker: %v", err)
	}
	defer bunker.Stop()

	node := startClientNode(t)
	db := filepath.Join(t.TempDir(), "marmot.db")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Migrate(ctx, bunker.URI(), db, DisabledAuditLog(), node)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ev, err := s.SignEvent(ctx, event.NewDraft("", event.KindChat, "remote hello"))
	if err != nil {
		t.Fatalf("remote sign: %v", err)
	}
	if ev.PubKey != bunker.User.PublicHex() {
		t.Fatalf("event author = %s, want guarded user", ev.PubKey)
	}
	if err := event.Verify(ev); err != nil {
		t.Fatalf("verify remote signature: %v", err)
	}
}

func TestRemoteWrapUnwrapRoundTrip(t *testing.T) {
	bunker, err := bunkerfake.Start("tok123")
	if err != nil {
		t.Fatalf("start bunker: %v", err)
	}
	defer bunker.Stop()

	node := startClientNode(t)
	db := filepath.Join(t.TempDir(), "marmot.db")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s, err := Migrate(ctx, bunker.URI(), db, DisabledAuditLog(), node)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rumor := event.NewDraft(s.Identity(), event.KindWelcome, "sealed via bunker")
	wrapped, err := s.WrapFor(ctx, s.Identity(), s.EncryptionPublicKey(), rumor)
	if err != nil {
		t.Fatalf("remote wrap: %v", err)
	}
	if wrapped.Kind != event.KindGiftWrap {
		t.Fatalf("outer kind = %d", wrapped.Kind)
	}
	if wrapped.PubKey == s.Identity() {
		t.Fatal("outer event exposes the user identity")
	}

	unwrapped, err := s.Unwrap(ctx, wrapped)
	if err != nil {
		t.Fatalf("remote unwrap: %v", err)
	}
	if unwrapped.Rumor.Content != "sealed via bunker" {
		t.Fatalf("rumor content = %q", unwrapped.Rumor.Content)
	}
	if unwrapped.Sender != s.Identity() {
		t.Fatalf("sender = %s", unwrapped.Sender)
	}
}

func TestReconnectUsesStoredConfig(t *testing.T) {
	bunker, err := bunkerfake.Start("tok123")
	if err != nil {
		t.Fatalf("start bunker: %v", err)
	}
	defer bunker.Stop()

	node := startClientNode(t)
	db := filepath.Join(t.TempDir(), "marmot.db")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, err := Migrate(ctx, bunker.URI(), db, DisabledAuditLog(), node); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mode, err := ResolveMode("", "", db)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s, err := New(ctx, mode, db, DisabledAuditLog(), node)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if s.Identity() != bunker.User.PublicHex() {
		t.Fatalf("reconnected identity = %s", s.Identity())
	}
}

func TestConnectRejectedSecret(t *testing.T) {
	bunker, err := bunkerfake.Start("tok123")
	if err != nil {
		t.Fatalf("start bunker: %v", err)
	}
	defer bunker.Stop()
	bunker.SetRejectSecret(true)

	node := startClientNode(t)
	db := filepath.Join(t.TempDir(), "marmot.db")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = Migrate(ctx, bunker.URI(), db, DisabledAuditLog(), node)
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("err = %v, want ErrRemoteUnavailable", err)
	}
	cfg, err := LoadConfig(db)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != nil {
		t.Fatal("failed handshake must not persist a config")
	}
}
