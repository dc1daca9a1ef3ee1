package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marmot-chat/go-cli/internal/event"
	"marmot-chat/go-cli/internal/identity"
	"marmot-chat/go-cli/internal/relay"
	"marmot-chat/go-cli/internal/signer"
	"marmot-chat/go-cli/internal/testutil/enginefake"
)

type participant struct {
	keys *identity.Keys
	svc  *Service
	eng  *enginefake.Engine
}

func newParticipant(t *testing.T, node *relay.Node) *participant {
	t.Helper()
	t.Setenv("MARMOT_NO_KEY_WARNING", "1")

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("rand: %v", err)
	}
	keys, err := identity.DeriveKeys(secret)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	db := filepath.Join(t.TempDir(), "marmot.db")
	s, err := signer.New(context.Background(), signer.Mode{Local: keys}, db, signer.DisabledAuditLog(), nil)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	eng := enginefake.New()
	return &participant{
		keys: keys,
		eng:  eng,
		svc: &Service{
			Signer: s,
			Engine: eng,
			Relay:  node,
			Relays: []string{"ws://mock.invalid"},
			DBPath: db,
		},
	}
}

func sharedNode(t *testing.T) *relay.Node {
	t.Helper()
	node := relay.NewNode(relay.Config{Transport: relay.TransportMock})
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	return node
}

func TestWhoamiLocalMode(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)

	status, err := p.svc.Whoami()
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if status.PubKey != p.keys.PublicHex() {
		t.Fatalf("pubkey = %s", status.PubKey)
	}
	if !strings.HasPrefix(status.PubKeyBech, "marmot1") {
		t.Fatalf("bech = %s", status.PubKeyBech)
	}
	if status.Remote {
		t.Fatal("local session reports remote")
	}
}

func TestPublishAndFetchKeyPackage(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)
	ctx := context.Background()

	id, err := p.svc.PublishKeyPackage(ctx)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("empty event id")
	}

	pkg, err := p.svc.FetchKeyPackage(ctx, p.keys.PublicHex())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if pkg.Kind != event.KindKeyPackage {
		t.Fatalf("kind = %d", pkg.Kind)
	}
	if pkg.FirstTag("enc") != hex.EncodeToString(p.keys.EncryptionPublicKey) {
		t.Fatal("key package missing the encryption key tag")
	}
	if err := event.Verify(*pkg); err != nil {
		t.Fatalf("key package verify: %v", err)
	}
}

func TestFetchKeyPackageAcceptsBechEncoding(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)
	ctx := context.Background()

	if _, err := p.svc.PublishKeyPackage(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}
	bech, err := identity.EncodePublicKey(p.keys.PublicHex())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := p.svc.FetchKeyPackage(ctx, bech); err != nil {
		t.Fatalf("fetch by marmot1: %v", err)
	}
}

func TestFetchKeyPackageMissing(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)
	other := strings.Repeat("77", 32)

	if _, err := p.svc.FetchKeyPackage(context.Background(), other); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestCreateChatDeliversWelcomes(t *testing.T) {
	node := sharedNode(t)
	creator := newParticipant(t, node)
	invitee := newParticipant(t, node)
	ctx := context.Background()

	if _, err := invitee.svc.PublishKeyPackage(ctx); err != nil {
		t.Fatalf("invitee publish: %v", err)
	}

	created, err := creator.svc.CreateChat(ctx, "book club", "weekly reads", []string{invitee.keys.PublicHex()})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if created.Welcomes != 1 {
		t.Fatalf("welcomes = %d, want 1", created.Welcomes)
	}
	if created.Name != "book club" {
		t.Fatalf("name = %q", created.Name)
	}

	// The invitee should find a sealed welcome addressed to them.
	report, err := invitee.svc.Receive(ctx, "")
	if err != nil {
		t.Fatalf("invitee receive: %v", err)
	}
	if report.WelcomesProcessed != 1 {
		t.Fatalf("invitee processed %d welcomes, want 1", report.WelcomesProcessed)
	}
	if len(report.PendingWelcomes) != 1 {
		t.Fatalf("pending = %+v", report.PendingWelcomes)
	}
	if report.PendingWelcomes[0].Inviter != creator.keys.PublicHex() {
		t.Fatalf("inviter = %s", report.PendingWelcomes[0].Inviter)
	}

	accepted, err := invitee.svc.AcceptWelcome(report.PendingWelcomes[0].EventID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.GroupName == "" {
		t.Fatal("accepted welcome has no group name")
	}
	chats, err := invitee.svc.ListChats()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 1 {
		t.Fatalf("invitee has %d chats after accept, want 1", len(chats))
	}
}

func TestCreateChatRequiresInvitees(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)
	if _, err := p.svc.CreateChat(context.Background(), "empty", "", nil); err == nil {
		t.Fatal("expected error without invitees")
	}
}

func TestCreateChatFailsWhenKeyPackageMissing(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)
	unknown := strings.Repeat("55", 32)

	if _, err := p.svc.CreateChat(context.Background(), "ghost", "", []string{unknown}); err == nil {
		t.Fatal("expected error for invitee without key package")
	}
}

func TestSendPublishesGroupMessage(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)
	ctx := context.Background()
	g := p.eng.AddGroup("design")

	prefix := hex.EncodeToString(g.GroupID)[:8]
	id, err := p.svc.Send(ctx, prefix, "hello group")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := node.Fetch(ctx, event.Filter{
		Kinds:     []int{event.KindGroupMessage},
		GroupWire: hex.EncodeToString(g.WireID),
	}, time.Second)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("published message not found on relay: %d events", len(got))
	}
}

func TestSendRejectsUnknownGroup(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)
	if _, err := p.svc.Send(context.Background(), "ffff", "nope"); err == nil {
		t.Fatal("expected error for unknown group prefix")
	}
}

func TestAcceptWelcomeUnknownID(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)
	if _, err := p.svc.AcceptWelcome("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown welcome id")
	}
}

func TestListChatsSummaries(t *testing.T) {
	node := sharedNode(t)
	p := newParticipant(t, node)
	g := p.eng.AddGroup("ops")

	chats, err := p.svc.ListChats()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats", len(chats))
	}
	if chats[0].GroupID != hex.EncodeToString(g.GroupID) || chats[0].Name != "ops" {
		t.Fatalf("summary = %+v", chats[0])
	}
}
