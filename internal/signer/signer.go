// Package signer unifies local-key and remote-bunker signing behind one
// capability surface. Everything that needs a signature or a sealed-envelope
// decryption goes through a Signer; callers never see which backend is
// underneath.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"marmot-chat/go-cli/internal/crypto"
	"marmot-chat/go-cli/internal/event"
	"marmot-chat/go-cli/internal/identity"
	"marmot-chat/go-cli/internal/relay"
)

// Unwrapped is the revealed content of a gift-wrapped envelope.
type Unwrapped struct {
	Sender string
	Rumor  event.Draft
}

// Capability is the full signing/decryption surface. Both backends implement
// every operation; there are no partial modes.
type Capability interface {
	Identity() string
	EncryptionPublicKey() []byte
	ModeDescription() string
	IsRemote() bool
	SignEvent(ctx context.Context, draft event.Draft) (event.Event, error)
	SignEvents(ctx context.Context, drafts []event.Draft) ([]event.Event, error)
	WrapFor(ctx context.Context, recipient string, recipientEncKey []byte, rumor event.Draft) (event.Event, error)
	Unwrap(ctx context.Context, ev event.Event) (*Unwrapped, error)
}

// Signer holds exactly one backend for its lifetime. Switching backends is
// an explicit migration that constructs a new Signer.
type Signer struct {
	local  *identity.Keys
	remote *remoteSession
	pubKey string
	encPub []byte
	audit  *AuditLog
}

var _ Capability = (*Signer)(nil)

// New constructs the broker for a resolved mode. Local construction is
// synchronous; remote construction performs the bunker handshake and only
// returns once the signer has reported the user's public key and the
// connection record has been persisted.
func New(ctx context.Context, m Mode, dbPath string, audit *AuditLog, rc relay.Client) (*Signer, error) {
	switch {
	case m.Local != nil:
		if os.Getenv("MARMOT_NO_KEY_WARNING") == "" {
			fmt.Fprintln(os.Stderr,
				"warning: using a direct key. For long-running agents, consider bunker mode:\n"+
					"  marmot-cli migrate-signer --bunker \"bunker://...\"")
		}
		return &Signer{
			local:  m.Local,
			pubKey: m.Local.PublicHex(),
			encPub: append([]byte(nil), m.Local.EncryptionPublicKey...),
			audit:  audit,
		}, nil

	case m.Remote != nil:
		rs, err := connectRemote(ctx, m.Remote, rc, dbPath, audit, false)
		if err != nil {
			return nil, err
		}
		return &Signer{
			remote: rs,
			pubKey: rs.userPub,
			encPub: append([]byte(nil), rs.userEnc...),
			audit:  audit,
		}, nil
	}
	return nil, ErrNoCredential
}

// Migrate establishes a brand-new bunker link for this database path. It
// refuses when a config already exists: silently orphaning a working link is
// worse than asking the user to remove it first. The handshake always
// re-confirms the user public key; migration never trusts a cached value.
func Migrate(ctx context.Context, bunkerURI, dbPath string, audit *AuditLog, rc relay.Client) (*Signer, error) {
	existing, err := LoadConfig(dbPath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w at %s; remove it first to re-link", ErrConfigConflict, ConfigPath(dbPath))
	}
	cfg, err := ParseBunkerURI(bunkerURI)
	if err != nil {
		return nil, err
	}
	rs, err := connectRemote(ctx, cfg, rc, dbPath, audit, true)
	if err != nil {
		return nil, err
	}
	audit.Record("migrate", "migrated to bunker signing, user pubkey: "+rs.userPub)
	return &Signer{
		remote: rs,
		pubKey: rs.userPub,
		encPub: append([]byte(nil), rs.userEnc...),
		audit:  audit,
	}, nil
}

func (s *Signer) Identity() string { return s.pubKey }

func (s *Signer) EncryptionPublicKey() []byte {
	return append([]byte(nil), s.encPub...)
}

func (s *Signer) IsRemote() bool { return s.remote != nil }

func (s *Signer) ModeDescription() string {
	if s.remote != nil {
		return "remote (bunker)"
	}
	return "direct (local key)"
}

// SignEvent signs a draft with the backend. Remote failures propagate
// verbatim; there is no local fallback.
func (s *Signer) SignEvent(ctx context.Context, draft event.Draft) (event.Event, error) {
	s.audit.Record("sign_event_request", "signing event")

	var (
		ev  event.Event
		err error
	)
	if s.remote != nil {
		ev, err = s.remote.signEvent(ctx, draft)
	} else {
		draft.PubKey = s.pubKey
		ev, err = event.Sign(draft, s.local.SigningPrivateKey)
		if err != nil {
			err = fmt.Errorf("sign event with local key: %w", err)
		}
	}
	if err != nil {
		return event.Event{}, err
	}

	s.audit.Record("sign_event_success", fmt.Sprintf("event_id: %s, kind: %d", shortID(ev.ID), ev.Kind))
	return ev, nil
}

// SignEvents signs strictly sequentially in both modes: each remote
// signature is a separate round trip to a signer that is not assumed to
// handle concurrent sessions, and the local path keeps the same ordering so
// the audit trail reads identically.
func (s *Signer) SignEvents(ctx context.Context, drafts []event.Draft) ([]event.Event, error) {
	s.audit.Record("sign_batch_request", fmt.Sprintf("count: %d", len(drafts)))

	events := make([]event.Event, 0, len(drafts))
	for _, draft := range drafts {
		ev, err := s.SignEvent(ctx, draft)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	s.audit.Record("sign_batch_complete", fmt.Sprintf("count: %d", len(events)))
	return events, nil
}

// WrapFor seals a rumor for one recipient inside a gift-wrap event. The
// outer event is signed with a throwaway key in both modes; the sealing
// itself needs the user's encryption key, so remote mode delegates it to
// the bunker.
func (s *Signer) WrapFor(ctx context.Context, recipient string, recipientEncKey []byte, rumor event.Draft) (event.Event, error) {
	s.audit.Record("gift_wrap_request", "receiver: "+shortID(recipient))

	var (
		ev  event.Event
		err error
	)
	if s.remote != nil {
		ev, err = s.remote.wrap(ctx, recipient, recipientEncKey, rumor)
	} else {
		ev, err = wrapLocal(s.local, recipient, recipientEncKey, rumor)
	}
	if err != nil {
		return event.Event{}, err
	}

	s.audit.Record("gift_wrap_success", "event_id: "+shortID(ev.ID))
	return ev, nil
}

// Unwrap opens a gift-wrapped envelope addressed to the local identity and
// returns the inner rumor with its claimed sender.
func (s *Signer) Unwrap(ctx context.Context, ev event.Event) (*Unwrapped, error) {
	s.audit.Record("unwrap_request", "event_id: "+shortID(ev.ID))

	var (
		out *Unwrapped
		err error
	)
	if s.remote != nil {
		out, err = s.remote.unwrap(ctx, ev)
	} else {
		out, err = unwrapLocal(s.local, ev)
	}
	if err != nil {
		return nil, err
	}

	s.audit.Record("unwrap_success", "event_id: "+shortID(ev.ID))
	return out, nil
}

func wrapLocal(keys *identity.Keys, recipient string, recipientEncKey []byte, rumor event.Draft) (event.Event, error) {
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return event.Event{}, err
	}
	seal, err := crypto.SealTo(keys.EncryptionPrivateKey, recipientEncKey, rumorJSON)
	if err != nil {
		return event.Event{}, fmt.Errorf("create gift-wrapped event: %w", err)
	}
	content, err := seal.Encode()
	if err != nil {
		return event.Event{}, err
	}

	ephPub, ephPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return event.Event{}, err
	}
	draft := event.NewDraft(hex.EncodeToString(ephPub), event.KindGiftWrap, content).
		WithTag("p", recipient)
	return event.Sign(draft, ephPriv)
}

func unwrapLocal(keys *identity.Keys, ev event.Event) (*Unwrapped, error) {
	seal, err := crypto.DecodeSeal(ev.Content)
	if err != nil {
		return nil, fmt.Errorf("extract rumor from gift-wrap: %w", err)
	}
	plaintext, err := crypto.Open(keys.EncryptionPrivateKey, seal)
	if err != nil {
		return nil, fmt.Errorf("extract rumor from gift-wrap: %w", err)
	}
	var rumor event.Draft
	if err := json.Unmarshal(plaintext, &rumor); err != nil {
		return nil, fmt.Errorf("extract rumor from gift-wrap: %w", err)
	}
	return &Unwrapped{Sender: rumor.PubKey, Rumor: rumor}, nil
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
