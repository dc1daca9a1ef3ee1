package event

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidEvent     = errors.New("invalid event")
	ErrInvalidSignature = errors.New("invalid event signature")
)

// Event kinds understood by this client. Group protocol kinds mirror the
// Marmot wire protocol; signer kinds carry remote-signer request/response
// payloads between a client and its bunker.
const (
	KindChat         = 9
	KindKeyPackage   = 443
	KindWelcome      = 444
	KindGroupMessage = 445
	KindGiftWrap     = 1059
	KindSignerConn   = 24133
)

// Draft is an unsigned event. Chat rumors stay drafts forever; everything
// published to a relay is signed into an Event first.
type Draft struct {
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// Event is a signed, relay-publishable envelope.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func NewDraft(pubkey string, kind int, content string) Draft {
	return Draft{
		PubKey:    pubkey,
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Content:   content,
	}
}

func (d Draft) WithTag(values ...string) Draft {
	tags := make([][]string, 0, len(d.Tags)+1)
	tags = append(tags, d.Tags...)
	tags = append(tags, values)
	d.Tags = tags
	return d
}

// ID is the hex sha256 of the canonical serialization. The canonical form is
// a fixed-order JSON array so that signer and verifier always hash the same
// bytes regardless of struct field ordering.
func (d Draft) ID() (string, error) {
	tags := d.Tags
	if tags == nil {
		tags = [][]string{}
	}
	canonical, err := json.Marshal([]any{0, d.PubKey, d.CreatedAt, d.Kind, tags, d.Content})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Sign produces the signed event for a draft. The draft's PubKey must match
// the provided private key; drafts authored for someone else cannot be signed.
func Sign(d Draft, priv ed25519.PrivateKey) (Event, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Event{}, ErrInvalidSignature
	}
	pub := priv.Public().(ed25519.PublicKey)
	if d.PubKey == "" {
		d.PubKey = hex.EncodeToString(pub)
	} else if d.PubKey != hex.EncodeToString(pub) {
		return Event{}, errors.New("draft pubkey does not match signing key")
	}
	id, err := d.ID()
	if err != nil {
		return Event{}, err
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		return Event{}, err
	}
	sig := ed25519.Sign(priv, raw)
	return Event{
		ID:        id,
		PubKey:    d.PubKey,
		CreatedAt: d.CreatedAt,
		Kind:      d.Kind,
		Tags:      d.Tags,
		Content:   d.Content,
		Sig:       hex.EncodeToString(sig),
	}, nil
}

// Verify checks the event ID against its canonical form and the signature
// against the embedded public key.
func Verify(ev Event) error {
	d := Draft{
		PubKey:    ev.PubKey,
		CreatedAt: ev.CreatedAt,
		Kind:      ev.Kind,
		Tags:      ev.Tags,
		Content:   ev.Content,
	}
	id, err := d.ID()
	if err != nil {
		return err
	}
	if id != ev.ID {
		return ErrInvalidEvent
	}
	pub, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrInvalidEvent
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	raw, err := hex.DecodeString(ev.ID)
	if err != nil {
		return ErrInvalidEvent
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), raw, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func (e Event) Draft() Draft {
	return Draft{
		PubKey:    e.PubKey,
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind,
		Tags:      e.Tags,
		Content:   e.Content,
	}
}

// FirstTag returns the second element of the first tag whose name matches.
func (e Event) FirstTag(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
