// Package bunkerfake runs an in-process remote signer against the mock relay
// transport. It answers the signer protocol the way a real bunker would:
// sealed requests in, sealed responses out, with the guarded user key never
// leaving the fake.
package bunkerfake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"marmot-chat/go-cli/internal/crypto"
	"marmot-chat/go-cli/internal/event"
	"marmot-chat/go-cli/internal/identity"
	"marmot-chat/go-cli/internal/relay"
)

const pollInterval = 50 * time.Millisecond

// Bunker is one running fake signer. Comm is the bunker's own communication
// identity (its public key goes into the bunker URI); User is the identity it
// signs for.
type Bunker struct {
	Comm   *identity.Keys
	User   *identity.Keys
	Secret string

	node    *relay.Node
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	handled map[string]struct{}
	reject  bool
}

// SetRejectSecret makes every connect attempt fail, for error-path tests.
func (b *Bunker) SetRejectSecret(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = v
}

func (b *Bunker) rejectSecret() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reject
}

// Start brings up the fake: it publishes the bunker's key package and begins
// answering requests until Stop is called.
func Start(secret string) (*Bunker, error) {
	comm, err := randomKeys()
	if err != nil {
		return nil, err
	}
	user, err := randomKeys()
	if err != nil {
		return nil, err
	}

	node := relay.NewNode(relay.Config{Transport: relay.TransportMock})
	ctx, cancel := context.WithCancel(context.Background())
	if err := node.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	b := &Bunker{
		Comm:    comm,
		User:    user,
		Secret:  secret,
		node:    node,
		cancel:  cancel,
		done:    make(chan struct{}),
		handled: make(map[string]struct{}),
	}
	if err := b.publishKeyPackage(ctx); err != nil {
		cancel()
		_ = node.Stop(context.Background())
		return nil, err
	}
	go b.serve(ctx)
	return b, nil
}

func (b *Bunker) Stop() {
	b.cancel()
	<-b.done
	_ = b.node.Stop(context.Background())
}

// URI is the descriptor a client links with.
func (b *Bunker) URI() string {
	return fmt.Sprintf("bunker://%s?relay=ws://mock.invalid&secret=%s", b.Comm.PublicHex(), b.Secret)
}

func (b *Bunker) publishKeyPackage(ctx context.Context) error {
	draft := event.NewDraft(b.Comm.PublicHex(), event.KindKeyPackage, "bunker-keypkg").
		WithTag("enc", hex.EncodeToString(b.Comm.EncryptionPublicKey))
	ev, err := event.Sign(draft, b.Comm.SigningPrivateKey)
	if err != nil {
		return err
	}
	_, err = b.node.Publish(ctx, ev)
	return err
}

func (b *Bunker) serve(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
		requests, err := b.node.Fetch(ctx, event.Filter{
			Kinds:     []int{event.KindSignerConn},
			Recipient: b.Comm.PublicHex(),
		}, time.Second)
		if err != nil {
			continue
		}
		for _, req := range requests {
			b.handle(ctx, req)
		}
	}
}

func (b *Bunker) handle(ctx context.Context, req event.Event) {
	b.mu.Lock()
	if _, ok := b.handled[req.ID]; ok {
		b.mu.Unlock()
		return
	}
	b.handled[req.ID] = struct{}{}
	b.mu.Unlock()

	clientEnc, err := hex.DecodeString(req.FirstTag("enc"))
	if err != nil || len(clientEnc) != 32 {
		return
	}
	cipher, err := crypto.NewSessionCipher(b.Comm.EncryptionPrivateKey, clientEnc)
	if err != nil {
		return
	}
	raw, err := cipher.Decrypt(req.Content)
	if err != nil {
		return
	}
	var request struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &request); err != nil {
		return
	}

	result, errMsg := b.dispatch(request.Method, request.Params)
	response := map[string]any{"id": request.ID}
	if errMsg != "" {
		response["error"] = errMsg
	} else {
		response["result"] = result
	}
	payload, err := json.Marshal(response)
	if err != nil {
		return
	}
	content, err := cipher.Encrypt(payload)
	if err != nil {
		return
	}
	draft := event.NewDraft(b.Comm.PublicHex(), event.KindSignerConn, content).
		WithTag("p", req.PubKey)
	ev, err := event.Sign(draft, b.Comm.SigningPrivateKey)
	if err != nil {
		return
	}
	_, _ = b.node.Publish(ctx, ev)
}

func (b *Bunker) dispatch(method string, params json.RawMessage) (any, string) {
	switch method {
	case "connect":
		var in struct {
			Secret string `json:"secret"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, "malformed connect params"
		}
		if b.rejectSecret() || in.Secret != b.Secret {
			return nil, "invalid connection secret"
		}
		return "ack", ""

	case "get_public_key":
		return map[string]string{
			"pubkey":     b.User.PublicHex(),
			"enc_pubkey": hex.EncodeToString(b.User.EncryptionPublicKey),
		}, ""

	case "sign_event":
		var draft event.Draft
		if err := json.Unmarshal(params, &draft); err != nil {
			return nil, "malformed draft"
		}
		draft.PubKey = b.User.PublicHex()
		ev, err := event.Sign(draft, b.User.SigningPrivateKey)
		if err != nil {
			return nil, err.Error()
		}
		return ev, ""

	case "wrap":
		var in struct {
			Recipient       string      `json:"recipient"`
			RecipientEncKey string      `json:"recipient_enc_key"`
			Rumor           event.Draft `json:"rumor"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, "malformed wrap params"
		}
		encKey, err := hex.DecodeString(in.RecipientEncKey)
		if err != nil {
			return nil, "malformed recipient encryption key"
		}
		ev, err := wrapWith(b.User, in.Recipient, encKey, in.Rumor)
		if err != nil {
			return nil, err.Error()
		}
		return ev, ""

	case "unwrap":
		var ev event.Event
		if err := json.Unmarshal(params, &ev); err != nil {
			return nil, "malformed event"
		}
		seal, err := crypto.DecodeSeal(ev.Content)
		if err != nil {
			return nil, err.Error()
		}
		plaintext, err := crypto.Open(b.User.EncryptionPrivateKey, seal)
		if err != nil {
			return nil, err.Error()
		}
		var rumor event.Draft
		if err := json.Unmarshal(plaintext, &rumor); err != nil {
			return nil, "malformed rumor"
		}
		return map[string]any{"sender": rumor.PubKey, "rumor": rumor}, ""
	}
	return nil, "unknown method " + method
}

func wrapWith(user *identity.Keys, recipient string, recipientEncKey []byte, rumor event.Draft) (event.Event, error) {
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return event.Event{}, err
	}
	seal, err := crypto.SealTo(user.EncryptionPrivateKey, recipientEncKey, rumorJSON)
	if err != nil {
		return event.Event{}, err
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

func randomKeys() (*identity.Keys, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return identity.DeriveKeys(secret)
}
