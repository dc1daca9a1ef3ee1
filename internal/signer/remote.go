package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"marmot-chat/go-cli/internal/crypto"
	"marmot-chat/go-cli/internal/event"
	"marmot-chat/go-cli/internal/identity"
	"marmot-chat/go-cli/internal/relay"
)

// bunkerTimeout bounds the whole handshake and each signing round trip.
const bunkerTimeout = 30 * time.Second

const responsePollInterval = 300 * time.Millisecond

// remoteSession is an authenticated channel to the bunker. Requests and
// responses are ordinary relay events of kind KindSignerConn whose content
// is sealed with the session cipher derived from the link's communication
// keypair and the signer's published encryption key.
type remoteSession struct {
	mu      sync.Mutex
	cfg     *RemoteConfig
	relayc  relay.Client
	keys    *identity.Keys
	cipher  *crypto.SessionCipher
	userPub string
	userEnc []byte
}

type signerRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type signerResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// connectRemote performs the bunker handshake: learn the signer's encryption
// key from its published key package, open the session, connect, and obtain
// the user's public key. With requireFresh the cached user key is ignored
// and the signer must report it again. The connection record is persisted
// before the session is surfaced as ready.
func connectRemote(ctx context.Context, cfg *RemoteConfig, rc relay.Client, dbPath string, audit *AuditLog, requireFresh bool) (*remoteSession, error) {
	keys, err := cfg.ClientKeys()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, bunkerTimeout)
	defer cancel()

	pkgEvents, err := rc.Fetch(ctx, event.Filter{
		Kinds:   []int{event.KindKeyPackage},
		Authors: []string{cfg.RemoteSignerPubKey},
		Limit:   1,
	}, 10*time.Second)
	if err != nil {
		return nil, remoteErr(cfg, fmt.Sprintf("fetch signer key package: %v", err))
	}
	if len(pkgEvents) == 0 {
		return nil, remoteErr(cfg, "signer key package not found; is the bunker online and announced?")
	}
	signerEnc, err := hex.DecodeString(pkgEvents[0].FirstTag("enc"))
	if err != nil || len(signerEnc) != 32 {
		return nil, remoteErr(cfg, "signer key package carries no usable encryption key")
	}

	cipher, err := crypto.NewSessionCipher(keys.EncryptionPrivateKey, signerEnc)
	if err != nil {
		return nil, remoteErr(cfg, fmt.Sprintf("derive session key: %v", err))
	}

	rs := &remoteSession{
		cfg:    cfg,
		relayc: rc,
		keys:   keys,
		cipher: cipher,
	}

	connectParams, _ := json.Marshal(map[string]string{"secret": cfg.Secret})
	if _, err := rs.roundTrip(ctx, "connect", connectParams); err != nil {
		return nil, err
	}

	// The cached user key is a hint that saves one round trip on reconnect.
	// Anything establishing new credential state passes requireFresh and
	// forces the signer to report it again.
	if !requireFresh && cfg.UserPubKey != "" && cfg.UserEncKey != "" {
		rs.userPub = cfg.UserPubKey
		if rs.userEnc, err = hex.DecodeString(cfg.UserEncKey); err != nil {
			return nil, remoteErr(cfg, "cached user encryption key is malformed")
		}
	} else {
		result, err := rs.roundTrip(ctx, "get_public_key", nil)
		if err != nil {
			return nil, err
		}
		var reported struct {
			PubKey string `json:"pubkey"`
			EncKey string `json:"enc_pubkey"`
		}
		if err := json.Unmarshal(result, &reported); err != nil {
			return nil, remoteErr(cfg, "signer returned an unreadable public key")
		}
		if rs.userPub, err = identity.DecodePublicKey(reported.PubKey); err != nil {
			return nil, remoteErr(cfg, "signer reported an invalid public key")
		}
		if rs.userEnc, err = hex.DecodeString(reported.EncKey); err != nil || len(rs.userEnc) != 32 {
			return nil, remoteErr(cfg, "signer reported an invalid encryption key")
		}
	}

	cfg.UpdateConnected(rs.userPub, hex.EncodeToString(rs.userEnc))
	if err := SaveConfig(dbPath, cfg); err != nil {
		return nil, fmt.Errorf("persist bunker config after connect: %w", err)
	}
	audit.Record("bunker_connect", "connected to bunker, user pubkey: "+rs.userPub)
	return rs, nil
}

func (rs *remoteSession) signEvent(ctx context.Context, draft event.Draft) (event.Event, error) {
	draft.PubKey = rs.userPub
	params, err := json.Marshal(draft)
	if err != nil {
		return event.Event{}, err
	}
	result, err := rs.roundTrip(ctx, "sign_event", params)
	if err != nil {
		return event.Event{}, fmt.Errorf("bunker signing failed: %w (is the bunker still online?)", err)
	}
	var ev event.Event
	if err := json.Unmarshal(result, &ev); err != nil {
		return event.Event{}, remoteErr(rs.cfg, "signer returned an unreadable signed event")
	}
	return ev, nil
}

func (rs *remoteSession) wrap(ctx context.Context, recipient string, recipientEncKey []byte, rumor event.Draft) (event.Event, error) {
	params, err := json.Marshal(struct {
		Recipient       string      `json:"recipient"`
		RecipientEncKey string      `json:"recipient_enc_key"`
		Rumor           event.Draft `json:"rumor"`
	}{recipient, hex.EncodeToString(recipientEncKey), rumor})
	if err != nil {
		return event.Event{}, err
	}
	result, err := rs.roundTrip(ctx, "wrap", params)
	if err != nil {
		return event.Event{}, fmt.Errorf("bunker gift-wrap failed: %w (sealing requires the bunker)", err)
	}
	var ev event.Event
	if err := json.Unmarshal(result, &ev); err != nil {
		return event.Event{}, remoteErr(rs.cfg, "signer returned an unreadable wrapped event")
	}
	return ev, nil
}

func (rs *remoteSession) unwrap(ctx context.Context, ev event.Event) (*Unwrapped, error) {
	params, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	result, err := rs.roundTrip(ctx, "unwrap", params)
	if err != nil {
		return nil, fmt.Errorf("bunker gift-unwrap failed: %w (decrypting requires the bunker)", err)
	}
	var out struct {
		Sender string      `json:"sender"`
		Rumor  event.Draft `json:"rumor"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, remoteErr(rs.cfg, "signer returned an unreadable rumor")
	}
	return &Unwrapped{Sender: out.Sender, Rumor: out.Rumor}, nil
}

// roundTrip publishes one sealed request and polls for its sealed response.
// Round trips are serialized: the signer is not assumed to support
// concurrent sessions.
func (rs *remoteSession) roundTrip(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, bunkerTimeout)
	defer cancel()

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, err
	}
	reqID := hex.EncodeToString(idBytes)

	plaintext, err := json.Marshal(signerRequest{ID: reqID, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	content, err := rs.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	// The signer derives the session key from our encryption key, which is
	// not recoverable from the event's signing key, so it rides in a tag.
	sent := time.Now()
	draft := event.NewDraft(rs.keys.PublicHex(), event.KindSignerConn, content).
		WithTag("p", rs.cfg.RemoteSignerPubKey).
		WithTag("enc", hex.EncodeToString(rs.keys.EncryptionPublicKey))
	ev, err := event.Sign(draft, rs.keys.SigningPrivateKey)
	if err != nil {
		return nil, err
	}
	if _, err := rs.relayc.Publish(ctx, ev); err != nil {
		return nil, remoteErr(rs.cfg, fmt.Sprintf("publish %s request: %v", method, err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil, remoteErr(rs.cfg, fmt.Sprintf("timed out waiting for %s response", method))
		case <-time.After(responsePollInterval):
		}

		replies, err := rs.relayc.Fetch(ctx, event.Filter{
			Kinds:     []int{event.KindSignerConn},
			Authors:   []string{rs.cfg.RemoteSignerPubKey},
			Recipient: rs.keys.PublicHex(),
			Since:     sent.Add(-5 * time.Second),
			Limit:     20,
		}, 2*time.Second)
		if err != nil {
			continue
		}
		for _, reply := range replies {
			raw, err := rs.cipher.Decrypt(reply.Content)
			if err != nil {
				continue
			}
			var resp signerResponse
			if err := json.Unmarshal(raw, &resp); err != nil || resp.ID != reqID {
				continue
			}
			if resp.Error != "" {
				return nil, remoteErr(rs.cfg, fmt.Sprintf("%s rejected: %s", method, resp.Error))
			}
			return resp.Result, nil
		}
	}
}

func remoteErr(cfg *RemoteConfig, msg string) error {
	return fmt.Errorf("%w: %s (relays attempted: %s)", ErrRemoteUnavailable, msg, strings.Join(cfg.Relays, ", "))
}
