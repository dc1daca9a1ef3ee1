package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPeerKey = errors.New("invalid peer key")
	ErrSealCorrupted  = errors.New("sealed envelope corrupted or not addressed to this key")
)

const (
	sealVersion = 1

	infoGiftWrap = "marmot/giftwrap/v1"
	infoSigner   = "marmot/signer-session/v1"
)

// Seal is the ciphertext container carried inside a gift-wrap event. The
// sender's static X25519 public key rides along so the recipient can derive
// the shared key; authenticity of the inner rumor comes from the rumor's own
// author field, which is covered by the AEAD.
type Seal struct {
	Version    uint8  `json:"version"`
	SenderKey  []byte `json:"sender_key"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealTo encrypts plaintext from the sender's static encryption key to the
// recipient's. Both sides of the ECDH are static, so only the two private
// keys can open the result.
func SealTo(senderPriv, recipientPub, plaintext []byte) (*Seal, error) {
	key, senderPub, err := sharedKey(senderPriv, recipientPub, infoGiftWrap)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Seal{
		Version:    sealVersion,
		SenderKey:  senderPub,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open decrypts a seal addressed to the holder of recipientPriv.
func Open(recipientPriv []byte, s *Seal) ([]byte, error) {
	if s == nil || s.Version != sealVersion {
		return nil, ErrSealCorrupted
	}
	key, _, err := sharedKey(recipientPriv, s.SenderKey, infoGiftWrap)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrSealCorrupted
	}
	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, ErrSealCorrupted
	}
	return plaintext, nil
}

func (s *Seal) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeSeal(content string) (*Seal, error) {
	var s Seal
	if err := json.Unmarshal([]byte(content), &s); err != nil {
		return nil, ErrSealCorrupted
	}
	return &s, nil
}

// SessionCipher encrypts signer-protocol payloads between a client's
// communication key and the remote signer. The key is static-static and
// derived once per session.
type SessionCipher struct {
	key []byte
}

func NewSessionCipher(localPriv, remotePub []byte) (*SessionCipher, error) {
	key, _, err := sharedKey(localPriv, remotePub, infoSigner)
	if err != nil {
		return nil, err
	}
	return &SessionCipher{key: key}, nil
}

func (c *SessionCipher) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := struct {
		Nonce      []byte `json:"nonce"`
		Ciphertext []byte `json:"ciphertext"`
	}{nonce, aead.Seal(nil, nonce, plaintext, nil)}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *SessionCipher) Decrypt(content string) ([]byte, error) {
	var in struct {
		Nonce      []byte `json:"nonce"`
		Ciphertext []byte `json:"ciphertext"`
	}
	if err := json.Unmarshal([]byte(content), &in); err != nil {
		return nil, ErrSealCorrupted
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(in.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrSealCorrupted
	}
	plaintext, err := aead.Open(nil, in.Nonce, in.Ciphertext, nil)
	if err != nil {
		return nil, ErrSealCorrupted
	}
	return plaintext, nil
}

func sharedKey(priv, peerPub []byte, info string) (key, localPub []byte, err error) {
	if len(priv) != curve25519.ScalarSize || len(peerPub) != curve25519.PointSize {
		return nil, nil, ErrInvalidPeerKey
	}
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, nil, ErrInvalidPeerKey
	}
	localPub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	// Salt binds the key to the unordered pair of parties so either side
	// derives the same key regardless of direction.
	salt := xorBytes(localPub, peerPub)
	reader := hkdf.New(sha256.New, shared, salt, []byte(info))
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, nil, err
	}
	return key, localPub, nil
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
