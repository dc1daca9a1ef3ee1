package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidSecretKey = errors.New("invalid secret key")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
)

const (
	publicKeyPrefix = "marmot1"
	secretKeyPrefix = "msec1"

	hkdfInfoSigning    = "marmot/identity/signing/v1"
	hkdfInfoEncryption = "marmot/identity/encryption/v1"

	secretSize = 32
)

// Keys holds the dual keypair behind one identity: an Ed25519 pair for event
// signatures and an X25519 pair for sealed envelopes. Both are derived from
// the same 32-byte master secret, so one secret backs the whole identity.
type Keys struct {
	Secret               []byte
	SigningPrivateKey    ed25519.PrivateKey
	SigningPublicKey     ed25519.PublicKey
	EncryptionPrivateKey []byte
	EncryptionPublicKey  []byte
}

func DeriveKeys(secret []byte) (*Keys, error) {
	if len(secret) != secretSize {
		return nil, ErrInvalidSecretKey
	}
	signingSeed, err := hkdfExpand(secret, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	encryptionPriv, err := hkdfExpand(secret, hkdfInfoEncryption, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	encryptionPub, err := curve25519.X25519(encryptionPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	return &Keys{
		Secret:               append([]byte(nil), secret...),
		SigningPrivateKey:    signingPriv,
		SigningPublicKey:     signingPriv.Public().(ed25519.PublicKey),
		EncryptionPrivateKey: encryptionPriv,
		EncryptionPublicKey:  encryptionPub,
	}, nil
}

// Generate creates a fresh identity from 256-bit bip39 entropy and returns
// the mnemonic alongside the derived keys. The mnemonic is shown to the user
// exactly once; only the derived secret is ever persisted.
func Generate() (string, *Keys, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, err
	}
	keys, err := FromMnemonic(mnemonic)
	if err != nil {
		return "", nil, err
	}
	return mnemonic, keys, nil
}

func FromMnemonic(mnemonic string) (*Keys, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	secret := sha256.Sum256(seed)
	return DeriveKeys(secret[:])
}

// ParseSecret accepts either the msec1 base58 encoding or raw 64-char hex.
func ParseSecret(s string) (*Keys, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidSecretKey
	}
	if strings.HasPrefix(s, secretKeyPrefix) {
		raw, err := base58.Decode(strings.TrimPrefix(s, secretKeyPrefix))
		if err != nil || len(raw) != secretSize {
			return nil, ErrInvalidSecretKey
		}
		return DeriveKeys(raw)
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != secretSize {
		return nil, ErrInvalidSecretKey
	}
	return DeriveKeys(raw)
}

func (k *Keys) PublicHex() string {
	return hex.EncodeToString(k.SigningPublicKey)
}

func (k *Keys) EncodeSecret() string {
	return secretKeyPrefix + base58.Encode(k.Secret)
}

// EncodePublicKey renders a hex signing key in the marmot1 display encoding.
func EncodePublicKey(pubHex string) (string, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return "", ErrInvalidPublicKey
	}
	return publicKeyPrefix + base58.Encode(raw), nil
}

// DecodePublicKey accepts marmot1 or hex and returns the canonical hex form.
func DecodePublicKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, publicKeyPrefix) {
		raw, err := base58.Decode(strings.TrimPrefix(s, publicKeyPrefix))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return "", ErrInvalidPublicKey
		}
		return hex.EncodeToString(raw), nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: %q", ErrInvalidPublicKey, s)
	}
	return strings.ToLower(s), nil
}

func hkdfExpand(secret []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
