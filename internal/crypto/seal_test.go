package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func testEncKeypair(t *testing.T) (priv, pub []byte) {
	t.Helper()
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive public: %v", err)
	}
	return priv, pub
}

func TestSealOpenRoundTrip(t *testing.T) {
	senderPriv, _ := testEncKeypair(t)
	recipientPriv, recipientPub := testEncKeypair(t)
	plaintext := []byte(`{"kind":444,"content":"welcome"}`)

	seal, err := SealTo(senderPriv, recipientPub, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := Open(recipientPriv, seal)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatal("opened plaintext differs")
	}
}

func TestSealEncodeDecodeRoundTrip(t *testing.T) {
	senderPriv, _ := testEncKeypair(t)
	recipientPriv, recipientPub := testEncKeypair(t)

	seal, err := SealTo(senderPriv, recipientPub, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	content, err := seal.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSeal(content)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := Open(recipientPriv, decoded); err != nil {
		t.Fatalf("open decoded: %v", err)
	}
}

func TestOpenRejectsWrongRecipient(t *testing.T) {
	senderPriv, _ := testEncKeypair(t)
	_, recipientPub := testEncKeypair(t)
	otherPriv, _ := testEncKeypair(t)

	seal, err := SealTo(senderPriv, recipientPub, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(otherPriv, seal); !errors.Is(err, ErrSealCorrupted) {
		t.Fatalf("err = %v, want ErrSealCorrupted", err)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	senderPriv, _ := testEncKeypair(t)
	recipientPriv, recipientPub := testEncKeypair(t)

	seal, err := SealTo(senderPriv, recipientPub, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	seal.Ciphertext[0] ^= 0xff
	if _, err := Open(recipientPriv, seal); !errors.Is(err, ErrSealCorrupted) {
		t.Fatalf("err = %v, want ErrSealCorrupted", err)
	}
}

func TestSealToRejectsBadPeerKey(t *testing.T) {
	senderPriv, _ := testEncKeypair(t)
	if _, err := SealTo(senderPriv, []byte("short"), []byte("x")); !errors.Is(err, ErrInvalidPeerKey) {
		t.Fatalf("err = %v, want ErrInvalidPeerKey", err)
	}
}

func TestSessionCipherIsDirectionIndependent(t *testing.T) {
	alicePriv, alicePub := testEncKeypair(t)
	bobPriv, bobPub := testEncKeypair(t)

	alice, err := NewSessionCipher(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("alice cipher: %v", err)
	}
	bob, err := NewSessionCipher(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("bob cipher: %v", err)
	}

	content, err := alice.Encrypt([]byte(`{"method":"connect"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := bob.Decrypt(content)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != `{"method":"connect"}` {
		t.Fatalf("plaintext = %q", plaintext)
	}

	reply, err := bob.Encrypt([]byte("ack"))
	if err != nil {
		t.Fatalf("reply encrypt: %v", err)
	}
	back, err := alice.Decrypt(reply)
	if err != nil {
		t.Fatalf("reply decrypt: %v", err)
	}
	if string(back) != "ack" {
		t.Fatalf("reply = %q", back)
	}
}

func TestSessionCipherRejectsForeignContent(t *testing.T) {
	alicePriv, _ := testEncKeypair(t)
	_, bobPub := testEncKeypair(t)
	evePriv, _ := testEncKeypair(t)

	alice, err := NewSessionCipher(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("alice cipher: %v", err)
	}
	eve, err := NewSessionCipher(evePriv, bobPub)
	if err != nil {
		t.Fatalf("eve cipher: %v", err)
	}

	content, err := alice.Encrypt([]byte("for bob"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := eve.Decrypt(content); !errors.Is(err, ErrSealCorrupted) {
		t.Fatalf("err = %v, want ErrSealCorrupted", err)
	}
}
