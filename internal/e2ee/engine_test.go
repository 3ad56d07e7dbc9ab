package e2ee

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/matheus3301/securechat/internal/model"
)

func testEngine(t *testing.T) (*Engine, *KeyPair) {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine()
	e.SetKeyPair(kp)
	return e, kp
}

func TestMessageRoundTrip(t *testing.T) {
	alice, alicePair := testEngine(t)
	bob, bobPair := testEngine(t)

	ct, err := alice.EncryptMessage([]byte("attack at dawn"), "chat-1", []Recipient{
		{ID: "bob", PublicKey: bobPair.Public},
		{ID: "alice", PublicKey: alicePair.Public},
	})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(ct, []byte("attack at dawn")) {
		t.Error("envelope leaks plaintext")
	}

	got, err := bob.DecryptMessage(ct, "chat-1", "bob")
	if err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}
	if string(got) != "attack at dawn" {
		t.Errorf("bob got %q", got)
	}

	// The sender can read its own copy.
	got, err = alice.DecryptMessage(ct, "chat-1", "alice")
	if err != nil {
		t.Fatalf("alice decrypt: %v", err)
	}
	if string(got) != "attack at dawn" {
		t.Errorf("alice got %q", got)
	}
}

func TestCiphertextBoundToChat(t *testing.T) {
	alice, _ := testEngine(t)
	bob, bobPair := testEngine(t)

	ct, err := alice.EncryptMessage([]byte("secret"), "chat-1", []Recipient{{ID: "bob", PublicKey: bobPair.Public}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.DecryptMessage(ct, "chat-2", "bob"); !errors.Is(err, model.ErrEncryption) {
		t.Errorf("replay into chat-2: err = %v, want ErrEncryption", err)
	}

	// Rewriting the envelope's chat field does not help either.
	var env Envelope
	if err := json.Unmarshal(ct, &env); err != nil {
		t.Fatal(err)
	}
	env.ChatID = "chat-2"
	forged, _ := json.Marshal(env)
	if _, err := bob.DecryptMessage(forged, "chat-2", "bob"); err == nil {
		t.Error("forged envelope opened in another chat")
	}
}

func TestRecipientIsolation(t *testing.T) {
	alice, _ := testEngine(t)
	_, bobPair := testEngine(t)
	carol, carolPair := testEngine(t)

	ct, err := alice.EncryptMessage([]byte("group"), "g", []Recipient{
		{ID: "bob", PublicKey: bobPair.Public},
		{ID: "carol", PublicKey: carolPair.Public},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Carol's key cannot open the box addressed to Bob.
	if _, err := carol.DecryptMessage(ct, "g", "bob"); err == nil {
		t.Error("carol opened bob's box")
	}
	if got, err := carol.DecryptMessage(ct, "g", "carol"); err != nil || string(got) != "group" {
		t.Errorf("carol decrypt = %q, %v", got, err)
	}
}

func TestClearKeysDisablesEncryption(t *testing.T) {
	e, kp := testEngine(t)
	e.ClearKeys()

	if e.HasKeys() {
		t.Error("HasKeys() = true after ClearKeys")
	}
	if _, err := e.EncryptMessage([]byte("x"), "c", []Recipient{{ID: "a", PublicKey: kp.Public}}); !errors.Is(err, model.ErrEncryption) {
		t.Errorf("EncryptMessage err = %v, want ErrEncryption", err)
	}
	if _, _, err := e.EncryptFile([]byte("x")); !errors.Is(err, model.ErrEncryption) {
		t.Errorf("EncryptFile err = %v, want ErrEncryption", err)
	}
	if _, err := e.PublicKey(); !errors.Is(err, model.ErrEncryption) {
		t.Errorf("PublicKey err = %v, want ErrEncryption", err)
	}

	e.SetKeyPair(kp)
	if _, err := e.EncryptMessage([]byte("x"), "c", []Recipient{{ID: "a", PublicKey: kp.Public}}); err != nil {
		t.Errorf("EncryptMessage after SetKeyPair: %v", err)
	}
}

func TestEncryptRequiresRecipients(t *testing.T) {
	e, _ := testEngine(t)
	if _, err := e.EncryptMessage([]byte("x"), "c", nil); !errors.Is(err, model.ErrEncryption) {
		t.Errorf("err = %v, want ErrEncryption", err)
	}
}

func TestFileRoundTrip(t *testing.T) {
	e, _ := testEngine(t)
	data := bytes.Repeat([]byte("payload"), 1000)

	ct, key, err := e.EncryptFile(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
	got, err := DecryptFile(ct, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("file round trip mismatch")
	}

	ct[len(ct)-1] ^= 0xff
	if _, err := DecryptFile(ct, key); !errors.Is(err, model.ErrEncryption) {
		t.Errorf("tampered file: err = %v, want ErrEncryption", err)
	}
}

func TestKeyPairFromPrivate(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	again, err := KeyPairFromPrivate(kp.Private)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again.Public, kp.Public) {
		t.Error("public key not reproducible from private key")
	}
	if _, err := KeyPairFromPrivate([]byte("short")); err == nil {
		t.Error("expected error for short private key")
	}
}
