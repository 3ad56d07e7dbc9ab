// Package e2ee seals message and file payloads for the members of a chat.
//
// Messages are sealed once per recipient with a key derived from the
// sender/recipient X25519 shared secret. The chat id is mixed into the key
// derivation and authenticated as associated data, so a box lifted from one
// chat does not open in another.
package e2ee

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/matheus3301/securechat/internal/model"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	messageInfo     = "securechat/message/v1"
)

// Recipient is a chat member that should be able to open a message.
type Recipient struct {
	ID        string
	PublicKey []byte
}

// Envelope is the wire form of an encrypted message.
type Envelope struct {
	Version   int    `json:"v"`
	ChatID    string `json:"chat"`
	SenderKey []byte `json:"sender_key"`
	Boxes     []Box  `json:"boxes"`
}

// Box is one recipient's copy of the message.
type Box struct {
	RecipientID string `json:"rid"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ct"`
}

// Engine holds the device key pair and performs encryption with it.
// It is unusable until SetKeyPair is called and again after ClearKeys.
type Engine struct {
	mu   sync.RWMutex
	keys *KeyPair
}

// NewEngine returns an engine with no key material bound.
func NewEngine() *Engine {
	return &Engine{}
}

// GenerateKeyPair creates a key pair without binding it.
func (e *Engine) GenerateKeyPair() (*KeyPair, error) {
	return GenerateKeyPair()
}

// SetKeyPair binds kp as the device key pair.
func (e *Engine) SetKeyPair(kp *KeyPair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keys != nil {
		e.keys.wipe()
	}
	e.keys = &KeyPair{
		Public:  append([]byte(nil), kp.Public...),
		Private: append([]byte(nil), kp.Private...),
	}
}

// ClearKeys releases the bound key material.
func (e *Engine) ClearKeys() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keys != nil {
		e.keys.wipe()
		e.keys = nil
	}
}

// HasKeys reports whether a key pair is bound.
func (e *Engine) HasKeys() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keys != nil
}

// PublicKey returns a copy of the bound public key.
func (e *Engine) PublicKey() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.keys == nil {
		return nil, fmt.Errorf("%w: no key pair bound", model.ErrEncryption)
	}
	return append([]byte(nil), e.keys.Public...), nil
}

// EncryptMessage seals plaintext for each recipient and returns the encoded envelope.
func (e *Engine) EncryptMessage(plaintext []byte, chatID string, recipients []Recipient) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.keys == nil {
		return nil, fmt.Errorf("%w: no key pair bound", model.ErrEncryption)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", model.ErrEncryption)
	}

	env := Envelope{
		Version:   envelopeVersion,
		ChatID:    chatID,
		SenderKey: e.keys.Public,
		Boxes:     make([]Box, 0, len(recipients)),
	}
	for _, r := range recipients {
		aead, err := pairAEAD(e.keys.Private, r.PublicKey, e.keys.Public, r.PublicKey, chatID)
		if err != nil {
			return nil, fmt.Errorf("%w: recipient %s: %v", model.ErrEncryption, r.ID, err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("%w: nonce: %v", model.ErrEncryption, err)
		}
		env.Boxes = append(env.Boxes, Box{
			RecipientID: r.ID,
			Nonce:       nonce,
			Ciphertext:  aead.Seal(nil, nonce, plaintext, associatedData(chatID, r.ID)),
		})
	}
	return json.Marshal(env)
}

// DecryptMessage opens the box addressed to recipientID in an envelope
// produced by EncryptMessage for chatID.
func (e *Engine) DecryptMessage(ciphertext []byte, chatID, recipientID string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.keys == nil {
		return nil, fmt.Errorf("%w: no key pair bound", model.ErrEncryption)
	}

	var env Envelope
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", model.ErrEncryption, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", model.ErrEncryption, env.Version)
	}
	for _, box := range env.Boxes {
		if box.RecipientID != recipientID {
			continue
		}
		aead, err := pairAEAD(e.keys.Private, env.SenderKey, env.SenderKey, e.keys.Public, chatID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrEncryption, err)
		}
		if len(box.Nonce) != aead.NonceSize() {
			return nil, fmt.Errorf("%w: bad nonce length", model.ErrEncryption)
		}
		plain, err := aead.Open(nil, box.Nonce, box.Ciphertext, associatedData(chatID, recipientID))
		if err != nil {
			return nil, fmt.Errorf("%w: open box: %v", model.ErrEncryption, err)
		}
		return plain, nil
	}
	return nil, fmt.Errorf("%w: no box for recipient %s", model.ErrEncryption, recipientID)
}

// EncryptFile seals a file payload under a fresh symmetric key. The returned
// ciphertext is nonce || sealed bytes.
func (e *Engine) EncryptFile(data []byte) (ciphertext, key []byte, err error) {
	if !e.HasKeys() {
		return nil, nil, fmt.Errorf("%w: no key pair bound", model.ErrEncryption)
	}
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("%w: file key: %v", model.ErrEncryption, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: nonce: %v", model.ErrEncryption, err)
	}
	return aead.Seal(nonce, nonce, data, nil), key, nil
}

// DecryptFile reverses EncryptFile.
func DecryptFile(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEncryption, err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: file ciphertext too short", model.ErrEncryption)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open file: %v", model.ErrEncryption, err)
	}
	return plain, nil
}

// pairAEAD derives the AEAD for one sender/recipient pair inside a chat.
// The sender passes the recipient's key as peer, the recipient passes the sender's.
func pairAEAD(priv, peer, senderPub, recipientPub []byte, chatID string) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(priv, peer)
	if err != nil {
		return nil, fmt.Errorf("shared secret: %w", err)
	}

	info := make([]byte, 0, len(messageInfo)+len(chatID)+2+len(senderPub)+len(recipientPub))
	info = append(info, messageInfo...)
	info = append(info, 0)
	info = append(info, chatID...)
	info = append(info, 0)
	info = append(info, senderPub...)
	info = append(info, recipientPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func associatedData(chatID, recipientID string) []byte {
	ad := make([]byte, 0, len(chatID)+1+len(recipientID))
	ad = append(ad, chatID...)
	ad = append(ad, 0)
	return append(ad, recipientID...)
}
