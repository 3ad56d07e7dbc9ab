package e2ee

import (
	"crypto/rand"
	"fmt"

	"github.com/matheus3301/securechat/internal/model"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of X25519 public and private keys.
const KeySize = curve25519.ScalarSize

// KeyPair is a device's X25519 key pair.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("%w: read entropy: %v", model.ErrEncryption, err)
	}
	return KeyPairFromPrivate(priv)
}

// KeyPairFromPrivate rebuilds a key pair from a stored private key.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", model.ErrEncryption, len(priv), KeySize)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive public key: %v", model.ErrEncryption, err)
	}
	p := make([]byte, KeySize)
	copy(p, priv)
	return &KeyPair{Public: pub, Private: p}, nil
}

func (kp *KeyPair) wipe() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}
