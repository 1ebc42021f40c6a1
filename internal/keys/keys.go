// Package keys generates the signing identities given to trading agents.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/mr-tron/base58"

	"github.com/soyeahso/tradesim/internal/domain"
)

// Identity is a freshly generated key pair in wallet encoding.
type Identity struct {
	PublicKey string
	SecretKey domain.SecretKey
}

// Generator produces new agent identities.
type Generator interface {
	NewIdentity() (Identity, error)
}

// Ed25519 generates Solana-style key pairs: base58 public key and a base58
// 64-byte secret (seed followed by public key).
type Ed25519 struct {
	Rand io.Reader // nil uses crypto/rand
}

// NewIdentity implements Generator.
func (g Ed25519) NewIdentity() (Identity, error) {
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return Identity{}, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return Identity{
		PublicKey: base58.Encode(pub),
		SecretKey: domain.SecretKey(base58.Encode(priv)),
	}, nil
}

// PublicKeyOf recovers the base58 public key from an encoded secret.
func PublicKeyOf(secret domain.SecretKey) (string, error) {
	raw, err := base58.Decode(secret.Reveal())
	if err != nil {
		return "", fmt.Errorf("decoding secret key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("secret key has %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	pub := ed25519.PrivateKey(raw).Public().(ed25519.PublicKey)
	return base58.Encode(pub), nil
}
