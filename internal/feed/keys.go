package feed

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// discoveryContext is hashed under the public key to derive discovery keys.
var discoveryContext = []byte("hypercore")

// KeyPair is an actor identity. SecretKey is nil for actors we only replicate.
type KeyPair struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// NewKeyPair generates a fresh writable identity.
func NewKeyPair() (KeyPair, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{PublicKey: pub, SecretKey: sec}, nil
}

// ID returns the actor id for the key pair.
func (kp KeyPair) ID() string {
	return EncodeID(kp.PublicKey)
}

// Writable reports whether the pair can author records.
func (kp KeyPair) Writable() bool {
	return len(kp.SecretKey) == ed25519.PrivateKeySize
}

// EncodeID renders a public key as an actor id.
func EncodeID(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// ParseID decodes an actor id into its public key.
func ParseID(id string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("actor id %q: %w", id, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("actor id %q: want %d bytes, got %d", id, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DiscoveryKey derives the public lookup key for a log: blake2b-256 keyed
// by the public key over a fixed context.
func DiscoveryKey(pub ed25519.PublicKey) string {
	h, err := blake2b.New256(pub)
	if err != nil {
		// Only possible with keys longer than 64 bytes.
		panic(fmt.Sprintf("discovery key: %v", err))
	}
	h.Write(discoveryContext)
	return hex.EncodeToString(h.Sum(nil))
}
