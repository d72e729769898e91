package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/sovereign/kernel/pkg/types"
)

// Cipher seals and opens frame payloads with AES-256-GCM when a frame
// carries FlagEncrypted (spec §3/§6's header flag bit 0, otherwise never
// acted on). One Cipher is shared by both ends of a connection; the key
// is out-of-band material (provisioned alongside node_id/peers), not
// negotiated on the wire.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte AES-256 key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: encryption key must be 32 bytes, got %d", types.ErrProtocol, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	return &Cipher{aead: gcm}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext||tag.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", types.ErrInternal, err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal, rejecting anything shorter than one nonce or whose
// authentication tag doesn't verify (tampered or encrypted under a
// different key — surfaced as ErrProtocol, matching the wire-malformed
// treatment the rest of this package gives undecodable frames).
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("%w: encrypted payload shorter than nonce", types.ErrProtocol)
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt payload: %v", types.ErrProtocol, err)
	}
	return plaintext, nil
}
