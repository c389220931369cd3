package task

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Box is an encrypted payload as it appears on the wire: the 24-byte nonce
// followed immediately by the ciphertext (which already carries the AEAD
// authenticator appended by the underlying primitive).
type Box struct {
	Nonce      [NonceLength]byte
	Ciphertext []byte
}

// Bytes serialises the box as nonce||ciphertext, the layout spec §3 and §6.4
// require on the wire.
func (b Box) Bytes() []byte {
	out := make([]byte, 0, NonceLength+len(b.Ciphertext))
	out = append(out, b.Nonce[:]...)
	out = append(out, b.Ciphertext...)
	return out
}

// parseBox splits a wire blob back into its nonce and ciphertext.
func parseBox(raw []byte) (Box, error) {
	if len(raw) < NonceLength {
		return Box{}, fmt.Errorf("task: bad packet length %d, want at least %d", len(raw), NonceLength)
	}
	var b Box
	copy(b.Nonce[:], raw[:NonceLength])
	b.Ciphertext = raw[NonceLength:]
	return b, nil
}

// AEADService is the session-provided authenticated-encryption primitive.
// It is the single black box this package never implements itself — spec §1
// explicitly keeps it out of scope. EncryptForPeer/DecryptFromPeer receive
// and return plaintext/ciphertext only; nonce bytes are supplied by the
// crypto context and must be used verbatim as the AEAD nonce.
type AEADService interface {
	EncryptForPeer(data []byte, nonce [NonceLength]byte) ([]byte, error)
	DecryptFromPeer(ciphertext []byte, nonce [NonceLength]byte) ([]byte, error)
}

// CryptoContext holds the per-channel nonce and cookie state spec §4.2
// describes: one instance per data channel id, created once and never
// shared across channel ids.
type CryptoContext struct {
	channelID uint16
	aead      AEADService

	ourCookie   Cookie
	theirCookie *Cookie

	ourCSN          uint64
	lastIncomingCSN *uint64
}

// NewCryptoContext constructs a crypto context for channelID, generating a
// fresh random cookie and seeding the outgoing CSN at initialCSN (overflow
// 0). The session chooses initialCSN; SaltyRTC itself picks a random
// starting sequence per direction to make the wire stream harder to
// fingerprint, which is why it's a parameter rather than always 0.
func NewCryptoContext(channelID uint16, aead AEADService, initialCSN uint32) (*CryptoContext, error) {
	c := &CryptoContext{
		channelID: channelID,
		aead:      aead,
		ourCSN:    uint64(initialCSN),
	}
	if _, err := io.ReadFull(rand.Reader, c.ourCookie[:]); err != nil {
		return nil, fmt.Errorf("task: generating cookie: %w", err)
	}
	return c, nil
}

// OurCookie returns the cookie this context announces to the peer.
func (c *CryptoContext) OurCookie() Cookie { return c.ourCookie }

// Encrypt advances the outgoing CSN, builds the nonce and delegates to the
// AEAD service. See spec §4.2.
func (c *CryptoContext) Encrypt(data []byte) (Box, error) {
	c.ourCSN++
	overflow := uint16(c.ourCSN >> 32)
	sequence := uint32(c.ourCSN)
	nonce := encodeNonce(c.ourCookie, c.channelID, overflow, sequence)

	ciphertext, err := c.aead.EncryptForPeer(data, nonce)
	if err != nil {
		return Box{}, err
	}
	return Box{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt validates a box's nonce against the invariants in spec §4.2 and
// §8 (cookie stability, cookie distinctness, exact-CSN-reuse rejection,
// channel binding) before delegating to the AEAD service.
func (c *CryptoContext) Decrypt(b Box) ([]byte, error) {
	n, err := decodeNonce(b.Nonce[:])
	if err != nil {
		return nil, fmt.Errorf("task: bad packet length: %w", err)
	}

	if n.Cookie == c.ourCookie {
		return nil, fmt.Errorf("task: local and remote cookie are equal")
	}

	if c.theirCookie == nil {
		cookie := n.Cookie
		c.theirCookie = &cookie
	} else if n.Cookie != *c.theirCookie {
		return nil, fmt.Errorf("task: remote cookie changed")
	}

	csn := n.CombinedSequenceNumber()
	if c.lastIncomingCSN != nil && csn == *c.lastIncomingCSN {
		return nil, fmt.Errorf("task: CSN reuse detected")
	}

	if n.ChannelID != c.channelID {
		return nil, fmt.Errorf("task: channel id mismatch: got %d, want %d", n.ChannelID, c.channelID)
	}

	c.lastIncomingCSN = &csn

	return c.aead.DecryptFromPeer(b.Ciphertext, b.Nonce)
}
