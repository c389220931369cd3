package task

import (
	"encoding/binary"
	"fmt"
)

// NonceLength is the fixed wire size of a nonce: 16 bytes of cookie, a
// 16-bit channel id, a 16-bit CSN overflow and a 32-bit CSN sequence.
const NonceLength = 24

// OverheadLength is the number of bytes a Box adds on top of the plaintext:
// the nonce plus the underlying AEAD authenticator.
const OverheadLength = 40

// CookieLength is the size in bytes of a Cookie.
const CookieLength = 16

// Cookie is a 16-byte random identifier an endpoint establishes once per
// crypto context and never changes for the lifetime of that channel id.
type Cookie [CookieLength]byte

// Nonce is the decoded form of the 24-byte value carried as the leading
// bytes of every Box on the wire. See NonceLength, encodeNonce and spec §3
// for the byte layout.
type Nonce struct {
	Cookie    Cookie
	ChannelID uint16
	Overflow  uint16
	Sequence  uint32
}

// CombinedSequenceNumber returns the 48-bit counter the overflow/sequence
// pair encodes: overflow*2^32 + sequence, computed in 64-bit arithmetic.
func (n Nonce) CombinedSequenceNumber() uint64 {
	return uint64(n.Overflow)<<32 | uint64(n.Sequence)
}

// encodeNonce serialises a nonce's fields into the 24-byte wire format.
func encodeNonce(cookie Cookie, channelID, overflow uint16, sequence uint32) [NonceLength]byte {
	var b [NonceLength]byte
	copy(b[0:16], cookie[:])
	binary.BigEndian.PutUint16(b[16:18], channelID)
	binary.BigEndian.PutUint16(b[18:20], overflow)
	binary.BigEndian.PutUint32(b[20:24], sequence)
	return b
}

// decodeNonce parses a 24-byte wire nonce. It validates only length; callers
// that need cookie/channel/CSN invariants enforce those themselves (see
// CryptoContext.Decrypt).
func decodeNonce(b []byte) (Nonce, error) {
	if len(b) != NonceLength {
		return Nonce{}, fmt.Errorf("task: invalid nonce length %d, want %d", len(b), NonceLength)
	}
	var n Nonce
	copy(n.Cookie[:], b[0:16])
	n.ChannelID = binary.BigEndian.Uint16(b[16:18])
	n.Overflow = binary.BigEndian.Uint16(b[18:20])
	n.Sequence = binary.BigEndian.Uint32(b[20:24])
	return n, nil
}
