package task

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeNonceRoundTrip(t *testing.T) {
	var cookie Cookie
	for i := range cookie {
		cookie[i] = byte(i + 1)
	}
	cases := []struct {
		channelID uint16
		overflow  uint16
		sequence  uint32
	}{
		{0, 0, 0},
		{4370, 4884, 84281096},
		{65535, 65535, 4294967295},
	}
	for i, c := range cases {
		b := encodeNonce(cookie, c.channelID, c.overflow, c.sequence)
		n, err := decodeNonce(b[:])
		if err != nil {
			t.Fatalf("testcase %v: decode: %v", i, err)
		}
		if n.Cookie != cookie || n.ChannelID != c.channelID || n.Overflow != c.overflow || n.Sequence != c.sequence {
			t.Errorf("testcase %v: got %+v, want channel=%v overflow=%v sequence=%v", i, n, c.channelID, c.overflow, c.sequence)
		}
		got := encodeNonce(n.Cookie, n.ChannelID, n.Overflow, n.Sequence)
		if got != b {
			t.Errorf("testcase %v: encode(decode(n)) != n", i)
		}
	}
}

// TestNonceScenario1 matches spec §8 scenario 1 exactly.
func TestNonceScenario1(t *testing.T) {
	var cookie Cookie
	for i := range cookie {
		cookie[i] = byte(i + 1)
	}
	b := encodeNonce(cookie, 4370, 4884, 84281096)
	want := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10,
		0x11, 0x12, 0x13, 0x14, 0x05, 0x06, 0x07, 0x08,
	}
	if !bytes.Equal(b[:], want) {
		t.Errorf("got % X, want % X", b, want)
	}

	n, err := decodeNonce(b[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	const want64 = 4884*4294967296 + 84281096
	if got := n.CombinedSequenceNumber(); got != want64 {
		t.Errorf("combined sequence number: got %v, want %v", got, want64)
	}
}

func TestDecodeNonceInvalidLength(t *testing.T) {
	cases := [][]byte{nil, {}, make([]byte, 23), make([]byte, 25)}
	for i, b := range cases {
		if _, err := decodeNonce(b); err == nil {
			t.Errorf("testcase %v: expected error for length %v", i, len(b))
		}
	}
}
