// Package pairing turns a slot and a PAKE password into something a human
// can read aloud or scan: a hyphenated word code (wordlist) or a QR code
// pointing at the relay URL.
//
// Grounded on web/webwormhole.go's qrencode/encode/decode wasm bindings and
// cmd/cpace-machine/main.go's random-password generation; the wordlist
// package itself is kept from the teacher unchanged (see DESIGN.md).
package pairing

import (
	crand "crypto/rand"
	"fmt"
	"io"

	"rsc.io/qr"

	"github.com/saltyrtc/webrtc-handover-task-go/wordlist"
)

// DefaultPasswordLength is the number of random bytes cmd/cpace-machine's
// main.go generates for a new pairing password.
const DefaultPasswordLength = 2

// NewPassword generates a random PAKE password of length bytes.
func NewPassword(length int) ([]byte, error) {
	pass := make([]byte, length)
	if _, err := io.ReadFull(crand.Reader, pass); err != nil {
		return nil, fmt.Errorf("pairing: generating password: %w", err)
	}
	return pass, nil
}

// Code renders slot and pass as a single hyphenated word code, the way a
// user reads a pairing code aloud over the phone.
func Code(slot int, pass []byte) string {
	return wordlist.Encode(slot, pass)
}

// ParseCode recovers the slot and password a Code call produced.
func ParseCode(code string) (slot int, pass []byte, err error) {
	slot, pass = wordlist.Decode(code)
	if pass == nil {
		return 0, nil, fmt.Errorf("pairing: invalid code %q", code)
	}
	return slot, pass, nil
}

// QRCode renders url as a PNG QR code, for scanning a pairing link instead
// of typing the word code (web/webwormhole.go's qrencode).
func QRCode(url string) ([]byte, error) {
	code, err := qr.Encode(url, qr.L)
	if err != nil {
		return nil, fmt.Errorf("pairing: encoding QR code: %w", err)
	}
	return code.PNG(), nil
}
