// Package sessioncrypto implements the outer SaltyRTC session's own
// handshake and transport-level encryption: the PAKE exchange that
// authenticates a signalling session and the secretbox-based AEAD that
// backs task.AEADService once that session is established.
//
// The task package treats all of this as an external collaborator (see
// task.Session, task.AEADService); this package is one concrete way to
// satisfy it, grounded on wormhole/dial.go's New/Join handshake and its
// readEncJSON/writeEncJSON helpers.
package sessioncrypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"filippo.io/cpace"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the size in bytes of the session key derived from the PAKE
// exchange.
const KeySize = 32

// ErrOpenFailed is returned when a box fails authentication.
var ErrOpenFailed = errors.New("sessioncrypto: secretbox authentication failed")

// Offerer starts a PAKE exchange as the side that receives the first
// message (the peer that allocated the slot), mirroring wormhole.New's use
// of cpace.Exchange.
type Offerer struct {
	password string
	info     []byte
}

// NewOfferer returns an Offerer bound to password. info identifies the
// session (e.g. the allocated slot) the way wormhole's cpace.NewContextInfo
// call binds endpoint identities to guard against unknown key-share
// attacks.
func NewOfferer(password string, info []byte) *Offerer {
	return &Offerer{password: password, info: info}
}

// Exchange answers msgA with a response message and the derived session
// key.
func (o *Offerer) Exchange(msgA []byte) (msgB []byte, key [KeySize]byte, err error) {
	msgB, mk, err := cpace.Exchange(o.password, cpace.NewContextInfo("", "", o.info), msgA)
	if err != nil {
		return nil, key, err
	}
	if err := deriveKey(mk, &key); err != nil {
		return nil, key, err
	}
	return msgB, key, nil
}

// Joiner starts a PAKE exchange as the side that sends the first message
// (the peer joining an existing slot), mirroring wormhole.Join's use of
// cpace.Start.
type Joiner struct {
	pake *cpace.State
}

// Start begins the exchange, returning the first message to send.
func Start(password string, info []byte) (msgA []byte, j *Joiner, err error) {
	msgA, pake, err := cpace.Start(password, cpace.NewContextInfo("", "", info))
	if err != nil {
		return nil, nil, err
	}
	return msgA, &Joiner{pake: pake}, nil
}

// Finish completes the exchange given the peer's response, returning the
// derived session key.
func (j *Joiner) Finish(msgB []byte) (key [KeySize]byte, err error) {
	mk, err := j.pake.Finish(msgB)
	if err != nil {
		return key, err
	}
	if err := deriveKey(mk, &key); err != nil {
		return key, err
	}
	return key, nil
}

// deriveKey stretches a PAKE master key into a session key via HKDF-SHA256,
// matching wormhole/dial.go's key derivation exactly (no salt, no info).
func deriveKey(mk []byte, out *[KeySize]byte) error {
	_, err := io.ReadFull(hkdf.New(sha256.New, mk, nil, nil), out[:])
	return err
}

// SecretboxAEAD implements task.AEADService over a pre-established session
// key, using NaCl secretbox exactly as wormhole's readEncJSON/writeEncJSON
// do. It does not generate its own nonces: task.CryptoContext is the single
// source of nonces for this protocol (spec §4.2), so EncryptForPeer/DecryptFromPeer here
// only ever use the nonce handed to them.
type SecretboxAEAD struct {
	key [KeySize]byte
}

// NewSecretboxAEAD wraps key for use as a task.AEADService.
func NewSecretboxAEAD(key [KeySize]byte) *SecretboxAEAD {
	return &SecretboxAEAD{key: key}
}

// EncryptForPeer seals data under nonce.
func (a *SecretboxAEAD) EncryptForPeer(data []byte, nonce [24]byte) ([]byte, error) {
	return secretbox.Seal(nil, data, &nonce, &a.key), nil
}

// DecryptFromPeer opens ciphertext under nonce.
func (a *SecretboxAEAD) DecryptFromPeer(ciphertext []byte, nonce [24]byte) ([]byte, error) {
	out, ok := secretbox.Open(nil, ciphertext, &nonce, &a.key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}
