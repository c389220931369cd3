package task

import (
	"context"
	"log"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// fakeSession is a minimal, in-memory stand-in for the outer SaltyRTC
// session (spec §6.6). Two fakeSessions sharing the same AEAD key and wired
// to each other via newFakeSessionPair model a completed SaltyRTC
// handshake without any real network or PAKE handshake — that's exercised
// for real in internal/sessioncrypto instead (see DESIGN.md).
type fakeSession struct {
	mu sync.Mutex

	key      [32]byte
	state    SessionState
	handover HandoverState

	peer          *fakeSession
	onTaskMessage func(TaskMessage)
	peerMessages  [][]byte
	sendErr       error
	resetCode     *CloseCode
	sentTaskMsgs  []TaskMessage
}

func newFakeSessionPair(key [32]byte) (a, b *fakeSession) {
	a = &fakeSession{key: key, state: SessionStateTask}
	b = &fakeSession{key: key, state: SessionStateTask}
	a.peer = b
	b.peer = a
	return a, b
}

func (s *fakeSession) EncryptForPeer(data []byte, nonce [NonceLength]byte) ([]byte, error) {
	var n [24]byte
	copy(n[:], nonce[:])
	return secretbox.Seal(nil, data, &n, &s.key), nil
}

func (s *fakeSession) DecryptFromPeer(ciphertext []byte, nonce [NonceLength]byte) ([]byte, error) {
	var n [24]byte
	copy(n[:], nonce[:])
	out, ok := secretbox.Open(nil, ciphertext, &n, &s.key)
	if !ok {
		return nil, errSecretboxOpenFailed
	}
	return out, nil
}

func (s *fakeSession) SendTaskMessage(ctx context.Context, msg TaskMessage) error {
	s.mu.Lock()
	sendErr := s.sendErr
	s.sentTaskMsgs = append(s.sentTaskMsgs, msg)
	peer := s.peer
	s.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	if peer != nil && peer.onTaskMessage != nil {
		peer.onTaskMessage(msg)
	}
	return nil
}

func (s *fakeSession) OnPeerMessage(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerMessages = append(s.peerMessages, data)
}

func (s *fakeSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *fakeSession) ResetConnection(code CloseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := code
	s.resetCode = &c
	s.state = SessionStateClosed
}

func (s *fakeSession) HandoverState() HandoverState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handover
}

func (s *fakeSession) SetHandoverState(hs HandoverState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handover = hs
}

func (s *fakeSession) receivedPeerMessages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.peerMessages...)
}

// fakeHost is an in-memory SignalingTransportHandler: chunks written with
// Send are delivered directly to a peer fakeHost's bound Receive callback,
// modelling a reliable ordered data channel without any real transport.
type fakeHost struct {
	mu          sync.Mutex
	maxSize     uint32
	peer        *fakeHost
	receive     func(chunk []byte) error
	closed      bool
	sendErr     error
	closeCalled bool
}

func newFakeHostPair(maxSize uint32) (a, b *fakeHost) {
	a = &fakeHost{maxSize: maxSize}
	b = &fakeHost{maxSize: maxSize}
	a.peer = b
	b.peer = a
	return a, b
}

func (h *fakeHost) MaxMessageSize() uint32 { return h.maxSize }

func (h *fakeHost) Send(chunk []byte) error {
	h.mu.Lock()
	sendErr := h.sendErr
	peer := h.peer
	h.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	cp := append([]byte(nil), chunk...)
	if peer != nil && peer.receive != nil {
		return peer.receive(cp)
	}
	return nil
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalled = true
	h.closed = true
	return nil
}

func testLogger() *log.Logger {
	return log.New(discardWriter{}, "", 0)
}
