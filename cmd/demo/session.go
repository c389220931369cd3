package main

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"nhooyr.io/websocket"

	"github.com/saltyrtc/webrtc-handover-task-go/internal/sessioncrypto"
	"github.com/saltyrtc/webrtc-handover-task-go/task"
)

// wsSession implements task.Session over a WebSocket connection already
// rendezvoused by the relay and authenticated by a PAKE exchange. It is a
// minimal stand-in for the outer SaltyRTC session the task package treats
// as an external collaborator (spec §1, §6.6): its own long-term/ephemeral
// key exchange and client-server-client hop handling live here instead of
// in a separately vendored SaltyRTC client, grounded on wormhole/dial.go's
// readEncJSON/writeEncJSON (same nonce-prefixed secretbox framing, applied
// here to task messages instead of raw offer/answer JSON).
type wsSession struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	aead  *sessioncrypto.SecretboxAEAD
	key   [32]byte
	state task.SessionState
	hs    task.HandoverState
	onMsg func(task.TaskMessage)
	logger *log.Logger
}

func newWSSession(conn *websocket.Conn, key [32]byte, logger *log.Logger) *wsSession {
	return &wsSession{
		conn:   conn,
		aead:   sessioncrypto.NewSecretboxAEAD(key),
		key:    key,
		state:  task.SessionStateTask,
		logger: logger,
	}
}

// EncryptForPeer/DecryptFromPeer satisfy task.AEADService: the task's own
// CryptoContext calls these once handover has produced a data-channel nonce
// (spec §4.2); they share the session key with the control-channel framing
// below, just as wormhole's single key secures both the signalling JSON and
// (pre-task-package) the whole data-channel stream.
func (s *wsSession) EncryptForPeer(data []byte, nonce [task.NonceLength]byte) ([]byte, error) {
	return s.aead.EncryptForPeer(data, nonce)
}

func (s *wsSession) DecryptFromPeer(ciphertext []byte, nonce [task.NonceLength]byte) ([]byte, error) {
	return s.aead.DecryptFromPeer(ciphertext, nonce)
}

// SendTaskMessage encrypts msg with a fresh random nonce and writes it to
// the signalling WebSocket (spec §4.5's outer-session delivery contract).
func (s *wsSession) SendTaskMessage(ctx context.Context, msg task.TaskMessage) error {
	plain, err := task.MarshalTaskMessage(msg)
	if err != nil {
		return err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(crand.Reader, nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &s.key)
	return s.conn.Write(ctx, websocket.MessageBinary, sealed)
}

// readLoop decrypts and parses every incoming frame as a task message and
// dispatches it, until the connection closes.
func (s *wsSession) readLoop(ctx context.Context) {
	for {
		_, buf, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if len(buf) < 24 {
			s.logger.Printf("demo: dropping undersized frame")
			continue
		}
		var nonce [24]byte
		copy(nonce[:], buf[:24])
		plain, ok := secretbox.Open(nil, buf[24:], &nonce, &s.key)
		if !ok {
			s.logger.Printf("demo: dropping frame with bad authenticator")
			continue
		}
		msg, err := task.ParseTaskMessage(plain)
		if err != nil {
			s.logger.Printf("demo: dropping malformed task message: %v", err)
			continue
		}
		s.mu.Lock()
		handler := s.onMsg
		s.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// OnTaskMessage registers the callback the task package dispatches incoming
// task messages to; set once by the demo's wiring code, before readLoop
// starts.
func (s *wsSession) OnTaskMessage(h func(task.TaskMessage)) {
	s.mu.Lock()
	s.onMsg = h
	s.mu.Unlock()
}

// OnPeerMessage implements task.Session: a post-handover signalling payload
// arrived over the data channel. The demo just prints it.
func (s *wsSession) OnPeerMessage(data []byte) {
	fmt.Printf("peer> %s\n", data)
}

func (s *wsSession) State() task.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *wsSession) SetState(state task.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *wsSession) ResetConnection(code task.CloseCode) {
	s.logger.Printf("demo: session reset: %v", code)
	s.conn.Close(websocket.StatusNormalClosure, code.String())
}

func (s *wsSession) HandoverState() task.HandoverState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hs
}

func (s *wsSession) SetHandoverState(hs task.HandoverState) {
	s.mu.Lock()
	s.hs = hs
	s.mu.Unlock()
}
