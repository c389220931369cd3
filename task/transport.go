package task

import (
	"log"
)

// signalingDeathHandler is invoked by the transport when it must die per
// spec §4.4's die(): call task.close(ProtocolError). The transport only
// holds a non-owning handle back to the task (spec §9 "weak reference"),
// modelled here as a plain callback rather than a pointer cycle.
type signalingDeathHandler func()

// SignalingTransport binds the negotiated data channel to a crypto context
// and the outer session, implementing spec §4.4. It is created exactly
// once, by Task.Handover, and lives until Task.Close.
type SignalingTransport struct {
	link    *TransportLink
	host    SignalingTransportHandler
	session Session
	crypto  *CryptoContext
	onDie   signalingDeathHandler
	logger  *log.Logger
	metrics *Metrics

	chunkLength int
	sendBuf     []byte
	messageID   uint32
	unchunk     *unchunker

	queue      [][]byte
	queueOpen  bool
	tiedClosed bool
}

// NewSignalingTransport constructs the transport per spec §4.4's
// construction rules, then ties the link's callbacks to it.
func NewSignalingTransport(
	link *TransportLink,
	host SignalingTransportHandler,
	session Session,
	crypto *CryptoContext,
	maxChunkLength uint32,
	logger *log.Logger,
	metrics *Metrics,
) (*SignalingTransport, error) {
	chunkLength := host.MaxMessageSize()
	if maxChunkLength < chunkLength {
		chunkLength = maxChunkLength
	}
	if chunkLength <= HeaderLength {
		return nil, ErrChunkLengthTooSmall
	}

	t := &SignalingTransport{
		link:        link,
		host:        host,
		session:     session,
		crypto:      crypto,
		logger:      logger,
		metrics:     metrics,
		chunkLength: int(chunkLength),
		sendBuf:     make([]byte, chunkLength),
		unchunk:     newUnchunker(),
	}
	if !session.HandoverState().Peer {
		t.queueOpen = true
	}
	link.tie(t.onClosed, t.onChunk)
	return t, nil
}

// SetDeathHandler wires the callback the transport uses to request the
// owning task tear itself down (spec §4.4 die()).
func (t *SignalingTransport) SetDeathHandler(h signalingDeathHandler) {
	t.onDie = h
}

// Send encrypts, serialises and chunks message, handing every chunk to the
// host in order (spec §4.4 send()).
func (t *SignalingTransport) Send(message []byte) {
	box, err := t.crypto.Encrypt(message)
	if err != nil {
		t.logger.Printf("task: transport: encrypt failed: %v", err)
		t.die()
		return
	}

	t.messageID++
	ck, err := newChunker(t.messageID, box.Bytes(), t.chunkLength, t.sendBuf)
	if err != nil {
		t.logger.Printf("task: transport: chunking failed: %v", err)
		t.die()
		return
	}

	for {
		chunk, ok := ck.next()
		if !ok {
			break
		}
		if err := t.host.Send(chunk); err != nil {
			t.logger.Printf("task: transport: host send failed: %v", err)
			t.die()
			return
		}
		t.metrics.chunksSent.Inc()
	}
}

// onChunk implements the link's Receive callback: feed a chunk into the
// unchunker and, once a message completes, decrypt and deliver it.
func (t *SignalingTransport) onChunk(chunk []byte) error {
	t.metrics.chunksReceived.Inc()
	message, err := t.unchunk.add(chunk)
	if err != nil {
		t.logger.Printf("task: transport: reassembly failed: %v", err)
		t.die()
		return err
	}
	if message == nil {
		return nil
	}
	return t.onMessage(message)
}

func (t *SignalingTransport) onMessage(raw []byte) error {
	box, err := parseBox(raw)
	if err != nil {
		t.logger.Printf("task: transport: %v", err)
		t.die()
		return err
	}
	plaintext, err := t.crypto.Decrypt(box)
	if err != nil {
		t.logger.Printf("task: transport: decrypt failed: %v", err)
		t.metrics.decryptFailures.Inc()
		t.die()
		return err
	}

	if t.queueOpen {
		t.queue = append(t.queue, plaintext)
		return nil
	}
	t.session.OnPeerMessage(plaintext)
	return nil
}

// FlushMessageQueue drains messages reassembled before peer handover
// completed, in arrival order, then stops queueing (spec §4.4).
func (t *SignalingTransport) FlushMessageQueue() error {
	if !t.session.HandoverState().Peer {
		return ErrQueueNotFlushable
	}
	pending := t.queue
	t.queue = nil
	t.queueOpen = false
	for _, msg := range pending {
		t.session.OnPeerMessage(msg)
	}
	return nil
}

// onClosed implements the link's Closed callback for a remote-initiated
// close (spec §4.4 on_closed()).
func (t *SignalingTransport) onClosed() {
	t.unbind()
	hs := t.session.HandoverState()
	if hs.Any() {
		t.session.SetState(SessionStateClosed)
	}
}

// Close tears the transport down locally (spec §4.4 close()). Host errors
// are logged, never propagated: after Close the transport emits no further
// events.
func (t *SignalingTransport) Close() {
	if err := t.host.Close(); err != nil {
		t.logger.Printf("task: transport: host close failed: %v", err)
	}
	t.unbind()
}

func (t *SignalingTransport) unbind() {
	if t.tiedClosed {
		return
	}
	t.tiedClosed = true
	t.link.untie()
}

func (t *SignalingTransport) die() {
	if t.onDie != nil {
		t.onDie()
	}
}
