package task

import (
	"bytes"
	"testing"
)

// newTestTransportPair wires two SignalingTransports directly to each
// other. initialA/initialB set each side's HandoverState before the
// transport is constructed, since queueOpen latches onto
// !session.HandoverState().Peer at construction time (spec §4.4).
func newTestTransportPair(t *testing.T, maxChunkLength uint32, initialA, initialB HandoverState) (
	transA, transB *SignalingTransport,
	sessA, sessB *fakeSession,
) {
	t.Helper()
	var key [32]byte
	sessA, sessB = newFakeSessionPair(key)
	sessA.SetHandoverState(initialA)
	sessB.SetHandoverState(initialB)

	hostA, hostB := newFakeHostPair(maxChunkLength)

	linkA := &TransportLink{Label: "saltyrtc-signaling", ID: 0, Protocol: V1.ProtocolName()}
	linkB := &TransportLink{Label: "saltyrtc-signaling", ID: 0, Protocol: V1.ProtocolName()}
	// hostX.receive fires when hostX's own side of the channel gets a chunk
	// from its peer, so it must feed that side's own transport link.
	hostA.receive = linkA.Receive
	hostB.receive = linkB.Receive

	cryptoA, err := NewCryptoContext(0, sessA, 0)
	if err != nil {
		t.Fatalf("NewCryptoContext a: %v", err)
	}
	cryptoB, err := NewCryptoContext(0, sessB, 0)
	if err != nil {
		t.Fatalf("NewCryptoContext b: %v", err)
	}

	transA, err = NewSignalingTransport(linkA, hostA, sessA, cryptoA, maxChunkLength, testLogger(), nopMetrics)
	if err != nil {
		t.Fatalf("NewSignalingTransport a: %v", err)
	}
	transB, err = NewSignalingTransport(linkB, hostB, sessB, cryptoB, maxChunkLength, testLogger(), nopMetrics)
	if err != nil {
		t.Fatalf("NewSignalingTransport b: %v", err)
	}
	return transA, transB, sessA, sessB
}

func TestSignalingTransportSendReceiveRoundTrip(t *testing.T) {
	both := HandoverState{Local: true, Peer: true}
	transA, _, _, sessB := newTestTransportPair(t, 64, both, both)

	transA.Send([]byte("hello over the wire, long enough to span several chunks of 64 bytes total"))

	got := sessB.receivedPeerMessages()
	if len(got) != 1 || string(got[0]) != "hello over the wire, long enough to span several chunks of 64 bytes total" {
		t.Fatalf("got %q", got)
	}
}

func TestSignalingTransportQueuesBeforePeerHandover(t *testing.T) {
	transA, transB, _, sessB := newTestTransportPair(t, 128, HandoverState{}, HandoverState{})
	// sessB.handover.Peer is false: messages must queue.

	transA.Send([]byte("first"))
	transA.Send([]byte("second"))

	if got := sessB.receivedPeerMessages(); len(got) != 0 {
		t.Fatalf("expected no delivery before peer handover, got %v", got)
	}

	sessB.SetHandoverState(HandoverState{Peer: true})
	if err := transB.FlushMessageQueue(); err != nil {
		t.Fatalf("FlushMessageQueue: %v", err)
	}

	got := sessB.receivedPeerMessages()
	if len(got) != 2 || string(got[0]) != "first" || string(got[1]) != "second" {
		t.Fatalf("got %q, want [first second] in order", got)
	}
}

func TestSignalingTransportFlushRequiresPeerHandover(t *testing.T) {
	_, transB, _, _ := newTestTransportPair(t, 128, HandoverState{}, HandoverState{})
	if err := transB.FlushMessageQueue(); err != ErrQueueNotFlushable {
		t.Fatalf("got %v, want ErrQueueNotFlushable", err)
	}
}

func TestSignalingTransportDieOnDecryptFailure(t *testing.T) {
	both := HandoverState{Local: true, Peer: true}
	_, transB, _, _ := newTestTransportPair(t, 128, both, both)

	var died bool
	transB.SetDeathHandler(func() { died = true })

	// A well-formed box (right nonce length) of 0xAA bytes: its nonce
	// carries channel id 0xAAAA rather than transB's 0, so Decrypt rejects
	// it and onMessage must die.
	garbage := bytes.Repeat([]byte{0xAA}, NonceLength+20)
	ck, err := newChunker(1, garbage, 128, nil)
	if err != nil {
		t.Fatalf("newChunker: %v", err)
	}
	chunk, ok := ck.next()
	if !ok {
		t.Fatalf("expected at least one chunk")
	}

	if err := transB.onChunk(chunk); err == nil {
		t.Errorf("expected onChunk to report the decrypt failure")
	}
	if !died {
		t.Fatalf("expected die() to be called after a decrypt failure")
	}
}
