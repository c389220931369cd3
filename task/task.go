package task

import (
	"context"
	"log"
	"sync"
	"time"
)

// CandidateBufferingDelay is how long Task.SendCandidate waits to coalesce
// further candidates into a single candidates task message (spec §4.5,
// §8 scenario 4).
const CandidateBufferingDelay = 5 * time.Millisecond

// NegotiationData is the payload placed in the outer session's auth message
// (spec §4.5 "Task parameter negotiation", §6.2).
type NegotiationData struct {
	Exclude       []uint16 `json:"exclude"`
	Handover      bool     `json:"handover"`
	MaxPacketSize uint32   `json:"max_packet_size,omitempty"`
}

// Task is the WebRTC signalling task state machine (spec §4.5). It is
// created inert by Builder.Build and must be initialised with Init before
// use.
//
// spec §5 describes a single-threaded cooperative scheduling model where
// callbacks never interleave. Calls that touch the task's own state
// (including the candidate-buffering timer firing on its own goroutine) are
// serialised through mu. The event methods (On*, Once*, Off, OffEvent,
// OffAll, and the handler dispatch done by OnTaskMessage and OnDisconnected)
// do not take mu, and the event registry has no lock of its own, so those
// calls are not serialised against each other.
type Task struct {
	mu sync.Mutex

	version        Version
	logger         *log.Logger
	doHandover     bool
	maxChunkLength uint32
	metrics        *Metrics

	initialized bool
	exclude     map[uint16]struct{}
	channelID   *uint16
	maxV0Local  uint32
	maxV0Peer   uint32

	session   Session
	link      *TransportLink
	transport *SignalingTransport

	candidateBuffer []*Candidate
	bufferTimer     *time.Timer

	events *eventRegistry
}

// Init processes the peer's negotiated parameters, received in the peer's
// own auth payload (spec §4.5 init()).
func (t *Task) Init(session Session, peer NegotiationData) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.session = session

	for _, id := range peer.Exclude {
		t.exclude[id] = struct{}{}
	}

	if !peer.Handover {
		t.doHandover = false
	}

	if t.version == V0 {
		t.maxV0Peer = peer.MaxPacketSize
	}

	if t.doHandover {
		id, ok := t.smallestAvailableChannelID()
		if !ok {
			return ErrNoChannelsAvailable
		}
		t.channelID = &id
	}

	t.initialized = true
	return nil
}

// smallestAvailableChannelID returns the smallest u16 in [0, 65535) not
// present in t.exclude (spec §3: the upper bound 65535 itself is never a
// valid channel id and must not be returned, even if unexcluded).
func (t *Task) smallestAvailableChannelID() (uint16, bool) {
	for id := uint16(0); id < 65535; id++ {
		if _, excluded := t.exclude[id]; !excluded {
			return id, true
		}
	}
	return 0, false
}

// GetData returns the negotiation payload to place in the outgoing auth
// message (spec §4.5 "Task parameter negotiation").
func (t *Task) GetData() NegotiationData {
	t.mu.Lock()
	defer t.mu.Unlock()

	excludeList := make([]uint16, 0, len(t.exclude))
	for id := range t.exclude {
		excludeList = append(excludeList, id)
	}

	data := NegotiationData{
		Exclude:  excludeList,
		Handover: t.doHandover,
	}
	if t.version == V0 {
		data.MaxPacketSize = t.maxChunkLength
		t.maxV0Local = t.maxChunkLength
	}
	return data
}

// NegotiatedMaxPacketSize computes the v0 legacy max_packet_size merge rule
// (spec §4.5 "Max packet size negotiation (v0 legacy)", §8).
func NegotiatedMaxPacketSize(local, remote uint32) uint32 {
	switch {
	case local == 0 && remote == 0:
		return 0
	case local == 0:
		return remote
	case remote == 0:
		return local
	default:
		if local < remote {
			return local
		}
		return remote
	}
}

// ProtocolName returns the task protocol identifier to advertise (spec §6.1).
func (t *Task) ProtocolName() string { return t.version.ProtocolName() }

// OnPeerHandshakeDone is a no-op: the application begins once the session
// transitions to "task" (spec §4.5).
func (t *Task) OnPeerHandshakeDone() {}

// OnDisconnected emits a disconnected event for the given data channel id
// (spec §4.5).
func (t *Task) OnDisconnected(id uint16) {
	t.events.dispatchDisconnected(id)
}

// OnTaskMessage dispatches an incoming, already-validated task message
// (spec §4.5 on_task_message()). Invalid messages must be filtered out by
// the caller via ParseTaskMessage; this method assumes msg is well-formed.
func (t *Task) OnTaskMessage(msg TaskMessage) {
	switch msg.Type {
	case MessageTypeOffer:
		t.events.dispatchOffer(*msg.Offer)
	case MessageTypeAnswer:
		t.events.dispatchAnswer(*msg.Answer)
	case MessageTypeCandidates:
		t.events.dispatchCandidates(msg.Candidates)
	case MessageTypeHandover:
		t.onPeerHandover()
	default:
		t.logger.Printf("task: dropping task message of unknown type %q", msg.Type)
	}
}

func (t *Task) onPeerHandover() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.doHandover {
		t.logger.Printf("task: received handover message but handover is disabled, resetting session")
		t.session.ResetConnection(CloseCodeProtocolError)
		return
	}

	hs := t.session.HandoverState()
	if hs.Peer {
		// Tolerates duplicate sends from legacy peers (spec §4.5, §9).
		t.logger.Printf("task: received duplicate handover message from peer, ignoring")
		return
	}

	hs.Peer = true
	t.session.SetHandoverState(hs)

	if t.transport != nil {
		if err := t.transport.FlushMessageQueue(); err != nil {
			t.logger.Printf("task: flushing message queue: %v", err)
		}
	}
	if hs.Both() {
		t.logger.Printf("task: handover complete")
		t.metrics.handoversDone.Inc()
	}
}

// SendOffer serialises and submits an offer task message (spec §4.5).
func (t *Task) SendOffer(ctx context.Context, offer SessionDescription) error {
	return t.sendTaskMessage(ctx, TaskMessage{Type: MessageTypeOffer, Offer: &offer})
}

// SendAnswer serialises and submits an answer task message (spec §4.5).
func (t *Task) SendAnswer(ctx context.Context, answer SessionDescription) error {
	return t.sendTaskMessage(ctx, TaskMessage{Type: MessageTypeAnswer, Answer: &answer})
}

func (t *Task) sendTaskMessage(ctx context.Context, msg TaskMessage) error {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()

	if err := session.SendTaskMessage(ctx, msg); err != nil {
		session.ResetConnection(CloseCodeProtocolError)
		return err
	}
	return nil
}

// SendCandidate appends c to the candidate buffer, arming the coalescing
// timer on the first call (spec §4.5, §8 scenario 4). Use a nil Candidate
// to signal end-of-candidates.
func (t *Task) SendCandidate(ctx context.Context, c *Candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.candidateBuffer = append(t.candidateBuffer, c)
	if t.bufferTimer != nil {
		return
	}
	t.bufferTimer = time.AfterFunc(CandidateBufferingDelay, func() {
		t.flushCandidateBuffer(ctx)
	})
}

// SendCandidates appends every candidate in cs to the buffer (spec §4.5
// send_candidates()).
func (t *Task) SendCandidates(ctx context.Context, cs []*Candidate) {
	for _, c := range cs {
		t.SendCandidate(ctx, c)
	}
}

func (t *Task) flushCandidateBuffer(ctx context.Context) {
	t.mu.Lock()
	buffered := t.candidateBuffer
	t.candidateBuffer = nil
	t.bufferTimer = nil
	session := t.session
	t.mu.Unlock()

	if len(buffered) == 0 {
		return
	}
	msg := TaskMessage{Type: MessageTypeCandidates, Candidates: buffered}
	if err := session.SendTaskMessage(ctx, msg); err != nil {
		session.ResetConnection(CloseCodeProtocolError)
		return
	}
	t.metrics.candidateFlush.Inc()
}

// SendSignalingMessage sends payload over the post-handover transport (spec
// §3 invariant, §4.5 send_signaling_message()).
func (t *Task) SendSignalingMessage(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil || t.session.State() != SessionStateTask {
		return ErrNotHandedOver
	}
	if !t.session.HandoverState().Local {
		return ErrNotHandedOver
	}
	if t.transport == nil {
		return ErrNotHandedOver
	}
	t.transport.Send(payload)
	return nil
}

// GetTransportLink creates (idempotently) and returns the TransportLink the
// host uses to create the negotiated data channel (spec §4.5).
func (t *Task) GetTransportLink() (*TransportLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.doHandover {
		return nil, ErrHandoverDisabled
	}
	if t.channelID == nil {
		return nil, ErrNoChannelID
	}
	if t.link == nil {
		t.link = &TransportLink{
			Label:    "saltyrtc-signaling",
			ID:       *t.channelID,
			Protocol: t.version.ProtocolName(),
		}
	}
	return t.link, nil
}

// Handover creates the crypto context and transport for the negotiated
// channel id, binds host as its handler, and announces local handover to
// the peer (spec §4.5 handover()).
func (t *Task) Handover(initialCSN uint32, host SignalingTransportHandler) error {
	t.mu.Lock()

	if !t.doHandover {
		t.mu.Unlock()
		return ErrHandoverDisabled
	}
	if t.session.HandoverState().Local {
		t.mu.Unlock()
		return ErrAlreadyHandedOver
	}
	if t.transport != nil {
		t.mu.Unlock()
		return ErrTransportExists
	}
	if t.channelID == nil {
		t.mu.Unlock()
		return ErrNoChannelID
	}
	if t.link == nil {
		t.mu.Unlock()
		return ErrNoTransportLink
	}

	crypto, err := NewCryptoContext(*t.channelID, t.session, initialCSN)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	maxChunkLength := t.maxChunkLength
	if t.version == V0 {
		maxChunkLength = NegotiatedMaxPacketSize(t.maxV0Local, t.maxV0Peer)
		if maxChunkLength == 0 {
			maxChunkLength = host.MaxMessageSize()
		}
	}

	transport, err := NewSignalingTransport(t.link, host, t.session, crypto, maxChunkLength, t.logger, t.metrics)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	transport.SetDeathHandler(func() { t.close(CloseCodeProtocolError) })
	t.transport = transport

	t.mu.Unlock()
	return t.sendHandoverMessage()
}

// sendHandoverMessage announces local handover completion to the peer
// (spec §4.5 send_handover_message()).
func (t *Task) sendHandoverMessage() error {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()

	if err := session.SendTaskMessage(context.Background(), TaskMessage{Type: MessageTypeHandover}); err != nil {
		return err
	}

	t.mu.Lock()
	hs := session.HandoverState()
	hs.Local = true
	session.SetHandoverState(hs)
	both := hs.Both()
	t.mu.Unlock()

	if both {
		t.logger.Printf("task: handover complete")
		t.metrics.handoversDone.Inc()
	}
	return nil
}

// Close tears down the transport, if any, and requests the outer session
// reset with reason (spec §4.5 close(), §7: nonce/crypto and transport I/O
// errors "close the transport and request session reset with
// ProtocolError").
func (t *Task) Close(reason CloseCode) {
	t.close(reason)
}

func (t *Task) close(reason CloseCode) {
	t.mu.Lock()
	transport := t.transport
	t.transport = nil
	session := t.session
	t.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
	if session != nil {
		session.ResetConnection(reason)
	}
}

// On subscribes handlers to the task's events; see events.go for the
// per-event handler types and Subscription/Off semantics.
func (t *Task) OnOffer(h OfferHandler) Subscription           { return t.events.OnOffer(h) }
func (t *Task) OnAnswer(h AnswerHandler) Subscription         { return t.events.OnAnswer(h) }
func (t *Task) OnCandidates(h CandidatesHandler) Subscription { return t.events.OnCandidates(h) }
func (t *Task) OnDisconnectedEvent(h DisconnectedHandler) Subscription {
	return t.events.OnDisconnected(h)
}

// Once subscribes handlers that fire at most once, deregistering themselves
// after their first dispatch regardless of the Action they return.
func (t *Task) OnceOffer(h OfferHandler) Subscription           { return t.events.OnceOffer(h) }
func (t *Task) OnceAnswer(h AnswerHandler) Subscription         { return t.events.OnceAnswer(h) }
func (t *Task) OnceCandidates(h CandidatesHandler) Subscription { return t.events.OnceCandidates(h) }
func (t *Task) OnceDisconnectedEvent(h DisconnectedHandler) Subscription {
	return t.events.OnceDisconnected(h)
}

// Off removes a single subscription. OffEvent removes every handler
// registered for one event name. OffAll removes every handler for every
// event.
func (t *Task) Off(sub Subscription)    { t.events.Off(sub) }
func (t *Task) OffEvent(name EventName) { t.events.OffEvent(name) }
func (t *Task) OffAll()                 { t.events.OffAll() }

// ChannelID returns the negotiated channel id, if Init has run and handover
// is enabled.
func (t *Task) ChannelID() (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channelID == nil {
		return 0, false
	}
	return *t.channelID, true
}
