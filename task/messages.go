package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType discriminates a task message's payload. See spec §6.3.
type MessageType string

const (
	MessageTypeOffer      MessageType = "offer"
	MessageTypeAnswer     MessageType = "answer"
	MessageTypeCandidates MessageType = "candidates"
	MessageTypeHandover   MessageType = "handover"
)

// SessionDescription mirrors a WebRTC RTCSessionDescriptionInit: an opaque
// type/sdp pair. This task only relays it; it never interprets the SDP.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors a WebRTC RTCIceCandidateInit. A Candidate with every
// field at its zero value (Candidate == "", SDPMid == nil, SDPMLineIndex ==
// nil) is NOT the same as a nil *Candidate in the Candidates slice: only the
// latter signals "end of candidates" (spec §4.5 validation rules).
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *int    `json:"sdpMLineIndex"`
}

// TaskMessage is a single signalling-channel payload exchanged via the
// outer session's SendTaskMessage/OnTaskMessage. At most one of the
// type-specific fields is populated, matching Type; a handover message
// populates none.
type TaskMessage struct {
	Type       MessageType         `json:"type"`
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	Candidates []*Candidate        `json:"candidates,omitempty"`
}

// MarshalTaskMessage encodes msg as the JSON object spec §6.3 describes.
func MarshalTaskMessage(msg TaskMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// ParseTaskMessage decodes and validates a task message. Unknown fields and
// trailing data are rejected outright (grounded on wilsonzlin-aero's
// signaling.ParseSignalMessage idiom of DisallowUnknownFields plus an
// explicit trailing-data check) since a malformed task message must be
// logged and dropped, never partially acted on.
func ParseTaskMessage(data []byte) (TaskMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg TaskMessage
	if err := dec.Decode(&msg); err != nil {
		return TaskMessage{}, fmt.Errorf("task: decoding task message: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return TaskMessage{}, fmt.Errorf("task: trailing data after task message")
	}
	if err := msg.Validate(); err != nil {
		return TaskMessage{}, err
	}
	return msg, nil
}

// Validate enforces spec §4.5's "validation rules".
func (m TaskMessage) Validate() error {
	switch m.Type {
	case MessageTypeOffer:
		if m.Offer == nil {
			return fmt.Errorf("task: offer message missing offer.sdp")
		}
	case MessageTypeAnswer:
		if m.Answer == nil {
			return fmt.Errorf("task: answer message missing answer.sdp")
		}
	case MessageTypeCandidates:
		if len(m.Candidates) == 0 {
			return fmt.Errorf("task: candidates message must be non-empty")
		}
		// Each entry's shape (candidate: string, sdpMid: string|null,
		// sdpMLineIndex: integer|null) is already enforced by the Candidate
		// struct's JSON types; a nil *Candidate signals end-of-candidates
		// and needs no further validation.
	case MessageTypeHandover:
		// No payload to validate.
	default:
		return fmt.Errorf("task: unknown task message type %q", m.Type)
	}
	return nil
}
