package task

import "testing"

func TestParseTaskMessageValid(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"offer", `{"type":"offer","offer":{"type":"offer","sdp":"v=0..."}}`},
		{"answer", `{"type":"answer","answer":{"type":"answer","sdp":"v=0..."}}`},
		{"candidates", `{"type":"candidates","candidates":[{"candidate":"candidate:1 ...","sdpMid":"0","sdpMLineIndex":0}]}`},
		{"end-of-candidates", `{"type":"candidates","candidates":[null]}`},
		{"handover", `{"type":"handover"}`},
	}
	for _, c := range cases {
		msg, err := ParseTaskMessage([]byte(c.json))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
			continue
		}
		if string(msg.Type) == "" {
			t.Errorf("%s: missing type", c.name)
		}
	}
}

func TestParseTaskMessageInvalid(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"offer missing sdp", `{"type":"offer"}`},
		{"answer missing sdp", `{"type":"answer"}`},
		{"empty candidates", `{"type":"candidates","candidates":[]}`},
		{"missing candidates field", `{"type":"candidates"}`},
		{"unknown type", `{"type":"bogus"}`},
		{"unknown field", `{"type":"handover","extra":true}`},
		{"trailing data", `{"type":"handover"}{"type":"handover"}`},
		{"not an object", `"just a string"`},
	}
	for _, c := range cases {
		if _, err := ParseTaskMessage([]byte(c.json)); err == nil {
			t.Errorf("%s: expected error, got none", c.name)
		}
	}
}

func TestMarshalTaskMessageRoundTrip(t *testing.T) {
	original := TaskMessage{
		Type:  MessageTypeOffer,
		Offer: &SessionDescription{Type: "offer", SDP: "v=0..."},
	}
	data, err := MarshalTaskMessage(original)
	if err != nil {
		t.Fatalf("MarshalTaskMessage: %v", err)
	}
	got, err := ParseTaskMessage(data)
	if err != nil {
		t.Fatalf("ParseTaskMessage: %v", err)
	}
	if got.Type != original.Type || got.Offer == nil || got.Offer.SDP != original.Offer.SDP {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}
