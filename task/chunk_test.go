package task

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestChunkHeaderRoundTrip(t *testing.T) {
	cases := []chunkHeader{
		{endOfMessage: false, messageID: 0, serial: 0},
		{endOfMessage: true, messageID: 1, serial: 0},
		{endOfMessage: false, messageID: 0xDEADBEEF, serial: 0xCAFEBABE},
	}
	for i, h := range cases {
		b := encodeChunkHeader(h)
		got, err := decodeChunkHeader(b[:])
		if err != nil {
			t.Fatalf("testcase %v: %v", i, err)
		}
		if got != h {
			t.Errorf("testcase %v: got %+v, want %+v", i, got, h)
		}
	}
}

func TestChunkerUnchunkerRoundTrip(t *testing.T) {
	cases := []struct {
		length      int
		chunkLength int
	}{
		{0, 16},
		{1, 16},
		{15, 16}, // smaller than chunkLength, larger than one payload slot (chunkLength - header)
		{7, 16},  // exactly one payload slot
		{1000, 32},
		{1000, 1009}, // exactly one chunk
	}
	for i, c := range cases {
		payload := make([]byte, c.length)
		if _, err := rand.Read(payload); err != nil {
			t.Fatalf("testcase %v: rand: %v", i, err)
		}

		ck, err := newChunker(42, payload, c.chunkLength, nil)
		if err != nil {
			t.Fatalf("testcase %v: newChunker: %v", i, err)
		}

		u := newUnchunker()
		var reassembled []byte
		var nChunks int
		for {
			chunk, ok := ck.next()
			if !ok {
				break
			}
			cp := append([]byte(nil), chunk...)
			nChunks++
			msg, err := u.add(cp)
			if err != nil {
				t.Fatalf("testcase %v: add: %v", i, err)
			}
			if msg != nil {
				reassembled = msg
			}
		}

		if !bytes.Equal(reassembled, payload) {
			t.Errorf("testcase %v: reassembled %d bytes, want %d", i, len(reassembled), len(payload))
		}

		perChunk := c.chunkLength - HeaderLength
		want := (c.length + perChunk - 1) / perChunk
		if c.length == 0 {
			want = 0
		}
		if nChunks != want {
			t.Errorf("testcase %v: got %v chunks, want %v", i, nChunks, want)
		}
	}
}

func TestChunkerRejectsSmallChunkLength(t *testing.T) {
	if _, err := newChunker(1, []byte("x"), HeaderLength, nil); err == nil {
		t.Fatalf("expected error for chunk length == header length")
	}
	if _, err := newChunker(1, []byte("x"), HeaderLength+1, nil); err != nil {
		t.Fatalf("unexpected error for chunk length == header length + 1: %v", err)
	}
}

func TestUnchunkerInterleavedMessages(t *testing.T) {
	u := newUnchunker()

	a := []byte("message A payload")
	b := []byte("message B payload, a bit longer than A")

	ckA, err := newChunker(1, a, 12, nil)
	if err != nil {
		t.Fatalf("newChunker a: %v", err)
	}
	ckB, err := newChunker(2, b, 12, nil)
	if err != nil {
		t.Fatalf("newChunker b: %v", err)
	}

	var gotA, gotB []byte
	for {
		ca, okA := ckA.next()
		cb, okB := ckB.next()
		if !okA && !okB {
			break
		}
		if okA {
			if msg, err := u.add(append([]byte(nil), ca...)); err != nil {
				t.Fatalf("add a: %v", err)
			} else if msg != nil {
				gotA = msg
			}
		}
		if okB {
			if msg, err := u.add(append([]byte(nil), cb...)); err != nil {
				t.Fatalf("add b: %v", err)
			} else if msg != nil {
				gotB = msg
			}
		}
	}

	if !bytes.Equal(gotA, a) {
		t.Errorf("message a: got %q, want %q", gotA, a)
	}
	if !bytes.Equal(gotB, b) {
		t.Errorf("message b: got %q, want %q", gotB, b)
	}
}
