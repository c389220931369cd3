package task

import (
	"fmt"
	"log"
	"testing"
)

func TestEventDispatchOrderAndRemove(t *testing.T) {
	r := newEventRegistry(log.New(discardWriter{}, "", 0))
	var calls []string

	r.OnOffer(func(o SessionDescription) Action {
		calls = append(calls, "first:"+o.SDP)
		return Continue
	})
	r.OnOffer(func(o SessionDescription) Action {
		calls = append(calls, "second:"+o.SDP)
		return Remove
	})
	r.OnOffer(func(o SessionDescription) Action {
		calls = append(calls, "third:"+o.SDP)
		return Continue
	})

	r.dispatchOffer(SessionDescription{SDP: "a"})
	r.dispatchOffer(SessionDescription{SDP: "b"})

	want := []string{"first:a", "second:a", "third:a", "first:b", "third:b"}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", calls, want)
	}
}

func TestEventOnceFiresExactlyOnceRegardlessOfReturn(t *testing.T) {
	r := newEventRegistry(log.New(discardWriter{}, "", 0))
	var onceCalls, alwaysCalls int

	r.OnceAnswer(func(a SessionDescription) Action {
		onceCalls++
		return Continue // once must still self-remove even though it says Continue
	})
	r.OnAnswer(func(a SessionDescription) Action {
		alwaysCalls++
		return Continue
	})

	r.dispatchAnswer(SessionDescription{})
	r.dispatchAnswer(SessionDescription{})
	r.dispatchAnswer(SessionDescription{})

	if onceCalls != 1 {
		t.Errorf("once handler fired %d times, want 1", onceCalls)
	}
	if alwaysCalls != 3 {
		t.Errorf("regular handler fired %d times, want 3", alwaysCalls)
	}
}

func TestEventOffEventRemovesOnlyThatEventsHandlers(t *testing.T) {
	r := newEventRegistry(log.New(discardWriter{}, "", 0))
	var offerCalled, answerCalled bool

	r.OnOffer(func(o SessionDescription) Action {
		offerCalled = true
		return Continue
	})
	r.OnAnswer(func(a SessionDescription) Action {
		answerCalled = true
		return Continue
	})

	r.OffEvent(EventOffer)
	r.dispatchOffer(SessionDescription{})
	r.dispatchAnswer(SessionDescription{})

	if offerCalled {
		t.Errorf("offer handler should have been removed by OffEvent")
	}
	if !answerCalled {
		t.Errorf("answer handler should be unaffected by OffEvent(EventOffer)")
	}
}

func TestEventOffRemovesSpecificHandler(t *testing.T) {
	r := newEventRegistry(log.New(discardWriter{}, "", 0))
	var aCalled, bCalled bool

	subA := r.OnAnswer(func(a SessionDescription) Action {
		aCalled = true
		return Continue
	})
	r.OnAnswer(func(a SessionDescription) Action {
		bCalled = true
		return Continue
	})

	r.Off(subA)
	r.dispatchAnswer(SessionDescription{})

	if aCalled {
		t.Errorf("handler A should have been removed")
	}
	if !bCalled {
		t.Errorf("handler B should still fire")
	}
}

func TestEventOffAllRemovesEverything(t *testing.T) {
	r := newEventRegistry(log.New(discardWriter{}, "", 0))
	called := false
	r.OnDisconnected(func(id uint16) Action {
		called = true
		return Continue
	})
	r.OffAll()
	r.dispatchDisconnected(7)
	if called {
		t.Errorf("handler should not fire after OffAll")
	}
}

func TestEventHandlerPanicIsTrappedAndDispatchContinues(t *testing.T) {
	r := newEventRegistry(log.New(discardWriter{}, "", 0))
	var secondCalled bool

	r.OnCandidates(func(cs []*Candidate) Action {
		panic("boom")
	})
	r.OnCandidates(func(cs []*Candidate) Action {
		secondCalled = true
		return Continue
	})

	r.dispatchCandidates(nil)

	if !secondCalled {
		t.Errorf("second handler should still run after first panics")
	}
}
