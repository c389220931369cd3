package task

import "log"

// EventName identifies one of the task's four public events (spec §4.5).
type EventName string

const (
	EventOffer        EventName = "offer"
	EventAnswer       EventName = "answer"
	EventCandidates   EventName = "candidates"
	EventDisconnected EventName = "disconnected"
)

// Action is a handler's verdict on whether it should keep receiving events.
// This replaces the source library's "return false to deregister" idiom
// with an explicit, typed subscription action per spec §9's redesign note.
type Action int

const (
	// Continue keeps the handler subscribed.
	Continue Action = iota
	// Remove deregisters the handler after this invocation.
	Remove
)

// OfferHandler handles an incoming offer event.
type OfferHandler func(offer SessionDescription) Action

// AnswerHandler handles an incoming answer event.
type AnswerHandler func(answer SessionDescription) Action

// CandidatesHandler handles an incoming candidates event.
type CandidatesHandler func(candidates []*Candidate) Action

// DisconnectedHandler handles a peer disconnection event, identified by the
// data channel id that went down.
type DisconnectedHandler func(id uint16) Action

// Subscription is a token returned by an On call. Pass it to Off to remove
// exactly that handler.
type Subscription uint64

type handlerEntry struct {
	id    Subscription
	once  bool
	offer OfferHandler
	answr AnswerHandler
	cands CandidatesHandler
	disc  DisconnectedHandler
}

// eventRegistry maps event name to an ordered list of handlers. Dispatch
// takes a snapshot of the list before running handlers; removals requested
// mid-dispatch (by Remove or by a once handler firing) only take effect once every handler
// in that snapshot has run (spec §9's "registry mutation occurs after all
// handlers in the snapshot have run").
type eventRegistry struct {
	logger   *log.Logger
	nextID   Subscription
	handlers map[EventName][]handlerEntry
}

func newEventRegistry(logger *log.Logger) *eventRegistry {
	return &eventRegistry{
		logger:   logger,
		handlers: make(map[EventName][]handlerEntry),
	}
}

func (r *eventRegistry) add(name EventName, e handlerEntry) Subscription {
	r.nextID++
	e.id = r.nextID
	r.handlers[name] = append(r.handlers[name], e)
	return e.id
}

// OnOffer subscribes h to offer events, returning a token usable with Off.
func (r *eventRegistry) OnOffer(h OfferHandler) Subscription {
	return r.add(EventOffer, handlerEntry{offer: h})
}

// OnAnswer subscribes h to answer events.
func (r *eventRegistry) OnAnswer(h AnswerHandler) Subscription {
	return r.add(EventAnswer, handlerEntry{answr: h})
}

// OnCandidates subscribes h to candidates events.
func (r *eventRegistry) OnCandidates(h CandidatesHandler) Subscription {
	return r.add(EventCandidates, handlerEntry{cands: h})
}

// OnDisconnected subscribes h to disconnected events.
func (r *eventRegistry) OnDisconnected(h DisconnectedHandler) Subscription {
	return r.add(EventDisconnected, handlerEntry{disc: h})
}

// OnceOffer subscribes h to offer events. h fires at most once: it is
// deregistered after its first dispatch regardless of the Action it
// returns (spec §4.5's once(name, h)).
func (r *eventRegistry) OnceOffer(h OfferHandler) Subscription {
	return r.add(EventOffer, handlerEntry{offer: h, once: true})
}

// OnceAnswer subscribes h to answer events, firing at most once.
func (r *eventRegistry) OnceAnswer(h AnswerHandler) Subscription {
	return r.add(EventAnswer, handlerEntry{answr: h, once: true})
}

// OnceCandidates subscribes h to candidates events, firing at most once.
func (r *eventRegistry) OnceCandidates(h CandidatesHandler) Subscription {
	return r.add(EventCandidates, handlerEntry{cands: h, once: true})
}

// OnceDisconnected subscribes h to disconnected events, firing at most once.
func (r *eventRegistry) OnceDisconnected(h DisconnectedHandler) Subscription {
	return r.add(EventDisconnected, handlerEntry{disc: h, once: true})
}

// Off removes a specific subscription. It is a no-op if sub is unknown.
func (r *eventRegistry) Off(sub Subscription) {
	for name, entries := range r.handlers {
		for i, e := range entries {
			if e.id == sub {
				r.handlers[name] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// OffEvent removes every handler registered for name, leaving every other
// event's handlers untouched (spec §4.5's off(name) form).
func (r *eventRegistry) OffEvent(name EventName) {
	delete(r.handlers, name)
}

// OffAll removes every handler for every event.
func (r *eventRegistry) OffAll() {
	r.handlers = make(map[EventName][]handlerEntry)
}

func (r *eventRegistry) dispatchOffer(offer SessionDescription) {
	snapshot := append([]handlerEntry(nil), r.handlers[EventOffer]...)
	var remove []Subscription
	for _, e := range snapshot {
		if r.runGuarded(func() Action { return e.offer(offer) }) == Remove || e.once {
			remove = append(remove, e.id)
		}
	}
	for _, id := range remove {
		r.Off(id)
	}
}

func (r *eventRegistry) dispatchAnswer(answer SessionDescription) {
	snapshot := append([]handlerEntry(nil), r.handlers[EventAnswer]...)
	var remove []Subscription
	for _, e := range snapshot {
		if r.runGuarded(func() Action { return e.answr(answer) }) == Remove || e.once {
			remove = append(remove, e.id)
		}
	}
	for _, id := range remove {
		r.Off(id)
	}
}

func (r *eventRegistry) dispatchCandidates(candidates []*Candidate) {
	snapshot := append([]handlerEntry(nil), r.handlers[EventCandidates]...)
	var remove []Subscription
	for _, e := range snapshot {
		if r.runGuarded(func() Action { return e.cands(candidates) }) == Remove || e.once {
			remove = append(remove, e.id)
		}
	}
	for _, id := range remove {
		r.Off(id)
	}
}

func (r *eventRegistry) dispatchDisconnected(id uint16) {
	snapshot := append([]handlerEntry(nil), r.handlers[EventDisconnected]...)
	var remove []Subscription
	for _, e := range snapshot {
		if r.runGuarded(func() Action { return e.disc(id) }) == Remove || e.once {
			remove = append(remove, e.id)
		}
	}
	for _, id := range remove {
		r.Off(id)
	}
}

// runGuarded traps a panicking handler, logs it, and treats it as Continue
// (spec §7: "exceptions from event handlers are trapped, logged, and do not
// stop dispatch").
func (r *eventRegistry) runGuarded(call func() Action) (action Action) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("task: event handler panicked: %v", rec)
			action = Continue
		}
	}()
	return call()
}
