// Package relay implements the slot-based signalling relay the outer
// SaltyRTC session transport needs to get two peers' WebSocket connections
// talking to each other before a task ever exists.
//
// It is grounded on cmd/ww/server.go's relay()/freeslot(): a peer either
// books a new numeric slot or joins an existing one, and every byte either
// side writes after that is piped verbatim to the other. The task package
// never touches this layer directly (spec §1, §6.6 treat the outer session
// as an external collaborator); this is the transport that outer session
// would run over.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
)

// SlotTimeout is the maximum amount of time a client may hold a slot open
// waiting for its peer, matching cmd/ww/server.go's slotTimeout.
const SlotTimeout = 30 * time.Minute

// Close codes returned to clients, matching the outer session's own
// protocol (cmd/ww/server.go / wormhole/dial.go).
const (
	CloseNoSuchSlot   websocket.StatusCode = 4000
	CloseSlotTimedOut websocket.StatusCode = 4001
	CloseNoMoreSlots  websocket.StatusCode = 4002
	ClosePeerHungUp   websocket.StatusCode = 4003
)

// Protocol is the WebSocket subprotocol clients must negotiate.
const Protocol = "saltyrtc-webrtc-handover-relay.v1"

// Metrics holds the relay's Prometheus counters and gauge, upgrading the
// teacher's informal expvar stats block to a real metrics library (see
// task/metrics.go for the same move on the task side).
type Metrics struct {
	rendezvous  prometheus.Counter
	noSuchSlot  prometheus.Counter
	noMoreSlots prometheus.Counter
	timedOut    prometheus.Counter
	usedSlots   prometheus.Gauge
}

// NewMetrics registers the relay's counters against reg. A nil reg is fine;
// the returned *Metrics still works, it's just not exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rendezvous: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saltyrtc_relay_rendezvous_total",
			Help: "Slots where both peers connected.",
		}),
		noSuchSlot: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saltyrtc_relay_no_such_slot_total",
			Help: "Joins against a slot that doesn't exist.",
		}),
		noMoreSlots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saltyrtc_relay_no_more_slots_total",
			Help: "Slot allocations that failed because the keyspace was exhausted.",
		}),
		timedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saltyrtc_relay_timed_out_total",
			Help: "Slots that timed out before a second peer arrived.",
		}),
		usedSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saltyrtc_relay_used_slots",
			Help: "Currently allocated slots.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rendezvous, m.noSuchSlot, m.noMoreSlots, m.timedOut, m.usedSlots)
	}
	return m
}

var nopMetrics = NewMetrics(nil)

// Server relays WebSocket frames between two peers rendezvousing on a slot.
type Server struct {
	mu    sync.Mutex
	slots map[string]chan *websocket.Conn

	logger  *log.Logger
	metrics *Metrics
}

// NewServer returns a Server ready to be mounted as an http.Handler.
func NewServer(logger *log.Logger, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = nopMetrics
	}
	return &Server{
		slots:   make(map[string]chan *websocket.Conn),
		logger:  logger,
		metrics: metrics,
	}
}

// freeslot tries to find an available numeric slot, favouring smaller
// numbers, exactly as cmd/ww/server.go's freeslot does. Callers must hold
// s.mu.
func (s *Server) freeslot() (string, bool) {
	for i := 0; i < 3; i++ {
		id := strconv.Itoa(rand.Intn(10))
		if _, ok := s.slots[id]; !ok {
			return id, true
		}
	}
	for i := 0; i < 64; i++ {
		id := strconv.Itoa(rand.Intn(1 << 8))
		if _, ok := s.slots[id]; !ok {
			return id, true
		}
	}
	for i := 0; i < 1024; i++ {
		id := strconv.Itoa(rand.Intn(1 << 16))
		if _, ok := s.slots[id]; !ok {
			return id, true
		}
	}
	return "", false
}

type initMessage struct {
	Slot string `json:"slot"`
}

// ServeHTTP upgrades the request to a WebSocket and either books a new slot
// (path "/") or joins an existing one (path "/<slot>"), then pipes frames
// to whichever peer rendezvouses on that slot.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slotkey := r.URL.Path
	if len(slotkey) > 0 && slotkey[0] == '/' {
		slotkey = slotkey[1:]
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		Subprotocols:       []string{Protocol},
	})
	if err != nil {
		s.logger.Printf("relay: accept: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), SlotTimeout)
	defer cancel()

	var rconn *websocket.Conn
	if slotkey == "" {
		rconn = s.bookSlot(ctx, conn)
	} else {
		rconn = s.joinSlot(ctx, conn, slotkey)
	}
	if rconn == nil {
		return
	}
	s.pipe(ctx, conn, rconn)
}

func (s *Server) bookSlot(ctx context.Context, conn *websocket.Conn) *websocket.Conn {
	s.mu.Lock()
	slotkey, ok := s.freeslot()
	if !ok {
		s.mu.Unlock()
		s.metrics.noMoreSlots.Inc()
		conn.Close(CloseNoMoreSlots, "cannot allocate slots")
		return nil
	}
	sc := make(chan *websocket.Conn)
	s.slots[slotkey] = sc
	s.metrics.usedSlots.Set(float64(len(s.slots)))
	s.mu.Unlock()

	buf, err := json.Marshal(initMessage{Slot: slotkey})
	if err != nil {
		s.dropSlot(slotkey)
		s.logger.Printf("relay: marshal init message: %v", err)
		return nil
	}
	if err := conn.Write(ctx, websocket.MessageText, buf); err != nil {
		s.dropSlot(slotkey)
		return nil
	}

	select {
	case <-ctx.Done():
		s.metrics.timedOut.Inc()
		s.dropSlot(slotkey)
		conn.Close(CloseSlotTimedOut, "timed out")
		return nil
	case sc <- conn:
	}
	rconn := <-sc
	s.metrics.rendezvous.Inc()
	return rconn
}

func (s *Server) joinSlot(ctx context.Context, conn *websocket.Conn, slotkey string) *websocket.Conn {
	s.mu.Lock()
	sc, ok := s.slots[slotkey]
	if !ok {
		s.mu.Unlock()
		s.metrics.noSuchSlot.Inc()
		conn.Close(CloseNoSuchSlot, "no such slot")
		return nil
	}
	delete(s.slots, slotkey)
	s.metrics.usedSlots.Set(float64(len(s.slots)))
	s.mu.Unlock()

	buf, err := json.Marshal(initMessage{Slot: slotkey})
	if err != nil {
		s.logger.Printf("relay: marshal init message: %v", err)
		return nil
	}
	if err := conn.Write(ctx, websocket.MessageText, buf); err != nil {
		return nil
	}

	var rconn *websocket.Conn
	select {
	case <-ctx.Done():
		conn.Close(CloseSlotTimedOut, "timed out")
		return nil
	case rconn = <-sc:
	}
	sc <- conn
	return rconn
}

func (s *Server) dropSlot(slotkey string) {
	s.mu.Lock()
	delete(s.slots, slotkey)
	s.metrics.usedSlots.Set(float64(len(s.slots)))
	s.mu.Unlock()
}

// pipe relays every frame received on conn to rconn until either side
// closes, mirroring cmd/ww/server.go's relay loop.
func (s *Server) pipe(ctx context.Context, conn, rconn *websocket.Conn) {
	for {
		msgType, p, err := conn.Read(ctx)
		if err != nil {
			rconn.Close(ClosePeerHungUp, "peer hung up")
			return
		}
		if err := rconn.Write(ctx, msgType, p); err != nil {
			return
		}
	}
}
