package task

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds optional Prometheus instrumentation for a task. The
// teacher's go.mod requires github.com/prometheus/client_golang but never
// imports it (cmd/ww/server.go tracks the same kind of counters with plain
// expvar instead); this gives that dependency the job its informal expvar
// counters do in the teacher, as a real metrics library.
//
// Metrics are optional, since the task is now a library embedded in
// arbitrary applications rather than a single server binary that always
// wants counters: a task built without WithMetrics uses nopMetrics, whose
// counters are registered nowhere. A nil *Metrics is not valid; call sites
// increment its counters without a nil check.
type Metrics struct {
	chunksSent      prometheus.Counter
	chunksReceived  prometheus.Counter
	decryptFailures prometheus.Counter
	handoversDone   prometheus.Counter
	candidateFlush  prometheus.Counter
}

// NewMetrics registers a task's counters against reg and returns them;
// Builder.Build calls it with the registry given to Builder.WithMetrics.
// Passing a nil reg is equivalent
// to not calling NewMetrics at all: the returned *Metrics still works, it
// just isn't exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saltyrtc_webrtc_task_chunks_sent_total",
			Help: "Chunks written to the handover data channel.",
		}),
		chunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saltyrtc_webrtc_task_chunks_received_total",
			Help: "Chunks read from the handover data channel.",
		}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saltyrtc_webrtc_task_decrypt_failures_total",
			Help: "Messages rejected by a crypto context's nonce/CSN validation.",
		}),
		handoversDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saltyrtc_webrtc_task_handovers_completed_total",
			Help: "Handovers where both sides reached handover_state.both.",
		}),
		candidateFlush: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saltyrtc_webrtc_task_candidate_batches_total",
			Help: "Coalesced candidates task messages sent.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.chunksSent,
			m.chunksReceived,
			m.decryptFailures,
			m.handoversDone,
			m.candidateFlush,
		)
	}
	return m
}

// nopMetrics backs every *Metrics method when the task was built without
// NewMetrics, so call sites never need a nil check.
var nopMetrics = &Metrics{
	chunksSent:      prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_chunks_sent"}),
	chunksReceived:  prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_chunks_received"}),
	decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_decrypt_failures"}),
	handoversDone:   prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_handovers_done"}),
	candidateFlush:  prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_candidate_flush"}),
}
