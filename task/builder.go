package task

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// Version selects the wire-compatible task variant (spec §9: "treat as a
// compile-time variant of the task, not runtime branching sprinkled through
// the hot path"). The two variants only differ in the protocol name
// advertised, whether max_packet_size is negotiated, and whether a
// max_chunk_length of 0 is accepted.
type Version int

const (
	// V1 is the current protocol. Chunking is always on; max_chunk_length
	// of 0 is rejected by the builder.
	V1 Version = iota
	// V0 is the legacy protocol: it negotiates max_packet_size. When the
	// negotiated value is 0, Task.Handover uses the host's MaxMessageSize as
	// the chunk length; messages are still sent as chunks carrying the
	// chunking header, not as whole unchunked frames.
	V0
)

// ProtocolName returns the task protocol identifier advertised to the
// session (spec §6.1).
func (v Version) ProtocolName() string {
	switch v {
	case V0:
		return "v0.webrtc.tasks.saltyrtc.org"
	default:
		return "v1.webrtc.tasks.saltyrtc.org"
	}
}

// DefaultMaxChunkLength is the builder's default max_chunk_length: 256 KiB.
const DefaultMaxChunkLength = 256 << 10

// Builder is the fluent configuration surface for a Task (spec §4.6). It is
// inert; Build returns a Task that itself stays inert until Init is called.
type Builder struct {
	version         Version
	logger          *log.Logger
	doHandover      bool
	maxChunkLength  uint32
	metricsRegistry prometheus.Registerer
}

// NewBuilder returns a Builder with the defaults spec §4.6 specifies:
// version v1, no logging, handover on, 256 KiB max_chunk_length.
func NewBuilder() *Builder {
	return &Builder{
		version:        V1,
		doHandover:     true,
		maxChunkLength: DefaultMaxChunkLength,
	}
}

// WithVersion selects the protocol variant.
func (b *Builder) WithVersion(v Version) *Builder {
	b.version = v
	return b
}

// WithLogger sets the logger the task and its transport report errors to.
// A nil logger (the default) means "don't log".
func (b *Builder) WithLogger(logger *log.Logger) *Builder {
	b.logger = logger
	return b
}

// WithHandover turns the local handover preference on or off. The
// negotiated value is the logical AND of both peers' preference (spec
// §4.5, §8).
func (b *Builder) WithHandover(enabled bool) *Builder {
	b.doHandover = enabled
	return b
}

// WithMaxChunkLength overrides the default 256 KiB max_chunk_length. It
// must be greater than the chunking header length (9 bytes); in V1 it must
// additionally be nonzero (spec §9: "max_chunk_length==0 ... is impossible
// in v1, rejected by the builder").
func (b *Builder) WithMaxChunkLength(n uint32) *Builder {
	b.maxChunkLength = n
	return b
}

// WithMetrics registers the returned task's counters against reg (see
// metrics.go). Not calling this leaves metrics as no-ops.
func (b *Builder) WithMetrics(reg prometheus.Registerer) *Builder {
	b.metricsRegistry = reg
	return b
}

// Build validates the configuration and returns an inert Task. Init must be
// called before the task can be used.
func (b *Builder) Build() (*Task, error) {
	if b.version == V1 && b.maxChunkLength == 0 {
		return nil, ErrChunkLengthTooSmall
	}
	if b.maxChunkLength != 0 && b.maxChunkLength <= HeaderLength {
		return nil, ErrChunkLengthTooSmall
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}

	var metrics *Metrics
	if b.metricsRegistry != nil {
		metrics = NewMetrics(b.metricsRegistry)
	} else {
		metrics = nopMetrics
	}

	return &Task{
		version:        b.version,
		logger:         logger,
		doHandover:     b.doHandover,
		maxChunkLength: b.maxChunkLength,
		metrics:        metrics,
		exclude:        make(map[uint16]struct{}),
		events:         newEventRegistry(logger),
	}, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
