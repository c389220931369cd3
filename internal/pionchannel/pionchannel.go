// Package pionchannel implements task.SignalingTransportHandler over a real
// github.com/pion/webrtc/v3 DataChannel.
//
// It is grounded on cmd/rtcpipe/dial.go's conn wrapper: the same
// Detach/flush-condvar pattern worked around pion's lack of a blocking
// Write (https://github.com/pion/sctp/issues/77), generalised here from a
// one-off CLI dialer into a reusable handler the task package's
// TransportLink can be bound to.
package pionchannel

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/saltyrtc/webrtc-handover-task-go/task"
)

// BufferedAmountLowThreshold mirrors the teacher's chosen safe default:
// thresholds at or above 1 MiB occasionally locked up pion.
const BufferedAmountLowThreshold = 512 << 10

// Handler adapts a negotiated pion DataChannel to task.SignalingTransportHandler.
type Handler struct {
	dc *webrtc.DataChannel
	pc *webrtc.PeerConnection
	rwc io.ReadWriteCloser

	maxMessageSize uint32
	logger         *log.Logger

	opened chan struct{}
	err    chan error
	flushc *sync.Cond
}

// NewHandler wires open/error/flush callbacks onto dc. dc must have been
// created with Negotiated set (spec's handover assumes the channel id was
// already agreed out of band, see task.TransportLink), and pc's
// SettingEngine must have DetachDataChannels enabled, matching
// cmd/rtcpipe/dial.go and wormhole/dial.go's rtcapi setup.
func NewHandler(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, maxMessageSize uint32, logger *log.Logger) *Handler {
	h := &Handler{
		dc:             dc,
		pc:             pc,
		maxMessageSize: maxMessageSize,
		logger:         logger,
		opened:         make(chan struct{}),
		err:            make(chan error, 1),
		flushc:         sync.NewCond(&sync.Mutex{}),
	}
	dc.OnOpen(h.open)
	dc.OnError(h.onError)
	dc.OnBufferedAmountLow(h.flushed)
	dc.SetBufferedAmountLowThreshold(BufferedAmountLowThreshold)
	return h
}

func (h *Handler) open() {
	rwc, err := h.dc.Detach()
	if err != nil {
		h.onError(err)
		return
	}
	h.rwc = rwc
	close(h.opened)
}

func (h *Handler) onError(err error) {
	select {
	case h.err <- err:
	default:
	}
}

func (h *Handler) flushed() {
	h.flushc.L.Lock()
	h.flushc.Signal()
	h.flushc.L.Unlock()
}

// WaitOpen blocks until the channel is open and detached, ctx is done, or
// the channel reports an error.
func (h *Handler) WaitOpen(ctx context.Context) error {
	select {
	case <-h.opened:
		return nil
	case err := <-h.err:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MaxMessageSize implements task.SignalingTransportHandler.
func (h *Handler) MaxMessageSize() uint32 { return h.maxMessageSize }

// Send implements task.SignalingTransportHandler, blocking until the
// channel's buffered amount drains below threshold the way
// cmd/rtcpipe/dial.go's conn.Write does.
func (h *Handler) Send(chunk []byte) error {
	h.flushc.L.Lock()
	for h.dc.BufferedAmount() > h.dc.BufferedAmountLowThreshold() {
		h.flushc.Wait()
	}
	h.flushc.L.Unlock()
	_, err := h.rwc.Write(chunk)
	return err
}

// Close implements task.SignalingTransportHandler, draining buffered data
// before tearing the channel down (cmd/rtcpipe/dial.go's conn.Close).
func (h *Handler) Close() error {
	for h.dc.BufferedAmount() != 0 {
		time.Sleep(100 * time.Millisecond)
	}
	var err error
	if h.rwc != nil {
		if e := h.rwc.Close(); e != nil {
			err = e
		}
	}
	if e := h.dc.Close(); e != nil {
		err = e
	}
	return err
}

// ReceiveLoop reads chunks off the detached channel and feeds them to link
// until the channel closes or ctx is cancelled. Each Read call returns
// exactly one chunk: pion's detached DataChannel preserves SCTP message
// boundaries, so no additional framing is needed on top of the task
// package's own chunk header.
func (h *Handler) ReceiveLoop(ctx context.Context, link *task.TransportLink) {
	buf := make([]byte, h.maxMessageSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := h.rwc.Read(buf)
		if err != nil {
			link.Closed()
			return
		}
		chunk := append([]byte(nil), buf[:n]...)
		if err := link.Receive(chunk); err != nil {
			h.logger.Printf("pionchannel: receive: %v", err)
		}
	}
}
