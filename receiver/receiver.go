/*
NAME
  receiver.go

DESCRIPTION
  receiver.go provides Reader: owns a UDP socket and a receive goroutine
  that decodes datagrams, depacketizes H.264 NAL units, records monitoring
  data, and hands completed NALUs to a consumer-supplied Sink.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package receiver provides a realtime RTP/UDP receiver that depacketizes
// H.264 access units and maintains windowed reception statistics. It owns
// the receive thread and socket; packet decoding and NALU reassembly are
// delegated to protocol/rtp and depacket respectively.
package receiver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/rtpreceiver/depacket"
	"github.com/ausocean/rtpreceiver/protocol/rtp"
	"github.com/ausocean/rtpreceiver/receiver/config"
	"github.com/ausocean/rtpreceiver/ring"
)

// pollInterval bounds each socket wait so the receive loop can observe the
// cooperative stop flag. It is the only read timeout applied to the socket;
// Config.RecvTimeoutSec is validated but not used by the receive loop or the
// socket collaborator.
const pollInterval = 500 * time.Millisecond

// ErrBusy is returned by Delete when the receive thread has not yet
// quiesced.
var ErrBusy = errors.New("receiver: busy")

// Reader receives an RTP/H.264 stream over UDP, reassembles access units,
// and maintains a bounded monitoring history. The zero value is not usable;
// construct with New.
type Reader struct {
	cfg     config.Config
	userCtx interface{}

	sock *socket
	asm  *depacket.Assembler
	ring *ring.Ring

	recvBuf []byte

	streamLock        sync.Mutex
	threadsShouldStop bool
	recvThreadStarted bool

	// lastSender is the source address of the most recently received
	// datagram. Used by the reliable variant to address acks.
	lastSender *net.UDPAddr
}

// clockStart is the reference point for monotonicMicros. time.Since on it
// uses the monotonic clock reading, so wall-clock jumps do not affect it.
var clockStart = time.Now()

// monotonicMicros returns the microseconds elapsed on the monotonic clock
// since the package was initialised, used to timestamp ring entries at the
// moment a datagram is received.
func monotonicMicros() int64 {
	return time.Since(clockStart).Microseconds()
}

// New returns a new Reader. cfg is validated: RecvPort and RecvTimeoutSec
// must be positive and cfg.Sink must be set. buf is the initial NALU
// staging buffer handed to the assembler; it must be non-nil and non-empty.
func New(cfg config.Config, buf []byte, userCtx interface{}) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, config.ErrBadParameters
	}

	asm, err := depacket.New(depacket.Config{
		InsertStartCodes: cfg.InsertStartCodes,
		STAPAType:        cfg.STAPAType,
		FUAType:          cfg.FUAType,
		Sink:             cfg.Sink,
		Log:              cfg.Logger,
	}, buf)
	if err != nil {
		return nil, fmt.Errorf("receiver: could not construct assembler: %w", err)
	}

	payloadSize := cfg.PayloadSize(rtp.HeaderSize)

	return &Reader{
		cfg:     cfg,
		userCtx: userCtx,
		asm:     asm,
		ring:    ring.New(),
		recvBuf: make([]byte, rtp.HeaderSize+payloadSize),
	}, nil
}

// RunReceive enters the receive loop: binds the socket, then pumps
// datagrams through decode -> monitor -> depacketize until Stop is called.
// It returns when the loop exits, after delivering a final Cancel to the
// Sink.
//
// RunReceive must be called from a single goroutine; it is the receive
// thread referred to throughout this package's design.
func (r *Reader) RunReceive() error {
	sock, err := bind(r.cfg)
	if err != nil {
		r.logError("could not bind socket", err)
		return err
	}
	r.sock = sock

	r.streamLock.Lock()
	r.recvThreadStarted = true
	r.streamLock.Unlock()

	for !r.shouldStop() {
		n, addr, err := r.sock.readFrom(r.recvBuf, pollInterval)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // Cancellation poll point; not an error.
			}
			r.logDebug("transient receive error", "error", err.Error())
			continue
		}
		r.lastSender = addr

		r.handleDatagram(r.recvBuf[:n])
	}

	r.asm.Cancel()

	if err := r.sock.close(); err != nil {
		r.logError("error closing socket", err)
	}

	r.streamLock.Lock()
	r.recvThreadStarted = false
	r.streamLock.Unlock()

	return nil
}

// handleDatagram decodes one datagram, appends its monitoring record, and
// drives the assembler. Short datagrams are dropped silently.
func (r *Reader) handleDatagram(d []byte) {
	if len(d) < rtp.HeaderSize {
		r.trace("short_packet", 0, fmt.Sprintf("%d bytes", len(d)))
		return
	}

	h, payload, err := rtp.Decode(d)
	if err != nil {
		r.logDebug("dropping undecodable packet", "error", err.Error())
		r.trace("undecodable_packet", 0, err.Error())
		return
	}

	recvTime := monotonicMicros()

	r.ring.Append(ring.Record{
		RecvTimeMicros: recvTime,
		RTPTimestamp:   h.Timestamp,
		SeqNum:         h.Sequence,
		Marker:         h.Marker(),
		ByteCount:      len(d),
	})

	r.asm.Process(h.Sequence, h.Timestamp, h.Marker(), payload)

	if r.cfg.Reliable && h.Marker() {
		r.sendAck(h.Sequence)
	}
}

// trace calls cfg.Trace, if set, with a lightweight event. It never blocks
// and is never called while holding streamLock.
func (r *Reader) trace(name string, seqNum uint16, details string) {
	if r.cfg.Trace == nil {
		return
	}
	r.cfg.Trace(config.Event{Name: name, SeqNum: seqNum, Details: details})
}

// shouldStop reports the cooperative stop flag.
func (r *Reader) shouldStop() bool {
	r.streamLock.Lock()
	defer r.streamLock.Unlock()
	return r.threadsShouldStop
}

// Stop requests the receive loop to exit. It is idempotent and safe to call
// from any goroutine, including more than once.
func (r *Reader) Stop() {
	r.streamLock.Lock()
	r.threadsShouldStop = true
	r.streamLock.Unlock()
}

// Delete releases the Reader's resources. It fails with ErrBusy if the
// receive thread has not yet observed Stop and quiesced; callers should
// call Stop and wait for RunReceive to return before calling Delete.
func (r *Reader) Delete() error {
	r.streamLock.Lock()
	busy := r.recvThreadStarted
	r.streamLock.Unlock()
	if busy {
		return ErrBusy
	}
	return nil
}

// GetMonitoring returns windowed reception statistics. It may be called
// from any goroutine, concurrently with RunReceive.
func (r *Reader) GetMonitoring(windowMicros int64, opts ring.Options) (ring.Stats, error) {
	return r.ring.Query(windowMicros, opts)
}

// GetCustom returns the opaque user context passed to New.
func (r *Reader) GetCustom() interface{} {
	return r.userCtx
}

func (r *Reader) logDebug(msg string, args ...interface{}) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug(msg, args...)
	}
}

func (r *Reader) logError(msg string, err error) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Error(msg, "error", err.Error())
	}
}
