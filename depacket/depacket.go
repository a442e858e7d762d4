/*
NAME
  depacket.go

DESCRIPTION
  depacket.go provides an Assembler that reconstructs H.264 NAL units from a
  sequence of RTP-like packets, handling single-NALU, STAP-A and FU-A
  packetization modes per RFC 6184, and tracks access-unit boundaries.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package depacket reassembles H.264 access units from a stream of RTP-like
// payloads. It drives the single/STAP-A/FU-A state machine described by
// RFC 6184 §5.7 and hands completed NAL units to a Sink, negotiating buffer
// growth with the sink rather than allocating on the hot path.
package depacket

import (
	"fmt"

	"github.com/ausocean/utils/logging"
)

// startCode is the Annex-B byte sequence prefixed to each NALU when the
// Assembler is configured to insert start codes.
var startCode = [4]byte{0x00, 0x00, 0x00, 0x01}

// unsetSeqNum is the sentinel value of previousSeqNum before any packet has
// been processed.
const unsetSeqNum = -1

// NaluInfo describes one fully assembled NAL unit, passed to Sink.NaluComplete.
type NaluInfo struct {
	// Data is the assembled NALU, a view into the Assembler's current
	// staging buffer. It is only valid until the next call into the
	// Assembler; copy it if it must outlive that.
	Data []byte

	// TimestampMicros is the packet's 90kHz RTP timestamp converted to
	// microseconds with unbiased rounding: (ts90*1000+45)/90.
	TimestampMicros int64

	// IsFirstInAU is true if this NALU is the first in its access unit.
	IsFirstInAU bool

	// IsLastInAU is true if the packet that completed this NALU carried
	// the RTP marker bit.
	IsLastInAU bool

	// MissedPackets is the number of packets missing from the sequence
	// numbers observed since the access unit currently being assembled
	// began.
	MissedPackets int
}

// Sink is the consumer boundary of the Assembler. Its methods correspond to
// the causes of the C pull-buffer callback this package's design is
// grounded on: BufferTooSmall, CopyComplete, NaluComplete and Cancel.
//
// Cancel aside, Sink methods are invoked synchronously from whichever
// goroutine calls Assembler.Process; a Sink must not call back into the
// Assembler from within a method.
type Sink interface {
	// BufferTooSmall requests a new staging buffer of at least need bytes.
	// Returning a buffer shorter than need makes the Assembler skip the
	// bytes of the packet that needed the space: a single NALU (or the
	// remaining units of a STAP-A packet) is not delivered, while a pending
	// FU-A keeps the fragments it already holds and continues with later
	// ones. Other state is preserved.
	BufferTooSmall(need int) []byte

	// CopyComplete reports that oldBuf is no longer referenced by the
	// Assembler and may be reused or freed by the Sink.
	CopyComplete(oldBuf []byte)

	// NaluComplete delivers one assembled NALU. A non-nil returned buffer
	// replaces the Assembler's current staging buffer for the next NALU.
	NaluComplete(info NaluInfo) []byte

	// Cancel delivers the current staging buffer back to the Sink during
	// shutdown. Its return value is ignored.
	Cancel(buf []byte)
}

// Config configures an Assembler.
type Config struct {
	// InsertStartCodes, if true, prefixes each assembled NALU with the
	// 4-byte Annex-B start code 00 00 00 01.
	InsertStartCodes bool

	// STAPAType and FUAType are the NALU type values (low 5 bits of the
	// first payload byte) that select the aggregation and fragmentation
	// branches of the state machine. RFC 6184 defines 24 and 28
	// respectively; they are configurable here because the wire format is
	// "RTP-like", not binding to the RFC's registry.
	STAPAType uint8
	FUAType   uint8

	// Sink receives assembled NALUs and buffer-lifecycle notifications.
	Sink Sink

	// Log receives debug traces of discarded fragments, dropped
	// out-of-order packets and AU-boundary resets. May be nil.
	Log logging.Logger
}

// Assembler drives the depacketization state machine described in RFC 6184
// §5.7 plus access-unit boundary tracking via timestamp transitions and the
// RTP marker bit.
type Assembler struct {
	cfg Config

	// buf is the staging buffer. The Assembler has exclusive write access
	// to it between Sink.NaluComplete/BufferTooSmall handoffs.
	buf     []byte
	nalSize int

	fuPending   bool
	fuStartSeq  int32
	startSeqNum int32
	prevSeqNum  int32 // unsetSeqNum before the first packet.
	prevRTPTS   uint32
	curAUSize   int
	gapsInSeq   int
}

// New returns a new Assembler that writes into buf. buf must be non-nil and
// have non-zero length.
func New(cfg Config, buf []byte) (*Assembler, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("depacket: sink must not be nil")
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("depacket: initial buffer must be non-empty")
	}
	return &Assembler{
		cfg:         cfg,
		buf:         buf,
		prevSeqNum:  unsetSeqNum,
	}, nil
}

// tsMicros converts a 90kHz RTP timestamp to microseconds with the unbiased
// rounding the core uses throughout: (ts*1000+45)/90.
func tsMicros(ts uint32) int64 {
	return int64((uint64(ts)*1000 + 45) / 90)
}

// Process drives one received packet through the access-unit tracker and
// the depacketization state machine. payload is the packet's payload bytes
// (header already stripped); seqNum and rtpTS are the packet's RTP sequence
// number and 90kHz timestamp, and marker is the RTP marker bit.
//
// Process never blocks and performs no locking; callers invoking it from
// more than one goroutine concurrently must serialize their own calls.
func (a *Assembler) Process(seqNum uint16, rtpTS uint32, marker bool, payload []byte) {
	curSeq := int32(seqNum)

	delta := int32(1)
	if a.prevSeqNum != unsetSeqNum {
		delta = curSeq - a.prevSeqNum
		if delta < -32768 {
			delta += 65536
		}
		a.gapsInSeq += int(delta) - 1
		if delta <= 0 {
			a.debugf("out-of-order or duplicate packet (seqNum=%d, previousSeqNum=%d, delta=%d)", curSeq, a.prevSeqNum, delta)
			return
		}
	}

	// Access-unit boundary: the previous AU ended without a marker bit and
	// this packet's timestamp shows a new AU has begun. Performed before
	// the startSeqNum assignment below so that the new AU's first packet
	// is correctly recognised as such; see DESIGN.md for why this departs
	// from the originating implementation's statement order.
	if a.prevRTPTS != 0 && rtpTS != a.prevRTPTS {
		if a.gapsInSeq != 0 {
			a.debugf("incomplete access unit before seqNum %d, size %d bytes (missing %d packets)", curSeq, a.curAUSize, a.gapsInSeq)
		}
		a.gapsInSeq = 0
		a.curAUSize = 0
	}

	if a.curAUSize == 0 {
		a.startSeqNum = curSeq
	}

	ts := tsMicros(rtpTS)
	if len(payload) > 0 {
		naluType := payload[0] & 0x1f
		switch {
		case naluType == a.cfg.FUAType:
			a.handleFUA(curSeq, ts, marker, payload)
		case naluType == a.cfg.STAPAType:
			a.handleSTAPA(curSeq, ts, marker, payload)
		default:
			a.handleSingle(curSeq, ts, marker, payload)
		}
	}

	if marker {
		a.gapsInSeq = 0
		a.curAUSize = 0
	}

	a.prevSeqNum = curSeq
	a.prevRTPTS = rtpTS
}

// Cancel delivers the current staging buffer back to the Sink. It is called
// once during shutdown.
func (a *Assembler) Cancel() {
	a.cfg.Sink.Cancel(a.buf[:a.nalSize])
}

func (a *Assembler) debugf(format string, args ...interface{}) {
	if a.cfg.Log != nil {
		a.cfg.Log.Debug(fmt.Sprintf(format, args...))
	}
}

// checkBufferSize ensures the staging buffer can hold needed more bytes
// beyond nalSize, growing it via the Sink if not. It returns false if the
// Sink could not (or chose not to) provide a sufficiently large buffer; in
// that case the caller must skip the write and leave all state unchanged so
// that a later, successful grow can resume from where processing left off.
func (a *Assembler) checkBufferSize(needed int) bool {
	need := a.nalSize + needed
	if need <= len(a.buf) {
		return true
	}

	newBuf := a.cfg.Sink.BufferTooSmall(need)
	if len(newBuf) < need {
		return false
	}

	copy(newBuf, a.buf[:a.nalSize])
	old := a.buf
	a.buf = newBuf
	a.cfg.Sink.CopyComplete(old)
	return true
}

// write copies b into the staging buffer at the current cursor, advancing
// both nalSize and curAUSize the way the original implementation
// accumulates access-unit size progressively as fragments arrive, not only
// when a NALU completes.
func (a *Assembler) write(b []byte) {
	n := copy(a.buf[a.nalSize:], b)
	a.nalSize += n
	a.curAUSize += n
}

// emitComplete hands the assembled NALU in buf[:nalSize] to the Sink and
// resets the staging cursor for the next NALU.
func (a *Assembler) emitComplete(isFirst, isLast bool, ts int64) {
	next := a.cfg.Sink.NaluComplete(NaluInfo{
		Data:            a.buf[:a.nalSize],
		TimestampMicros: ts,
		IsFirstInAU:     isFirst,
		IsLastInAU:      isLast,
		MissedPackets:   a.gapsInSeq,
	})
	a.nalSize = 0
	if next != nil {
		a.buf = next
	}
}

// handleSingle processes a default (non-aggregated, non-fragmented) NALU.
func (a *Assembler) handleSingle(curSeq int32, ts int64, marker bool, payload []byte) {
	if a.fuPending {
		a.debugf("discarding incomplete FU-A before single NALU at seqNum %d", curSeq)
		a.fuPending = false
	}

	a.nalSize = 0
	prefixLen := 0
	if a.cfg.InsertStartCodes {
		prefixLen = len(startCode)
	}
	if !a.checkBufferSize(len(payload) + prefixLen) {
		a.debugf("failed to grow buffer for single NALU packet at seqNum %d", curSeq)
		return
	}

	if a.cfg.InsertStartCodes {
		a.write(startCode[:])
	}
	a.write(payload)

	a.emitComplete(a.startSeqNum == curSeq, marker, ts)
}

// handleFUA processes a fragmentation-unit-A packet.
func (a *Assembler) handleFUA(curSeq int32, ts int64, marker bool, payload []byte) {
	const minFUALen = 2
	if len(payload) < minFUALen {
		a.debugf("invalid FU-A payload size (%d) at seqNum %d", len(payload), curSeq)
		return
	}

	fuIndicator := payload[0]
	fuHeader := payload[1]
	startBit := fuHeader&0x80 != 0
	endBit := fuHeader&0x40 != 0

	if a.fuPending && startBit {
		a.debugf("incomplete FU-A before FU-A restart at seqNum %d", curSeq)
		a.fuPending = false
	}

	if startBit {
		a.fuPending = true
		a.fuStartSeq = curSeq
		a.nalSize = 0
	}

	if !a.fuPending {
		return
	}

	prefixLen := 0
	if startBit && a.cfg.InsertStartCodes {
		prefixLen = len(startCode)
	}
	reconstructedHeader := 0
	if startBit {
		reconstructedHeader = 1
	}
	body := payload[2:]
	if !a.checkBufferSize(prefixLen + reconstructedHeader + len(body)) {
		a.debugf("failed to grow buffer for FU-A packet at seqNum %d", curSeq)
		return
	}

	if startBit {
		if a.cfg.InsertStartCodes {
			a.write(startCode[:])
		}
		a.write([]byte{(fuIndicator & 0xE0) | (fuHeader & 0x1F)})
	}
	a.write(body)

	if endBit {
		a.emitComplete(a.startSeqNum == a.fuStartSeq, marker, ts)
		a.fuPending = false
	}
}

// handleSTAPA unpacks a single-time aggregation packet per RFC 6184 §5.7.1,
// emitting one NaluComplete per inner NALU. The first inner NALU carries
// IsFirstInAU iff the packet begins the access unit; the last inner NALU
// carries IsLastInAU iff the packet's marker bit is set.
func (a *Assembler) handleSTAPA(curSeq int32, ts int64, marker bool, payload []byte) {
	if a.fuPending {
		a.debugf("discarding incomplete FU-A before STAP-A at seqNum %d", curSeq)
		a.fuPending = false
	}

	const sizeFieldLen = 2
	const minSTAPALen = 1 + sizeFieldLen
	if len(payload) < minSTAPALen {
		a.debugf("invalid STAP-A payload size (%d) at seqNum %d", len(payload), curSeq)
		return
	}

	first := true
	for i := 1; i+sizeFieldLen <= len(payload); {
		size := int(payload[i])<<8 | int(payload[i+1])
		i += sizeFieldLen
		if i+size > len(payload) {
			a.debugf("truncated STAP-A aggregation unit at seqNum %d", curSeq)
			return
		}
		nalu := payload[i : i+size]
		i += size

		a.nalSize = 0
		prefixLen := 0
		if a.cfg.InsertStartCodes {
			prefixLen = len(startCode)
		}
		if !a.checkBufferSize(len(nalu) + prefixLen) {
			a.debugf("failed to grow buffer for STAP-A unit at seqNum %d", curSeq)
			return
		}
		if a.cfg.InsertStartCodes {
			a.write(startCode[:])
		}
		a.write(nalu)

		isLast := i+sizeFieldLen > len(payload)
		a.emitComplete(first && a.startSeqNum == curSeq, isLast && marker, ts)
		first = false
	}
}
