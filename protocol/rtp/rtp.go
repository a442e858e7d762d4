/*
NAME
  rtp.go

DESCRIPTION
  rtp.go decodes the fixed wire header of received datagrams: a 16-bit
  sequence number, a 32-bit 90kHz timestamp, and a 16-bit flags field whose
  bit 7 is the marker bit. This is the "RTP-like" header the depacketizer
  core consumes; it is a subset of full RFC 3550 RTP (no SSRC/CSRC/header
  extension), matching the header this package's wire format is drawn from.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package rtp decodes the fixed-size header of received RTP-like datagrams
// and locates the payload bytes that follow it.
package rtp

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the size in bytes of the fixed wire header.
const HeaderSize = 8

// markerBit is bit 7 of the 16-bit flags field.
const markerBit = 1 << 7

// ErrShortPacket is returned by Decode when a datagram is too small to
// contain a header.
var ErrShortPacket = errors.New("rtp: packet shorter than header")

// Header is the decoded fixed header of a received datagram.
type Header struct {
	Sequence  uint16
	Timestamp uint32 // 90kHz media clock.
	Flags     uint16
}

// Marker reports the state of the marker bit: the last packet of an access
// unit.
func (h Header) Marker() bool {
	return h.Flags&markerBit != 0
}

// Decode parses the fixed header from d and returns it along with the
// payload bytes that follow. It fails with ErrShortPacket if d is shorter
// than HeaderSize; the caller should drop the datagram in that case.
func Decode(d []byte) (Header, []byte, error) {
	if len(d) < HeaderSize {
		return Header{}, nil, ErrShortPacket
	}
	h := Header{
		Sequence:  binary.BigEndian.Uint16(d[0:2]),
		Timestamp: binary.BigEndian.Uint32(d[2:6]),
		Flags:     binary.BigEndian.Uint16(d[6:8]),
	}
	return h, d[HeaderSize:], nil
}

// Encode writes h followed by payload into a newly-allocated datagram. It
// is the inverse of Decode, used by senders and test fixtures.
func Encode(h Header, payload []byte) []byte {
	d := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(d[0:2], h.Sequence)
	binary.BigEndian.PutUint32(d[2:6], h.Timestamp)
	binary.BigEndian.PutUint16(d[6:8], h.Flags)
	copy(d[HeaderSize:], payload)
	return d
}
