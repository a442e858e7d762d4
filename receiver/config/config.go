/*
NAME
  config.go

DESCRIPTION
  config.go contains the configuration settings for an RTP/H.264 receiver.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config contains the configuration settings for a receiver.
package config

import (
	"errors"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/rtpreceiver/depacket"
)

// RFC 6184 default NALU type values for the aggregation and fragmentation
// branches of the depacketization state machine.
const (
	DefaultSTAPAType = 24
	DefaultFUAType   = 28
)

// The receive buffer is sized as MaxPacketSize minus header and transport
// overhead when MaxPacketSize is positive.
const (
	UDPOverhead = 8
	IPOverhead  = 20

	// DefaultPayloadSize is used when MaxPacketSize is not set.
	DefaultPayloadSize = 1460
)

// ErrBadParameters is returned by Validate when a required field is missing
// or out of range.
var ErrBadParameters = errors.New("config: bad parameters")

// Config holds the immutable-after-construction parameters of a receiver.
type Config struct {
	// RecvPort is the UDP port to receive on. Required, must be positive.
	RecvPort int

	// RecvAddr is an optional unicast bind address or multicast group
	// (224.0.0.0/4). A first octet in [224,239] selects multicast.
	RecvAddr string

	// IfaceAddr is an optional interface address used for bind/multicast
	// membership. If empty, the wildcard address is used.
	IfaceAddr string

	// RecvTimeoutSec is the advisory socket-level receive timeout.
	// Required, must be positive. It is not applied to the socket: reads
	// are bounded by the receive loop's fixed poll interval instead.
	RecvTimeoutSec int

	// MaxPacketSize, if positive, sizes the receive buffer as
	// MaxPacketSize - rtp.HeaderSize - UDPOverhead - IPOverhead. Otherwise
	// DefaultPayloadSize is used.
	MaxPacketSize int

	// InsertStartCodes controls whether emitted NALUs are prefixed with
	// the Annex-B start code.
	InsertStartCodes bool

	// STAPAType and FUAType select which NALU type values the assembler
	// treats as aggregation/fragmentation packets.
	STAPAType uint8
	FUAType   uint8

	// Sink receives assembled NALUs and buffer-lifecycle notifications.
	// Required.
	Sink depacket.Sink

	// Reliable enables the ack-feedback variant: after each access unit
	// completes, a small ack datagram is sent back to the sender.
	Reliable bool

	// Trace, if non-nil, is called by the receive loop when it drops a
	// datagram that is shorter than the header or cannot be decoded. NALU
	// completion and buffer growth are not traced. It is called
	// synchronously on the receive goroutine and never under a lock.
	Trace func(Event)

	// Logger receives structured logs. Required for production use but
	// may be nil in tests.
	Logger logging.Logger
}

// Event describes one point of interest traced for optional debug
// consumption: a dropped datagram.
type Event struct {
	Name    string
	SeqNum  uint16
	Details string
}

// Validate checks that c meets the constructor contract: RecvPort and
// RecvTimeoutSec positive, Sink set. Defaults are filled in for
// STAPAType/FUAType if left zero.
func (c *Config) Validate() error {
	if c.RecvPort <= 0 {
		return ErrBadParameters
	}
	if c.RecvTimeoutSec <= 0 {
		return ErrBadParameters
	}
	if c.Sink == nil {
		return ErrBadParameters
	}
	if c.STAPAType == 0 {
		c.STAPAType = DefaultSTAPAType
	}
	if c.FUAType == 0 {
		c.FUAType = DefaultFUAType
	}
	return nil
}

// PayloadSize returns the configured receive buffer size for the UDP
// payload.
func (c *Config) PayloadSize(headerSize int) int {
	if c.MaxPacketSize <= 0 {
		return DefaultPayloadSize
	}
	size := c.MaxPacketSize - headerSize - UDPOverhead - IPOverhead
	if size <= 0 {
		return DefaultPayloadSize
	}
	return size
}

// IsMulticast reports whether addr is a multicast group: its first octet
// falls in [224,239].
func IsMulticast(addr string) bool {
	if addr == "" {
		return false
	}
	var first int
	for i := 0; i < len(addr); i++ {
		if addr[i] == '.' {
			break
		}
		if addr[i] < '0' || addr[i] > '9' {
			return false
		}
		first = first*10 + int(addr[i]-'0')
	}
	return first >= 224 && first <= 239
}
