/*
NAME
  reliable.go

DESCRIPTION
  reliable.go adds an optional ack-feedback path to Reader: after each
  completed access unit, a small datagram naming the triggering sequence
  number is sent back to the stream's source. This mirrors the
  acknowledgement channel the ack-feedback variant of the source protocol
  adds alongside its best-effort counterpart.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package receiver

import (
	"encoding/binary"

	"github.com/ausocean/rtpreceiver/receiver/config"
)

// ackSize is the length in bytes of an ack datagram: a single big-endian
// sequence number.
const ackSize = 2

// NewReliable returns a Reader configured to send an ack datagram back to
// the stream's source address after every access unit boundary (marker bit
// set). cfg.Reliable is forced true regardless of its caller-supplied
// value.
func NewReliable(cfg config.Config, buf []byte, userCtx interface{}) (*Reader, error) {
	cfg.Reliable = true
	return New(cfg, buf, userCtx)
}

// sendAck emits a 2-byte ack datagram carrying seqNum to the address the
// triggering datagram arrived from. Failures are logged and otherwise
// ignored: a lost ack only costs the sender a retransmit, never correctness
// here.
func (r *Reader) sendAck(seqNum uint16) {
	if r.lastSender == nil || r.sock == nil {
		return
	}
	var ack [ackSize]byte
	binary.BigEndian.PutUint16(ack[:], seqNum)
	if err := r.sock.writeTo(ack[:], r.lastSender); err != nil {
		r.logDebug("could not send ack", "error", err.Error())
	}
}
