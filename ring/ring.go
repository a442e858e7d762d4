/*
NAME
  ring.go

DESCRIPTION
  ring.go provides a fixed-capacity circular log of per-packet reception
  metadata, safe for concurrent append and query, used to derive windowed
  throughput, jitter and loss statistics.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package ring provides a lock-protected circular buffer of per-packet
// reception records and windowed statistical queries over it. Appends come
// from a single receive path; queries may come from any goroutine.
package ring

import (
	"errors"
	"math"
	"sync"
)

// Capacity is the fixed number of records the ring retains.
const Capacity = 2048

// ErrBadParameters is returned by Query when windowMicros is zero or the
// ring holds no records.
var ErrBadParameters = errors.New("ring: bad parameters")

// Record is one packet's worth of reception metadata.
type Record struct {
	RecvTimeMicros int64  // Monotonic reception time, microseconds.
	RTPTimestamp   uint32 // 90kHz media clock.
	SeqNum         uint16
	Marker         bool
	ByteCount      int // Wire payload + header bytes.
}

// Ring is a fixed-capacity circular log of Records.
type Ring struct {
	mu         sync.Mutex
	records    [Capacity]Record
	writeIndex int
	count      int

	haveFirstTS bool
	firstRTPTS  uint32
}

// New returns a new, empty Ring.
func New() *Ring {
	return &Ring{writeIndex: -1}
}

// Append adds r to the ring, overwriting the oldest record once the ring is
// full. Append is safe to call concurrently with Query, but not with itself.
func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.haveFirstTS {
		r.haveFirstTS = true
		r.firstRTPTS = rec.RTPTimestamp
	}

	r.writeIndex = (r.writeIndex + 1) % Capacity
	r.records[r.writeIndex] = rec
	if r.count < Capacity {
		r.count++
	}
}

// Options selects which of the more expensive (two-pass) statistics Query
// computes. The cheap, single-pass statistics are always returned.
type Options struct {
	Jitter     bool // Compute ReceptionTimeJitter.
	SizeStdDev bool // Compute PacketSizeStdDev.
}

// Stats is the result of a windowed Query.
type Stats struct {
	RealTimeIntervalMicros int64
	ReceptionTimeJitter    float64
	BytesReceived          int64
	MeanPacketSize         float64
	PacketSizeStdDev       float64
	PacketsReceived        int
	PacketsMissed          int
}

// Query computes statistics over the most recent records whose reception
// time falls within windowMicros of the newest record, walking backward
// from the write cursor. It fails with ErrBadParameters if windowMicros is
// zero or the ring is empty.
func (r *Ring) Query(windowMicros int64, opts Options) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if windowMicros == 0 || r.count == 0 {
		return Stats{}, ErrBadParameters
	}

	newestIdx := r.writeIndex
	newestTS := r.records[newestIdx].RecvTimeMicros

	// Pass 1: collect the records in the window, and accumulate the cheap
	// sums (bytes, reception-time, packet count, sequence gaps).
	var (
		visited       int
		bytesSum      int64
		receptionSum  float64
		oldestTS      int64
		gaps          int
		prevSeq       int32 = -1
		first         = true
	)
	idx := newestIdx
	for visited < r.count {
		rec := &r.records[idx]
		if newestTS-rec.RecvTimeMicros > windowMicros {
			break
		}

		visited++
		bytesSum += int64(rec.ByteCount)
		receptionSum += receptionTime(rec, r.firstRTPTS)
		oldestTS = rec.RecvTimeMicros

		seq := int32(rec.SeqNum)
		if !first {
			delta := prevSeq - seq // Walking backward: prev is newer.
			if delta < -32768 {
				delta += 65536
			}
			gaps += int(delta) - 1
		}
		first = false
		prevSeq = seq

		idx--
		if idx < 0 {
			idx = Capacity - 1
		}
	}

	if visited == 0 {
		return Stats{}, ErrBadParameters
	}

	stats := Stats{
		RealTimeIntervalMicros: newestTS - oldestTS,
		BytesReceived:          bytesSum,
		MeanPacketSize:         float64(bytesSum) / float64(visited),
		PacketsReceived:        visited,
		PacketsMissed:          gaps,
	}

	if !opts.Jitter && !opts.SizeStdDev {
		return stats, nil
	}

	// Pass 2: variance sums, using the pass-1 means.
	meanReception := receptionSum / float64(visited)
	meanSize := stats.MeanPacketSize

	var receptionVarSum, sizeVarSum float64
	idx = newestIdx
	for i := 0; i < visited; i++ {
		rec := &r.records[idx]
		if opts.Jitter {
			d := receptionTime(rec, r.firstRTPTS) - meanReception
			receptionVarSum += d * d
		}
		if opts.SizeStdDev {
			d := float64(rec.ByteCount) - meanSize
			sizeVarSum += d * d
		}
		idx--
		if idx < 0 {
			idx = Capacity - 1
		}
	}

	if opts.Jitter {
		stats.ReceptionTimeJitter = math.Sqrt(receptionVarSum / float64(visited))
	}
	if opts.SizeStdDev {
		stats.PacketSizeStdDev = math.Sqrt(sizeVarSum / float64(visited))
	}

	return stats, nil
}

// receptionTime returns a record's relative queueing-delay proxy: its
// reception time minus the microsecond-converted offset of its RTP
// timestamp from the ring's first-seen RTP timestamp. It is not a
// wall-clock latency.
func receptionTime(rec *Record, firstRTPTS uint32) float64 {
	offset := rec.RTPTimestamp - firstRTPTS // Wraps the same way the 32-bit clock does.
	return float64(rec.RecvTimeMicros) - float64((uint64(offset)*1000+45)/90)
}
