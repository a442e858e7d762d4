/*
NAME
  ring_test.go

DESCRIPTION
  ring_test.go provides testing for behaviour of functionality in ring.go.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package ring

import (
	"testing"
)

func rec(recvMicros int64, rtpTS uint32, seq uint16, bytes int) Record {
	return Record{RecvTimeMicros: recvMicros, RTPTimestamp: rtpTS, SeqNum: seq, ByteCount: bytes}
}

func TestQueryEmptyRing(t *testing.T) {
	r := New()
	if _, err := r.Query(1000, Options{}); err != ErrBadParameters {
		t.Fatalf("Query on empty ring: got err %v, want ErrBadParameters", err)
	}
}

func TestQueryZeroWindow(t *testing.T) {
	r := New()
	r.Append(rec(1000, 90000, 1, 100))
	if _, err := r.Query(0, Options{}); err != ErrBadParameters {
		t.Fatalf("Query with zero window: got err %v, want ErrBadParameters", err)
	}
}

func TestQueryBasicCounts(t *testing.T) {
	r := New()
	r.Append(rec(0, 0, 1, 100))
	r.Append(rec(1000, 90, 2, 200))
	r.Append(rec(2000, 180, 3, 300))

	stats, err := r.Query(10000, Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.PacketsReceived != 3 {
		t.Errorf("PacketsReceived = %d, want 3", stats.PacketsReceived)
	}
	if stats.BytesReceived != 600 {
		t.Errorf("BytesReceived = %d, want 600", stats.BytesReceived)
	}
	if stats.MeanPacketSize != 200 {
		t.Errorf("MeanPacketSize = %v, want 200", stats.MeanPacketSize)
	}
	if stats.PacketsMissed != 0 {
		t.Errorf("PacketsMissed = %d, want 0", stats.PacketsMissed)
	}
	if stats.RealTimeIntervalMicros != 2000 {
		t.Errorf("RealTimeIntervalMicros = %d, want 2000", stats.RealTimeIntervalMicros)
	}
}

func TestQueryWindowExcludesOlderRecords(t *testing.T) {
	r := New()
	r.Append(rec(0, 0, 1, 100))
	r.Append(rec(5000, 450, 2, 100))
	r.Append(rec(10000, 900, 3, 100))

	stats, err := r.Query(4000, Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.PacketsReceived != 1 {
		t.Fatalf("PacketsReceived = %d, want 1", stats.PacketsReceived)
	}
	if stats.BytesReceived != 100 {
		t.Errorf("BytesReceived = %d, want 100", stats.BytesReceived)
	}
}

func TestQueryDetectsGaps(t *testing.T) {
	r := New()
	r.Append(rec(0, 0, 100, 10))
	r.Append(rec(1000, 90, 103, 10)) // Two packets missing.

	stats, err := r.Query(10000, Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.PacketsMissed != 2 {
		t.Errorf("PacketsMissed = %d, want 2", stats.PacketsMissed)
	}
}

func TestQuerySequenceWrapDoesNotInflateGaps(t *testing.T) {
	r := New()
	r.Append(rec(0, 0, 65534, 10))
	r.Append(rec(1000, 90, 2, 10)) // Wraps: delta = 65534->2 is +4, i.e. 3 missing.

	stats, err := r.Query(10000, Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.PacketsMissed != 3 {
		t.Errorf("PacketsMissed = %d, want 3", stats.PacketsMissed)
	}
}

func TestAppendOverwritesOldestOnWrap(t *testing.T) {
	r := New()
	for i := 0; i < Capacity+10; i++ {
		r.Append(rec(int64(i)*1000, uint32(i)*90, uint16(i), 1))
	}
	if r.count != Capacity {
		t.Fatalf("count = %d, want %d", r.count, Capacity)
	}

	// Window wide enough to span the whole ring should report exactly
	// Capacity packets, not Capacity+10.
	stats, err := r.Query(int64(Capacity+10)*1000, Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.PacketsReceived != Capacity {
		t.Errorf("PacketsReceived = %d, want %d", stats.PacketsReceived, Capacity)
	}
}

func TestQueryJitterAndSizeStdDevOptIn(t *testing.T) {
	r := New()
	r.Append(rec(0, 0, 1, 100))
	r.Append(rec(1000, 90, 2, 100))
	r.Append(rec(2000, 180, 3, 100))

	stats, err := r.Query(10000, Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.ReceptionTimeJitter != 0 {
		t.Errorf("ReceptionTimeJitter computed without opting in: %v", stats.ReceptionTimeJitter)
	}
	if stats.PacketSizeStdDev != 0 {
		t.Errorf("PacketSizeStdDev computed without opting in: %v", stats.PacketSizeStdDev)
	}

	stats, err = r.Query(10000, Options{Jitter: true, SizeStdDev: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	// Equal-sized, evenly-spaced packets: stddev of size is 0, jitter is 0
	// since reception time tracks the RTP clock exactly in this fixture.
	if stats.PacketSizeStdDev != 0 {
		t.Errorf("PacketSizeStdDev = %v, want 0", stats.PacketSizeStdDev)
	}
	if stats.ReceptionTimeJitter != 0 {
		t.Errorf("ReceptionTimeJitter = %v, want 0", stats.ReceptionTimeJitter)
	}
}

func TestQuerySizeStdDevNonZero(t *testing.T) {
	r := New()
	r.Append(rec(0, 0, 1, 100))
	r.Append(rec(1000, 90, 2, 300))

	stats, err := r.Query(10000, Options{SizeStdDev: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if stats.PacketSizeStdDev <= 0 {
		t.Errorf("PacketSizeStdDev = %v, want > 0", stats.PacketSizeStdDev)
	}
}
