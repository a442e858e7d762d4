/*
NAME
  receiver_test.go

DESCRIPTION
  receiver_test.go provides testing for behaviour of functionality in
  receiver.go, socket.go and reliable.go.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package receiver

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ausocean/rtpreceiver/depacket"
	"github.com/ausocean/rtpreceiver/protocol/rtp"
	"github.com/ausocean/rtpreceiver/receiver/config"
	"github.com/ausocean/rtpreceiver/ring"
)

// chanSink is a depacket.Sink that reports each completed NALU on a
// channel, for use by tests that need to synchronise on reception.
type chanSink struct {
	out chan depacket.NaluInfo
}

func newChanSink() *chanSink {
	return &chanSink{out: make(chan depacket.NaluInfo, 32)}
}

func (s *chanSink) BufferTooSmall(need int) []byte { return make([]byte, need) }
func (s *chanSink) CopyComplete(old []byte)         {}
func (s *chanSink) NaluComplete(info depacket.NaluInfo) []byte {
	cp := make([]byte, len(info.Data))
	copy(cp, info.Data)
	info.Data = cp
	s.out <- info
	return nil
}
func (s *chanSink) Cancel(buf []byte) {}

// freePort dynamically allocates a free UDP port the same way the RTP
// client's own tests do.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("could not find free port: %v", err)
	}
	port := l.LocalAddr().(*net.UDPAddr).Port
	l.Close()
	return port
}

func TestReaderReceivesSingleNALU(t *testing.T) {
	port := freePort(t)
	sink := newChanSink()

	r, err := New(config.Config{
		RecvPort:       port,
		RecvTimeoutSec: 1,
		Sink:           sink,
	}, make([]byte, 64), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := r.RunReceive(); err != nil {
			t.Errorf("RunReceive: %v", err)
		}
	}()

	// Give the receive loop a moment to bind before sending.
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("could not dial udp: %v", err)
	}
	defer conn.Close()

	d := rtp.Encode(rtp.Header{Sequence: 7, Timestamp: 90000, Flags: 0x0080}, []byte{0x65, 0xAA, 0xBB})
	if _, err := conn.Write(d); err != nil {
		t.Fatalf("could not write datagram: %v", err)
	}

	select {
	case info := <-sink.out:
		want := []byte{0x65, 0xAA, 0xBB}
		if len(info.Data) != len(want) {
			t.Fatalf("got %d bytes, want %d", len(info.Data), len(want))
		}
		for i := range want {
			if info.Data[i] != want[i] {
				t.Errorf("Data[%d] = %#x, want %#x", i, info.Data[i], want[i])
			}
		}
		if !info.IsFirstInAU || !info.IsLastInAU {
			t.Errorf("IsFirstInAU=%v IsLastInAU=%v, want true,true", info.IsFirstInAU, info.IsLastInAU)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for NaluComplete")
	}

	r.Stop()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if err := r.Delete(); err != nil {
		t.Errorf("Delete: %v", err)
	}
}

func TestReaderDeleteBusyBeforeStop(t *testing.T) {
	port := freePort(t)
	sink := newChanSink()

	r, err := New(config.Config{
		RecvPort:       port,
		RecvTimeoutSec: 1,
		Sink:           sink,
	}, make([]byte, 64), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		r.RunReceive()
	}()
	time.Sleep(50 * time.Millisecond)

	if err := r.Delete(); err != ErrBusy {
		t.Fatalf("Delete before Stop: got %v, want ErrBusy", err)
	}

	r.Stop()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if err := r.Delete(); err != nil {
		t.Errorf("Delete after Stop: %v", err)
	}
}

// TestReliableSendsAck verifies that a Reader constructed with NewReliable
// sends an ack datagram back to the sender's address once an access unit
// (marker bit set) has been received.
func TestReliableSendsAck(t *testing.T) {
	port := freePort(t)
	sink := newChanSink()

	r, err := NewReliable(config.Config{
		RecvPort:       port,
		RecvTimeoutSec: 1,
		Sink:           sink,
	}, make([]byte, 64), nil)
	if err != nil {
		t.Fatalf("NewReliable: %v", err)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := r.RunReceive(); err != nil {
			t.Errorf("RunReceive: %v", err)
		}
	}()

	// Give the receive loop a moment to bind before sending.
	time.Sleep(50 * time.Millisecond)

	// Listen on a local socket (port chosen by the system) so the ack sent
	// back by the Reader can be read from the same socket the datagram was
	// sent from.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("could not open sender socket: %v", err)
	}
	defer conn.Close()

	raddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	d := rtp.Encode(rtp.Header{Sequence: 42, Timestamp: 90000, Flags: 0x0080}, []byte{0x65, 0xAA, 0xBB})
	if _, err := conn.WriteToUDP(d, raddr); err != nil {
		t.Fatalf("could not write datagram: %v", err)
	}

	select {
	case <-sink.out:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for NaluComplete")
	}

	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("could not set read deadline: %v", err)
	}
	ack := make([]byte, ackSize)
	n, _, err := conn.ReadFromUDP(ack)
	if err != nil {
		t.Fatalf("did not receive ack: %v", err)
	}
	if n != ackSize {
		t.Fatalf("got %d-byte ack, want %d", n, ackSize)
	}
	gotSeq := uint16(ack[0])<<8 | uint16(ack[1])
	if gotSeq != 42 {
		t.Errorf("ack sequence = %d, want 42", gotSeq)
	}

	r.Stop()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if err := r.Delete(); err != nil {
		t.Errorf("Delete: %v", err)
	}
}

func TestReaderGetMonitoring(t *testing.T) {
	port := freePort(t)
	sink := newChanSink()

	r, err := New(config.Config{
		RecvPort:       port,
		RecvTimeoutSec: 1,
		Sink:           sink,
	}, make([]byte, 64), "custom")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := r.GetCustom(); got != "custom" {
		t.Errorf("GetCustom() = %v, want %q", got, "custom")
	}

	// No packets received yet, so the ring is empty.
	if _, err := r.GetMonitoring(1000, ring.Options{}); err != ring.ErrBadParameters {
		t.Errorf("GetMonitoring on empty ring: got err %v, want ring.ErrBadParameters", err)
	}
}
