/*
NAME
  socket.go

DESCRIPTION
  socket.go provides the UDP socket plumbing the receive loop depends on:
  address/interface resolution, multicast group membership, and the socket
  options the receive loop requires. This is the "external collaborator"
  the core depacketizer treats as out of scope; it is implemented concretely
  here so the receiver is a runnable whole.

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
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/ausocean/rtpreceiver/receiver/config"
)

// approxRecvBuf is the socket receive buffer size requested via
// SO_RCVBUF, approximately 600KiB.
const approxRecvBuf = 600 * 1024

// socket wraps the UDP connection and, when receiving a multicast group,
// the ipv4.PacketConn used to join it.
type socket struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn // Non-nil only for multicast.
}

// bind resolves cfg's address/port, binds a UDP socket, joins a multicast
// group if cfg.RecvAddr names one, and applies the required socket options:
// SO_REUSEADDR, SO_RCVBUF, non-blocking mode (native to Go's net package),
// and a per-read deadline via SetReadDeadline in place of SO_RCVTIMEO,
// since Go exposes no direct setsockopt equivalent for it.
func bind(cfg config.Config) (*socket, error) {
	laddr := &net.UDPAddr{Port: cfg.RecvPort}
	if cfg.IfaceAddr != "" {
		laddr.IP = net.ParseIP(cfg.IfaceAddr)
	}

	multicast := config.IsMulticast(cfg.RecvAddr)
	if multicast {
		// Bind the wildcard address; group membership is established via
		// JoinGroup below, not by binding to the group address itself.
		laddr.IP = nil
	} else if cfg.RecvAddr != "" {
		laddr.IP = net.ParseIP(cfg.RecvAddr)
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("receiver: could not bind udp socket: %w", err)
	}

	if err := setSockOpts(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("receiver: could not set socket options: %w", err)
	}

	s := &socket{conn: conn}

	if multicast {
		pc := ipv4.NewPacketConn(conn)
		group := &net.UDPAddr{IP: net.ParseIP(cfg.RecvAddr)}

		var ifi *net.Interface
		if cfg.IfaceAddr != "" {
			ifi, err = interfaceForAddr(cfg.IfaceAddr)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("receiver: could not resolve interface %q: %w", cfg.IfaceAddr, err)
			}
		}

		if err := pc.JoinGroup(ifi, group); err != nil {
			conn.Close()
			return nil, fmt.Errorf("receiver: could not join multicast group %s: %w", cfg.RecvAddr, err)
		}
		s.pc = pc
	}

	return s, nil
}

// setSockOpts applies SO_REUSEADDR and sizes the receive buffer toward
// approxRecvBuf, best-effort: a failure to widen SO_RCVBUF is not fatal.
func setSockOpts(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	// Best-effort: a smaller-than-requested kernel buffer is not an error
	// condition the caller needs to act on.
	_ = conn.SetReadBuffer(approxRecvBuf)

	return nil
}

// interfaceForAddr finds the network interface owning addr.
func interfaceForAddr(addr string) (*net.Interface, error) {
	want := net.ParseIP(addr)
	if want == nil {
		return nil, fmt.Errorf("invalid interface address %q", addr)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.Equal(want) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface with address %s", addr)
}

// readFrom reads one datagram into b, bounded by deadline. A timeout is
// reported via net.Error.Timeout() and is not itself an error the caller
// need log; it is the cooperative cancellation poll point.
func (s *socket) readFrom(b []byte, deadline time.Duration) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return 0, nil, fmt.Errorf("receiver: could not set read deadline: %w", err)
	}
	n, addr, err := s.conn.ReadFromUDP(b)
	return n, addr, err
}

func (s *socket) writeTo(b []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

func (s *socket) close() error {
	if s.pc != nil {
		_ = s.pc.Close()
	}
	return s.conn.Close()
}
