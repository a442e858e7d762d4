/*
NAME
  main.go

DESCRIPTION
  rtpreceive is a bare bones program that receives an RTP/H.264 stream over
  UDP, writes reassembled access units to stdout as an Annex-B elementary
  stream, and periodically logs windowed reception statistics.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package main provides rtpreceive, a minimal command-line driver for the
// receiver package.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ausocean/utils/logging"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/rtpreceiver/depacket"
	"github.com/ausocean/rtpreceiver/receiver"
	"github.com/ausocean/rtpreceiver/receiver/config"
	"github.com/ausocean/rtpreceiver/ring"
)

// Logging related constants, matching the rotation policy other AusOcean
// command-line drivers use.
const (
	logMaxSize   = 100 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logVerbosity = logging.Debug
	logSuppress  = true
)

// statsInterval is how often monitoring snapshots are logged.
const statsInterval = 5 * time.Second

func main() {
	port := flag.Int("port", 6000, "UDP port to receive on.")
	addr := flag.String("addr", "", "Unicast bind address or multicast group.")
	iface := flag.String("iface", "", "Interface address for bind/multicast membership.")
	timeout := flag.Int("timeout", 2, "Advisory socket receive timeout, seconds.")
	startCodes := flag.Bool("start-codes", true, "Insert Annex-B start codes before each NALU.")
	reliable := flag.Bool("reliable", false, "Send ack datagrams back to the source after each access unit.")
	logFile := flag.String("logfile", "", "Path to a rotating log file; stderr is always written to.")
	flag.Parse()

	var w io.Writer = os.Stderr
	if *logFile != "" {
		fileLog := &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    logMaxSize,
			MaxBackups: logMaxBackup,
			MaxAge:     logMaxAge,
		}
		w = io.MultiWriter(os.Stderr, fileLog)
	}
	l := logging.New(logVerbosity, w, logSuppress)

	sink := &stdoutSink{log: l}

	r, err := receiverFor(*reliable, config.Config{
		RecvPort:         *port,
		RecvAddr:         *addr,
		IfaceAddr:        *iface,
		RecvTimeoutSec:   *timeout,
		InsertStartCodes: *startCodes,
		Sink:             sink,
		Logger:           l,
	})
	if err != nil {
		l.Fatal("could not create receiver", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() { runDone <- r.RunReceive() }()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			l.Info("received shutdown signal")
			r.Stop()
			<-runDone
			return
		case err := <-runDone:
			if err != nil {
				l.Error("receive loop exited with error", "error", err)
			}
			return
		case <-ticker.C:
			stats, err := r.GetMonitoring(int64(statsInterval/time.Microsecond), ring.Options{Jitter: true, SizeStdDev: true})
			if err != nil {
				continue
			}
			l.Info("monitoring",
				"packetsReceived", stats.PacketsReceived,
				"packetsMissed", stats.PacketsMissed,
				"bytesReceived", stats.BytesReceived,
				"meanPacketSize", stats.MeanPacketSize,
				"jitter", stats.ReceptionTimeJitter,
			)
		}
	}
}

func receiverFor(reliable bool, cfg config.Config) (*receiver.Reader, error) {
	buf := make([]byte, cfg.PayloadSize(8)*4)
	if reliable {
		return receiver.NewReliable(cfg, buf, nil)
	}
	return receiver.New(cfg, buf, nil)
}

// stdoutSink writes completed NALUs to stdout as an elementary stream and
// logs buffer-lifecycle events.
type stdoutSink struct {
	log logging.Logger
}

func (s *stdoutSink) BufferTooSmall(need int) []byte {
	s.log.Debug("growing NALU buffer", "need", need)
	return make([]byte, need*2)
}

func (s *stdoutSink) CopyComplete(old []byte) {}

func (s *stdoutSink) NaluComplete(info depacket.NaluInfo) []byte {
	if _, err := os.Stdout.Write(info.Data); err != nil {
		s.log.Error("could not write NALU to stdout", "error", err)
	}
	if info.MissedPackets > 0 {
		s.log.Warning("packets missed before this NALU", "count", info.MissedPackets)
	}
	return nil
}

func (s *stdoutSink) Cancel(buf []byte) {
	fmt.Fprintf(os.Stderr, "rtpreceive: cancelled with %d bytes pending\n", len(buf))
}
