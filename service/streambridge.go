package service

import (
	"fmt"
	"io"
	"net"

	"github.com/sandtor/emberonion/circuit"
	"github.com/sandtor/emberonion/stream"
)

// bridgeStream waits for the client's RELAY_BEGIN on the rendezvoused
// circuit, dials the local TCP service, and copies bytes in both
// directions until either side closes.
func (s *Service) bridgeStream(circ *circuit.Circuit) {
	streamID, target, err := acceptBegin(circ)
	if err != nil {
		s.cfg.Logger.Warn("stream accept failed", "error", err)
		_ = circ.Destroy()
		return
	}
	_ = target // the client's requested host:port is ignored; every stream goes to cfg.LocalAddr

	conn, err := net.Dial("tcp", s.cfg.LocalAddr)
	if err != nil {
		s.cfg.Logger.Warn("local dial failed", "addr", s.cfg.LocalAddr, "error", err)
		_ = circ.SendRelay(circuit.RelayEnd, streamID, []byte{1})
		_ = circ.Destroy()
		return
	}

	if err := circ.SendRelay(circuit.RelayConnected, streamID, nil); err != nil {
		s.cfg.Logger.Warn("send CONNECTED failed", "error", err)
		_ = conn.Close()
		_ = circ.Destroy()
		return
	}

	st := &stream.Stream{ID: streamID, Circuit: circ, CircWindow: 1000, StreamWindow: 500}
	s.cfg.Logger.Info("stream bridged", "circID", fmt.Sprintf("0x%08x", circ.ID), "local", s.cfg.LocalAddr)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(conn, st)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(st, conn)
		done <- struct{}{}
	}()
	<-done

	_ = conn.Close()
	_ = st.Close()
}

// acceptBegin waits for a RELAY_BEGIN cell on a freshly-attached virtual hop
// and returns the stream ID and requested target.
func acceptBegin(circ *circuit.Circuit) (uint16, string, error) {
	for {
		_, relayCmd, streamID, data, err := circ.ReceiveRelay()
		if err != nil {
			return 0, "", err
		}
		if relayCmd != circuit.RelayBegin {
			continue
		}
		target := parseBeginTarget(data)
		return streamID, target, nil
	}
}

func parseBeginTarget(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

