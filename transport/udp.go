// Package transport implements the UDP wire boundary of spec §6: a
// single unicast/multicast control-subnet socket carrying the tagged
// binary frames defined in package wire, capped at wire.MaxDatagramSize.
//
// Grounded on the teacher's p2p.Peer.Run() (node/p2p/peer.go): a
// single-threaded read loop driven by a deadline, with context
// cancellation unblocking the blocking read by closing the underlying
// socket. UDP has no handshake and no connection state to track, so
// this is considerably thinner than Peer, but keeps the same shape:
// a Config, a constructor that validates it, and a Run(ctx, handler)
// loop.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"meshfabric.dev/core/wire"
)

// Handler receives raw datagrams read off the socket. The aggregator
// and worker each implement this to dispatch on
// wire.PeekTag.
type Handler interface {
	OnDatagram(from net.Addr, payload []byte)
}

// Config parameterizes a Socket.
type Config struct {
	// ListenAddr is a UDP address to bind, e.g. ":9700" or
	// "239.0.0.1:9700" for the multicast control channel.
	ListenAddr string

	// IdleTimeout, if non-zero, bounds each blocking read so Run
	// periodically re-checks ctx; it does not by itself constitute a protocol timeout.
	IdleTimeout time.Duration
}

// Socket owns one exclusive UDP PacketConn, matching spec §5's
// "the socket is owned by the aggregator event loop (exclusive)".
type Socket struct {
	conn net.PacketConn
	cfg  Config
}

// Listen binds a UDP socket per cfg.
func Listen(cfg Config) (*Socket, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("transport: ListenAddr required")
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", cfg.ListenAddr, err)
	}
	return &Socket{conn: conn, cfg: cfg}, nil
}

// Close closes the underlying socket, unblocking any in-flight Run.
func (s *Socket) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// SendTo writes payload to dst. Callers are expected to have already
// produced payload via one of wire's Encode* functions, which enforce
// wire.MaxDatagramSize.
func (s *Socket) SendTo(dst net.Addr, payload []byte) error {
	_, err := s.conn.WriteTo(payload, dst)
	return err
}

// Run reads datagrams until ctx is cancelled or the socket is closed.
// Closing the conn is the deterministic way to unblock the blocking
// ReadFrom, mirroring Peer.Run's ctx-cancellation-via-Close pattern.
func (s *Socket) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("transport: nil handler")
	}
	if ctx != nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = s.conn.Close()
			case <-done:
			}
		}()
		defer close(done)
	}

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		if s.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if n > wire.MaxDatagramSize {
			// Can't happen on a correctly sized buffer; guard anyway.
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		h.OnDatagram(from, payload)
	}
}
