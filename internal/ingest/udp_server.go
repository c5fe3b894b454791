package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"bodsch.me/logstream-ingest/internal/parser"
	"bodsch.me/logstream-ingest/internal/stream"
)

// UDPSource receives log messages over UDP.
//
// Each datagram is treated as one message payload. If a datagram contains multiple
// newline-separated messages, they are split and pushed individually.
type UDPSource struct {
	address      string
	readTimeout  time.Duration
	lineMaxBytes int
	handler      *lineHandler
	logger       *slog.Logger

	conn net.PacketConn
	wg   sync.WaitGroup
}

// NewUDPSource creates a configured UDP source.
func NewUDPSource(address string, readTimeout time.Duration, lineMaxBytes int, p parser.Parser, logger *slog.Logger) *UDPSource {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "udp_source")
	return &UDPSource{
		address:      address,
		readTimeout:  readTimeout,
		lineMaxBytes: lineMaxBytes,
		handler:      newLineHandler(p, logger),
		logger:       logger,
	}
}

// WithMetrics sets the receiver of parse errors and returns s.
func (s *UDPSource) WithMetrics(m Metrics) *UDPSource {
	s.handler.metrics = m
	return s
}

// Start binds the socket and pushes received records into obs until Stop is called
// or the context is cancelled.
func (s *UDPSource) Start(ctx context.Context, obs stream.Observer) error {
	conn, err := net.ListenPacket("udp", s.address)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", s.address, err)
	}
	s.conn = conn
	s.handler.bind(obs)

	s.logger.Info(
		"event source started",
		"transport", "udp",
		"address", conn.LocalAddr().String(),
		"read_timeout", s.readTimeout.String(),
		"line_max_bytes", s.lineMaxBytes,
	)

	s.wg.Add(1)
	go s.readLoop(ctx)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *UDPSource) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket and waits for the read loop to terminate.
func (s *UDPSource) Stop() error {
	var err error
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.wg.Wait()
	s.handler.unbind()
	return err
}

// readLoop receives datagrams and pushes one or more lines.
func (s *UDPSource) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, s.lineMaxBytes)

	for {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}

			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("udp read error", "error", err)
				continue
			}
		}

		if n <= 0 {
			continue
		}

		// n == len(buf) cannot be told apart from an exact fit.
		if n == len(buf) {
			s.logger.Debug("udp datagram reached buffer limit and may be truncated", "remote_addr", addr.String(), "bytes", n)
		}

		for _, line := range splitLines(buf[:n]) {
			s.handler.handle(line)
		}
	}
}
