package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"bodsch.me/logstream-ingest/internal/parser"
	"bodsch.me/logstream-ingest/internal/stream"
)

// TCPSource receives line-delimited logs over TCP. Records from concurrent
// connections are pushed one at a time.
type TCPSource struct {
	address      string
	readTimeout  time.Duration
	lineMaxBytes int
	handler      *lineHandler
	logger       *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	conns    sync.Map
}

// NewTCPSource creates a configured TCP source.
func NewTCPSource(address string, readTimeout time.Duration, lineMaxBytes int, p parser.Parser, logger *slog.Logger) *TCPSource {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tcp_source")
	return &TCPSource{
		address:      address,
		readTimeout:  readTimeout,
		lineMaxBytes: lineMaxBytes,
		handler:      newLineHandler(p, logger),
		logger:       logger,
	}
}

// WithMetrics sets the receiver of parse errors and returns s.
func (s *TCPSource) WithMetrics(m Metrics) *TCPSource {
	s.handler.metrics = m
	return s
}

// Start begins listening and serving connections until Stop is called or the context is cancelled.
func (s *TCPSource) Start(ctx context.Context, obs stream.Observer) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.address, err)
	}
	s.listener = ln
	s.handler.bind(obs)

	s.logger.Info("event source started", "transport", "tcp", "address", ln.Addr().String(), "read_timeout", s.readTimeout.String(), "line_max_bytes", s.lineMaxBytes)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *TCPSource) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, actively closes client connections, and waits for handlers.
func (s *TCPSource) Stop() error {
	var errs []error

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	s.conns.Range(func(key, _ any) bool {
		if conn, ok := key.(net.Conn); ok {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		return true
	})

	s.wg.Wait()
	s.handler.unbind()
	return errors.Join(errs...)
}

// acceptLoop accepts TCP connections and starts a goroutine per connection.
func (s *TCPSource) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("accept failed", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection reads line-delimited payloads from one TCP client.
func (s *TCPSource) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)

	remoteAddr := conn.RemoteAddr().String()
	s.logger.Debug("client connected", "remote_addr", remoteAddr)
	defer s.logger.Debug("client disconnected", "remote_addr", remoteAddr)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), s.lineMaxBytes)

	for {
		if s.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		if !scanner.Scan() {
			break
		}

		for _, line := range splitLines(scanner.Bytes()) {
			s.handler.handle(line)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.logger.Debug("connection idle timeout", "remote_addr", remoteAddr, "error", err)
			return
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		s.logger.Warn("connection read error", "remote_addr", remoteAddr, "error", err)
	}
}
