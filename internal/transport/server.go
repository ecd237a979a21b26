package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ryogrid/funnelkvs/internal/wire"
	"github.com/ryogrid/funnelkvs/pkg"
)

// Handler services one decoded wire.Request and produces the
// wire.Response to send back. Implemented by the request dispatcher.
type Handler interface {
	Handle(ctx context.Context, req *wire.Request) *wire.Response
}

// Server accepts connections greedily and services them through a
// fixed-size worker pool (§5): excess connections queue at the
// bounded work channel rather than spawning unbounded goroutines.
type Server struct {
	handler   Handler
	logger    *pkg.Logger
	ioTimeout time.Duration

	listener net.Listener
	work     chan net.Conn

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer creates a Server with the given worker pool size.
func NewServer(handler Handler, workerThreads int, ioTimeout time.Duration, logger *pkg.Logger) *Server {
	if workerThreads <= 0 {
		workerThreads = 8
	}
	s := &Server{
		handler:   handler,
		logger:    logger.WithComponent("transport_server"),
		ioTimeout: ioTimeout,
		work:      make(chan net.Conn, workerThreads*4),
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < workerThreads; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Listen binds addr and starts accepting connections. It returns once
// the listener is bound; accept happens in a background goroutine.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", addr).Msg("listening")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error().Err(err).Msg("accept failed")
				return
			}
		}
		select {
		case s.work <- conn:
		case <-s.stopCh:
			conn.Close()
			return
		}
	}
}

func (s *Server) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case conn, ok := <-s.work:
			if !ok {
				return
			}
			s.handleConn(conn)
		}
	}
}

// handleConn services one connection: requests and responses are
// strictly ordered within it (one outstanding request at a time), and
// the loop continues until the peer closes or a protocol error forces
// termination (§4.9).
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))

		req, err := wire.DecodeRequest(conn)
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.ioTimeout)
		resp := s.handler.Handle(ctx, req)
		cancel()

		_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))
		if err := resp.WriteTo(conn); err != nil {
			return
		}
	}
}

// Close stops accepting new connections and waits for in-flight
// requests to finish, matching §5's shutdown rule that an in-flight
// RPC is allowed to complete or time out before the worker exits.
func (s *Server) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
	return nil
}
