package broker

import (
	"errors"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ipcd/internal/config"
	"github.com/adred-codev/ipcd/internal/limits"
	"github.com/adred-codev/ipcd/internal/monitoring"
	"github.com/adred-codev/ipcd/internal/protocol"
)

const (
	// acceptPollPeriod bounds how long shutdown waits for the accept loop
	// to notice the running flag.
	acceptPollPeriod = time.Second

	// readTimeout covers the single request read; writeTimeout the single
	// response write. Loopback traffic that cannot meet these is dead.
	readTimeout  = 2 * time.Second
	writeTimeout = 5 * time.Second
)

// Server is the TCP front end: it accepts connections, reads exactly one
// request from each, hands it to the broker and writes the response. Each
// accepted connection gets its own worker goroutine.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	broker *Broker
	guard  *limits.ConnGuard

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer wires a front end to a broker.
func NewServer(cfg *config.Config, b *Broker, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
		broker: b,
		guard:  limits.NewConnGuard(cfg.MaxConnsPerSec),
	}
}

// Listen binds the wire endpoint. It is separate from Serve so the caller
// can distinguish a bind failure, which usually just means another broker
// already owns the port, from runtime accept errors.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// IsAddrInUse reports whether err is the bind-time "address already in use"
// failure. Callers treat it as a benign duplicate-start.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// Addr returns the bound endpoint. Useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve runs the accept loop until Shutdown. The listener deadline is
// refreshed each pass so the loop re-checks the running flag at least once
// per acceptPollPeriod even when no clients connect.
func (s *Server) Serve() {
	s.running.Store(true)
	s.logger.Info().Str("addr", s.cfg.Addr()).Msg("Accepting connections")

	for s.running.Load() {
		if tl, ok := s.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(acceptPollPeriod))
		}

		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			continue
		}

		monitoring.ConnectionsTotal.Inc()
		if !s.guard.Allow() {
			monitoring.ConnectionsThrottled.Inc()
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}

	s.logger.Info().Msg("Accept loop stopped")
}

// Shutdown stops accepting, then waits for in-flight workers to finish
// their single request.
func (s *Server) Shutdown() {
	s.running.Store(false)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("All connection workers drained")
}

// handleConn services one connection: one read, one dispatch, one write.
// A panic anywhere in the request path is logged with its stack and
// answered with a generic error instead of taking the process down.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	logger := s.logger.With().
		Str("conn_id", uuid.NewString()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Connection worker panicked")
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, _ = conn.Write([]byte(`{"status":"error","message":"Internal server error"}`))
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	buf := make([]byte, protocol.MaxRequestBytes)
	n, err := conn.Read(buf)
	if n == 0 {
		logger.Debug().Err(err).Msg("Connection closed before a request arrived")
		return
	}

	resp := s.broker.Dispatch(buf[:n], logger)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(resp); err != nil {
		logger.Debug().Err(err).Msg("Failed to write response")
	}
}
