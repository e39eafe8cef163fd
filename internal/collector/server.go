// Package collector accepts agent connections and appends their records to the store.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bc-dunia/hostpulse/internal/logging"
	"github.com/bc-dunia/hostpulse/internal/metrics"
	"github.com/bc-dunia/hostpulse/internal/otel"
	"github.com/bc-dunia/hostpulse/internal/protocol"
	"github.com/bc-dunia/hostpulse/internal/store"
)

// ErrServerClosed is returned by Serve after Shutdown or context cancellation.
var ErrServerClosed = errors.New("collector: server closed")

const acceptRetryDelay = 100 * time.Millisecond

// Options wires optional collaborators into a Server. Nil fields get no-op defaults.
type Options struct {
	Addr    string
	Logger  *slog.Logger
	Tracker *metrics.ConnectionTracker
	Metrics *otel.Metrics
	Tracer  *otel.Tracer
}

// Server is the TCP collector. Each accepted connection is served by its own
// goroutine, which alone reads from and writes to that connection.
type Server struct {
	addr    string
	store   *store.MetricsStore
	logger  *slog.Logger
	tracker *metrics.ConnectionTracker
	metrics *otel.Metrics
	tracer  *otel.Tracer

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	draining atomic.Bool
	handlers sync.WaitGroup
	nextID   atomic.Uint64
}

func NewServer(st *store.MetricsStore, opts Options) *Server {
	s := &Server{
		addr:    opts.Addr,
		store:   st,
		logger:  opts.Logger,
		tracker: opts.Tracker,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		conns:   make(map[net.Conn]struct{}),
	}
	if s.logger == nil {
		s.logger = logging.Noop()
	}
	if s.tracker == nil {
		s.tracker = metrics.NewConnectionTracker()
	}
	if s.metrics == nil {
		s.metrics = otel.NoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = otel.NoopTracer()
	}
	s.logger = s.logger.With("component", "collector")
	return s
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Tracker returns the connection tracker the server reports to.
func (s *Server) Tracker() *metrics.ConnectionTracker {
	return s.tracker
}

// Serve accepts connections until ctx is cancelled or Shutdown is called, and
// then returns ErrServerClosed. Handlers already running are left to Shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("collector: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.draining.Load() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logger.Warn("accept_retry", "error", err)
				time.Sleep(acceptRetryDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			continue
		}
		go s.handle(conn)
	}
}

// track registers conn unless the server is draining. The handler count is
// raised under the same lock so Shutdown never waits on a stale count.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Shutdown stops accepting, wakes idle handlers and waits for every handler to
// finish the record it is working on. If ctx ends first the remaining
// connections are closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	now := time.Now()
	for conn := range s.conns {
		conn.SetReadDeadline(now)
	}
	active := len(s.conns)
	s.mu.Unlock()

	s.logger.Info("draining", "active_connections", active)

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	forced := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.logger.Warn("drain_timeout", "forced_connections", forced)

	<-done
	return ctx.Err()
}

// handle serves one connection until the peer closes it, an I/O error occurs,
// or the server drains.
func (s *Server) handle(conn net.Conn) {
	defer s.handlers.Done()

	ctx := context.Background()
	connID := fmt.Sprintf("conn-%d", s.nextID.Add(1))
	remoteAddr := conn.RemoteAddr().String()
	logger := s.logger.With("conn_id", connID, "remote_addr", remoteAddr)

	s.tracker.Opened(connID, remoteAddr)
	s.metrics.ConnectionOpened(ctx)
	logger.Info("connection_opened")

	reason := metrics.CloseReasonUnknown
	defer func() {
		s.untrack(conn)
		conn.Close()
		var accepted, rejected int64
		if m := s.tracker.GetConnection(connID); m != nil {
			accepted, rejected = m.Accepted, m.Rejected
		}
		s.tracker.Closed(connID, reason)
		s.metrics.ConnectionClosed(ctx, string(reason))
		logger.Info("connection_closed",
			"reason", string(reason),
			"accepted", accepted,
			"rejected", rejected,
		)
	}()

	lines := protocol.NewLineReader(conn)
	for {
		line, err := lines.ReadLine()
		if err != nil {
			reason = s.closeReason(err)
			if reason == metrics.CloseReasonNetwork {
				logger.Warn("read_failed", "error", err)
			}
			return
		}

		if err := s.ingest(ctx, conn, connID, remoteAddr, line, logger); err != nil {
			reason = s.closeReason(err)
			if reason == metrics.CloseReasonNetwork {
				logger.Warn("write_failed", "error", err)
			}
			return
		}

		if s.draining.Load() {
			reason = metrics.CloseReasonShutdown
			return
		}
	}
}

// ingest parses one line, stores the record and writes the reply.
// A malformed line is answered and is not an error; only a failed write is.
func (s *Server) ingest(ctx context.Context, conn net.Conn, connID, remoteAddr, line string, logger *slog.Logger) error {
	start := time.Now()
	ctx, span := s.tracer.StartIngestSpan(ctx, otel.IngestSpanOptions{
		ConnID:     connID,
		RemoteAddr: remoteAddr,
	})
	defer span.End()

	rec, err := protocol.ParseRecord(line)
	if err != nil {
		otel.RecordError(span, err, "invalid_format")
		s.tracker.RecordRejected(connID)
		logger.Warn("record_rejected", "error", err, "line_bytes", len(line))

		werr := protocol.WriteReply(conn, false)
		s.metrics.RecordIngest(ctx, false, msSince(start))
		return werr
	}

	s.store.Append(rec.Hostname, rec)
	s.tracker.RecordAccepted(connID, rec.Hostname)
	span.SetAttributes(attribute.String("hostpulse.hostname", rec.Hostname))
	logger.Debug("record_stored",
		"hostname", rec.Hostname,
		"timestamp", rec.Timestamp,
		"cpu_usage", rec.CPUUsage,
	)

	werr := protocol.WriteReply(conn, true)
	s.metrics.RecordIngest(ctx, true, msSince(start))
	if werr != nil {
		otel.RecordError(span, werr, "write_failed")
	}
	return werr
}

func (s *Server) closeReason(err error) metrics.CloseReason {
	switch {
	case errors.Is(err, io.EOF):
		return metrics.CloseReasonClientClose
	case s.draining.Load():
		return metrics.CloseReasonShutdown
	default:
		return metrics.CloseReasonNetwork
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
