package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/bc-dunia/hostpulse/internal/metrics"
	"github.com/bc-dunia/hostpulse/internal/otel"
	"github.com/bc-dunia/hostpulse/internal/protocol"
	"github.com/bc-dunia/hostpulse/internal/store"
	"github.com/bc-dunia/hostpulse/internal/types"
)

type testServer struct {
	srv    *Server
	store  *store.MetricsStore
	served chan error
	cancel context.CancelFunc
}

func startServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	st := store.NewMetricsStore()
	srv := NewServer(st, opts)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	ts := &testServer{srv: srv, store: st, served: served, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	})
	return ts
}

type client struct {
	conn  net.Conn
	lines *protocol.LineReader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, lines: protocol.NewLineReader(conn)}
}

// send writes raw and returns the reply line without its terminator.
func (c *client) send(t *testing.T, raw string) string {
	t.Helper()
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(c.conn, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := c.lines.ReadLine()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimRight(reply, "\r\n")
}

func (c *client) sendRecord(t *testing.T, rec types.Record) string {
	t.Helper()
	line, err := protocol.EncodeRecord(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return c.send(t, string(line))
}

func record(host string, seq int) types.Record {
	return types.NewRecordAt(time.Unix(1700000000+int64(seq), 0), host, float64(seq), 1000, 500, 2000, 1000)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerPreservesPerConnectionOrder(t *testing.T) {
	ts := startServer(t, Options{})
	c := dial(t, ts.srv.Addr())

	const n = 50
	for i := 0; i < n; i++ {
		if reply := c.sendRecord(t, record("host-a", i)); reply != protocol.AckReply {
			t.Fatalf("record %d: expected ACK, got %q", i, reply)
		}
	}

	history := ts.store.History("host-a")
	if len(history) != n {
		t.Fatalf("expected %d records, got %d", n, len(history))
	}
	for i, rec := range history {
		if rec != record("host-a", i) {
			t.Fatalf("record %d out of order or altered: %+v", i, rec)
		}
	}
}

func TestServerMalformedLineKeepsConnection(t *testing.T) {
	ts := startServer(t, Options{})
	c := dial(t, ts.srv.Addr())

	if reply := c.send(t, "this is not json\n"); reply != protocol.ErrorReply {
		t.Fatalf("expected %q, got %q", protocol.ErrorReply, reply)
	}
	if reply := c.send(t, `{"hostname":"host-a"}`+"\n"); reply != protocol.ErrorReply {
		t.Fatalf("expected %q for missing fields, got %q", protocol.ErrorReply, reply)
	}
	if reply := c.sendRecord(t, record("host-a", 1)); reply != protocol.AckReply {
		t.Fatalf("expected ACK after malformed lines, got %q", reply)
	}

	if ts.store.Len() != 1 {
		t.Fatalf("expected only the valid record stored, got %d", ts.store.Len())
	}
	stats := ts.srv.Tracker().Stats()
	if stats.RecordsRejected != 2 || stats.RecordsAccepted != 1 {
		t.Fatalf("expected 2 rejected and 1 accepted, got %d/%d", stats.RecordsRejected, stats.RecordsAccepted)
	}
}

func TestServerConnectionCloseIsIsolated(t *testing.T) {
	ts := startServer(t, Options{})
	a := dial(t, ts.srv.Addr())
	b := dial(t, ts.srv.Addr())

	if reply := a.sendRecord(t, record("host-a", 0)); reply != protocol.AckReply {
		t.Fatalf("a: expected ACK, got %q", reply)
	}
	if reply := b.sendRecord(t, record("host-b", 0)); reply != protocol.AckReply {
		t.Fatalf("b: expected ACK, got %q", reply)
	}

	a.conn.Close()
	tracker := ts.srv.Tracker()
	waitFor(t, "closed connection to be tracked", func() bool {
		return tracker.Stats().ClosedConnections == 1
	})

	for i := 1; i <= 3; i++ {
		if reply := b.sendRecord(t, record("host-b", i)); reply != protocol.AckReply {
			t.Fatalf("b after a closed: expected ACK, got %q", reply)
		}
	}

	// A new connection is still accepted.
	c := dial(t, ts.srv.Addr())
	if reply := c.sendRecord(t, record("host-c", 0)); reply != protocol.AckReply {
		t.Fatalf("c: expected ACK, got %q", reply)
	}

	if got := len(ts.store.History("host-a")); got != 1 {
		t.Errorf("expected host-a history kept after close, got %d", got)
	}
	if got := len(ts.store.History("host-b")); got != 4 {
		t.Errorf("expected 4 host-b records, got %d", got)
	}
	stats := tracker.Stats()
	if stats.ClosedByReason[metrics.CloseReasonClientClose] != 1 {
		t.Errorf("expected one client_close, got %v", stats.ClosedByReason)
	}
	if stats.ActiveConnections != 2 {
		t.Errorf("expected 2 active connections, got %d", stats.ActiveConnections)
	}
}

func TestServerConcurrentHostsFanOut(t *testing.T) {
	ts := startServer(t, Options{})

	const perHost = 25
	hosts := []string{"host-a", "host-b"}
	var wg sync.WaitGroup
	errs := make(chan error, len(hosts))

	for _, host := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", ts.srv.Addr(), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			lines := protocol.NewLineReader(conn)

			for i := 0; i < perHost; i++ {
				if err := protocol.WriteRecord(conn, record(host, i)); err != nil {
					errs <- err
					return
				}
				reply, err := lines.ReadLine()
				if err != nil {
					errs <- err
					return
				}
				if !protocol.IsAck(reply) {
					errs <- fmt.Errorf("%s: unexpected reply %q", host, reply)
					return
				}
			}
		}(host)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	snap := ts.store.Snapshot()
	if len(snap) != len(hosts) {
		t.Fatalf("expected %d hosts, got %d", len(hosts), len(snap))
	}
	for _, host := range hosts {
		history := snap[host]
		if len(history) != perHost {
			t.Fatalf("%s: expected %d records, got %d", host, perHost, len(history))
		}
		for i, rec := range history {
			if rec.Hostname != host || rec != record(host, i) {
				t.Fatalf("%s: record %d wrong: %+v", host, i, rec)
			}
		}
	}
}

func TestServerFinalFragmentIsProcessed(t *testing.T) {
	ts := startServer(t, Options{})
	c := dial(t, ts.srv.Addr())

	line, err := protocol.EncodeRecord(record("host-a", 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(line[:len(line)-1]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	reply, err := c.lines.ReadLine()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !protocol.IsAck(reply) {
		t.Fatalf("expected ACK for unterminated final line, got %q", reply)
	}
	if _, err := c.lines.ReadLine(); err != io.EOF {
		t.Fatalf("expected server to close after EOF, got %v", err)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	ts := startServer(t, Options{})
	c := dial(t, ts.srv.Addr())

	if reply := c.sendRecord(t, record("host-a", 0)); reply != protocol.AckReply {
		t.Fatalf("expected ACK, got %q", reply)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("idle connection should not delay shutdown, took %v", time.Since(start))
	}

	select {
	case err := <-ts.served:
		if !errors.Is(err, ErrServerClosed) {
			t.Fatalf("expected ErrServerClosed from Serve, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.lines.ReadLine(); err != io.EOF {
		t.Errorf("expected EOF on drained connection, got %v", err)
	}

	if conn, err := net.DialTimeout("tcp", ts.srv.Addr(), time.Second); err == nil {
		conn.Close()
		t.Error("expected dial to fail after shutdown")
	}

	stats := ts.srv.Tracker().Stats()
	if stats.ClosedByReason[metrics.CloseReasonShutdown] != 1 {
		t.Errorf("expected one shutdown close, got %v", stats.ClosedByReason)
	}
	if ts.store.Len() != 1 {
		t.Errorf("expected stored record to survive shutdown, got %d", ts.store.Len())
	}
}

func TestServerShutdownNeverLosesAckedRecords(t *testing.T) {
	ts := startServer(t, Options{})

	const clients = 8
	var wg sync.WaitGroup
	acked := make(chan types.Record, clients*100)

	for i := 0; i < clients; i++ {
		host := fmt.Sprintf("host-%d", i)
		conn, err := net.DialTimeout("tcp", ts.srv.Addr(), 2*time.Second)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { conn.Close() })

		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			lines := protocol.NewLineReader(conn)
			for seq := 0; seq < 100; seq++ {
				rec := record(host, seq)
				if err := protocol.WriteRecord(conn, rec); err != nil {
					return
				}
				reply, err := lines.ReadLine()
				if err != nil || !protocol.IsAck(reply) {
					return
				}
				acked <- rec
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	wg.Wait()
	close(acked)

	snap := ts.store.Snapshot()
	for rec := range acked {
		found := false
		for _, stored := range snap[rec.Hostname] {
			if stored == rec {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("acknowledged record missing from store: %+v", rec)
		}
	}
}

// stallingProcessor blocks every span start until release is closed, which
// parks a handler in the middle of a record.
type stallingProcessor struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingProcessor() *stallingProcessor {
	return &stallingProcessor{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (p *stallingProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
}

func (p *stallingProcessor) OnEnd(s sdktrace.ReadOnlySpan)        {}
func (p *stallingProcessor) Shutdown(ctx context.Context) error   { return nil }
func (p *stallingProcessor) ForceFlush(ctx context.Context) error { return nil }

func (p *stallingProcessor) unblock() {
	p.once.Do(func() { close(p.release) })
}

func TestServerShutdownForcesCloseAfterDeadline(t *testing.T) {
	proc := newStallingProcessor()
	tracer, err := otel.NewTracer(context.Background(), &otel.Config{
		Enabled:       true,
		ServiceName:   "test",
		ExporterType:  otel.ExporterNone,
		SampleRate:    1.0,
		SpanProcessor: proc,
	})
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ts := startServer(t, Options{Tracer: tracer})
	t.Cleanup(proc.unblock)
	c := dial(t, ts.srv.Addr())

	line, err := protocol.EncodeRecord(record("host-a", 0))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.conn.Write(line); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-proc.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started the record")
	}

	// The client only sees the stream end once Shutdown force-closes it; the
	// stalled handler is released after that.
	readErr := make(chan error, 1)
	go func() {
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := c.lines.ReadLine()
		readErr <- err
		proc.unblock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = ts.srv.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("forced shutdown took %v", elapsed)
	}

	select {
	case err := <-readErr:
		if err == nil {
			t.Error("expected the client stream to be closed without a reply")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client was never disconnected")
	}

	if n := ts.srv.Tracker().ActiveCount(); n != 0 {
		t.Errorf("expected no active connections, got %d", n)
	}
	stats := ts.srv.Tracker().Stats()
	if stats.ClosedByReason[metrics.CloseReasonShutdown] != 1 {
		t.Errorf("expected one shutdown close, got %v", stats.ClosedByReason)
	}
}

func TestServerServeStopsOnContextCancel(t *testing.T) {
	srv := NewServer(store.NewMetricsStore(), Options{Addr: "127.0.0.1:0"})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	cancel()

	select {
	case err := <-served:
		if !errors.Is(err, ErrServerClosed) {
			t.Fatalf("expected ErrServerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestServerBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	srv := NewServer(store.NewMetricsStore(), Options{Addr: occupied.Addr().String()})
	if err := srv.Listen(); err == nil {
		t.Fatal("expected bind failure on an occupied port")
	}
	if err := srv.Serve(context.Background()); err == nil || errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected Serve to refuse without a listener, got %v", err)
	}
}

func TestServerReportsTelemetry(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer, err := otel.NewTracer(context.Background(), &otel.Config{
		Enabled:       true,
		ServiceName:   "test",
		ExporterType:  otel.ExporterNone,
		SampleRate:    1.0,
		SpanProcessor: recorder,
	})
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ts := startServer(t, Options{Tracer: tracer})
	c := dial(t, ts.srv.Addr())
	c.sendRecord(t, record("host-a", 0))
	c.send(t, "garbage\n")

	// Spans end after the reply is written.
	waitFor(t, "ingest spans", func() bool { return len(recorder.Ended()) == 2 })
	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ingest spans, got %d", len(spans))
	}
	for _, span := range spans {
		if span.Name() != otel.IngestSpanName {
			t.Errorf("unexpected span name %q", span.Name())
		}
	}
	if len(spans[1].Events()) == 0 {
		t.Error("expected the rejected line to record an error on its span")
	}
}
