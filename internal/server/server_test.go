package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsdebug/bsdebug/internal/debugger"
	"github.com/bsdebug/bsdebug/internal/events"
	"github.com/bsdebug/bsdebug/internal/protocol"
)

// startTestServer runs a server on a random port and returns it with a
// cleanup that cancels it and waits for exit.
func startTestServer(t *testing.T, cfg Config, plugins ...Plugin) *Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	s := New(cfg)
	for _, p := range plugins {
		s.Use(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-s.Ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timeout waiting for server to start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return s
}

func dialRaw(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	for off := 0; off < n; {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		m, err := conn.Read(buf[off:])
		require.NoError(t, err)
		off += m
	}
	return buf
}

func TestHandshakeAndDefaultResponse(t *testing.T) {
	s := startTestServer(t, Config{RevisionTimestamp: 1683000000000})
	conn := dialRaw(t, s)

	_, err := conn.Write((&protocol.HandshakeRequest{Magic: protocol.Magic}).Encode())
	require.NoError(t, err)

	hs := readFull(t, conn, 40)
	h, n, err := protocol.DecodeHandshakeResponse(hs)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, protocol.Magic, h.Magic)
	assert.Equal(t, uint32(3), h.Major)
	assert.Equal(t, int64(1683000000000), h.RevisionTimestamp)

	// With no plugin registered, a request gets the default response.
	_, err = conn.Write((&protocol.Request{RequestID: 1, Command: protocol.CmdStop}).Encode())
	require.NoError(t, err)

	rsp := readFull(t, conn, protocol.HeaderSize)
	r, _, err := protocol.DecodeEmptyResponse(rsp)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.RequestID)
	assert.Equal(t, protocol.ErrcOK, r.ErrorCode)
}

func TestBadMagicDropsConnection(t *testing.T) {
	s := startTestServer(t, Config{})
	conn := dialRaw(t, s)

	_, err := conn.Write([]byte("notdebug"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err) // EOF or reset: the server dropped us
}

// recordingPlugin notes every hook invocation in a shared journal and
// tags events so the next plugin in the chain can observe threading.
type recordingPlugin struct {
	BasePlugin
	name    string
	journal *journal
	respond func(*protocol.Request) Message
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (p *recordingPlugin) ProvideRequest(ev ProvideRequestEvent) ProvideRequestEvent {
	p.journal.add(p.name + ":provideRequest")
	return ev
}

func (p *recordingPlugin) ProvideResponse(ev ProvideResponseEvent) ProvideResponseEvent {
	p.journal.add(p.name + ":provideResponse")
	if ev.Response == nil && p.respond != nil {
		ev.Response = p.respond(ev.Request)
	}
	return ev
}

func (p *recordingPlugin) BeforeSendResponse(ev SendResponseEvent) SendResponseEvent {
	p.journal.add(p.name + ":beforeSend")
	return ev
}

func (p *recordingPlugin) AfterSendResponse(ev SendResponseEvent) SendResponseEvent {
	p.journal.add(p.name + ":afterSend")
	return ev
}

func TestPluginChainOrder(t *testing.T) {
	j := &journal{}
	first := &recordingPlugin{name: "first", journal: j,
		respond: func(req *protocol.Request) Message {
			return &protocol.EmptyResponse{RequestID: req.RequestID}
		}}
	second := &recordingPlugin{name: "second", journal: j}

	s := startTestServer(t, Config{}, first, second)
	conn := dialRaw(t, s)

	_, err := conn.Write((&protocol.HandshakeRequest{Magic: protocol.Magic}).Encode())
	require.NoError(t, err)
	readFull(t, conn, 40)

	_, err = conn.Write((&protocol.Request{RequestID: 1, Command: protocol.CmdContinue}).Encode())
	require.NoError(t, err)
	readFull(t, conn, protocol.HeaderSize)

	assert.Equal(t, []string{
		"first:provideRequest", "second:provideRequest",
		"first:provideResponse", "second:provideResponse",
		"first:beforeSend", "second:beforeSend",
		"first:afterSend", "second:afterSend",
	}, j.list())
}

// countingConn wraps a net.Conn and counts writes, standing in for a
// plugin that swaps the socket on connect.
type countingConn struct {
	net.Conn
	writes *int
	mu     *sync.Mutex
}

func (c countingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	*c.writes++
	c.mu.Unlock()
	return c.Conn.Write(b)
}

type swapPlugin struct {
	BasePlugin
	writes int
	mu     sync.Mutex
}

func (p *swapPlugin) OnClientConnected(ev ClientConnectedEvent) ClientConnectedEvent {
	ev.Conn = countingConn{Conn: ev.Conn, writes: &p.writes, mu: &p.mu}
	return ev
}

func TestOnClientConnectedMaySwapSocket(t *testing.T) {
	p := &swapPlugin{}
	s := startTestServer(t, Config{}, p)
	conn := dialRaw(t, s)

	_, err := conn.Write((&protocol.HandshakeRequest{Magic: protocol.Magic}).Encode())
	require.NoError(t, err)
	readFull(t, conn, 40)

	p.mu.Lock()
	writes := p.writes
	p.mu.Unlock()
	assert.Equal(t, 1, writes) // handshake response went through the swap
}

func TestWrongConfiguredMagic(t *testing.T) {
	s := startTestServer(t, Config{Magic: "othrmgc"})
	conn := dialRaw(t, s)

	// The standard magic no longer matches.
	_, err := conn.Write((&protocol.HandshakeRequest{Magic: protocol.Magic}).Encode())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

// scriptPlugin emulates a paused program: it answers threads and stack
// trace requests with canned data.
type scriptPlugin struct {
	BasePlugin
}

func (scriptPlugin) ProvideResponse(ev ProvideResponseEvent) ProvideResponseEvent {
	switch ev.Request.Command {
	case protocol.CmdThreads:
		ev.Response = &protocol.ThreadsResponse{
			RequestID: ev.Request.RequestID,
			Threads: []protocol.ThreadInfo{{
				Primary: true, StopReason: protocol.StopReasonBreak,
				Line: 14, Function: "init", FilePath: "pkg:/source/main.brs",
			}},
		}
	case protocol.CmdStackTrace:
		ev.Response = &protocol.StackTraceResponse{
			RequestID: ev.Request.RequestID,
			Frames: []protocol.StackFrame{
				{Line: 10, Function: "main", FilePath: "pkg:/source/main.brs"},
			},
		}
	}
	return ev
}

// The full loop: a real client session against the emulated server,
// including the boot-time stop and its automatic continue.
func TestEndToEndWithClientSession(t *testing.T) {
	s := startTestServer(t, Config{RevisionTimestamp: 1683000000000}, scriptPlugin{})

	serverEvents := s.Broker().Subscribe(16)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := debugger.Connect(ctx, debugger.Config{Host: "127.0.0.1", Port: s.Port})
	require.NoError(t, err)
	defer sess.Close()
	clientEvents := sess.Broker().Subscribe(16)

	select {
	case <-sess.Ready:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not complete")
	}

	select {
	case ev := <-serverEvents:
		assert.Equal(t, events.TypeClientConnected, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no client-connected event")
	}

	// Boot-time pause: the client must auto-continue without surfacing
	// the stop.
	require.NoError(t, s.SendUpdate(&protocol.AllThreadsStoppedUpdate{
		PrimaryThreadIndex: 0, StopReason: protocol.StopReasonNormal,
	}))

	// The auto-continue round-trips: the server's response events fire.
	waitServerEvent(t, serverEvents, events.TypeAfterSendResponse)

	// A real stop now surfaces to the client.
	require.NoError(t, s.SendUpdate(&protocol.AllThreadsStoppedUpdate{
		PrimaryThreadIndex: 0, StopReason: protocol.StopReasonBreak,
	}))
	waitClientUpdate(t, clientEvents)

	threads, err := sess.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "init", threads[0].Function)

	frames, err := sess.StackTrace(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(10), frames[0].Line)
}

func waitServerEvent(t *testing.T, sub chan events.Event, typ events.Type) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == typ {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func waitClientUpdate(t *testing.T, sub chan events.Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.TypeUpdate {
				if _, ok := ev.Data.(*protocol.AllThreadsStoppedUpdate); ok {
					return
				}
			}
		case <-deadline:
			t.Fatal("timeout waiting for stop update")
		}
	}
}
