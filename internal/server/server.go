// Package server emulates the device side of the debug control channel.
// It exists to drive the codec and the client state machine without
// hardware: a single-connection TCP listener whose request parsing and
// response production are delegated to plugins.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/bsdebug/bsdebug/internal/events"
	"github.com/bsdebug/bsdebug/internal/protocol"
	"github.com/bsdebug/bsdebug/internal/queue"
)

const readBufSize = 32 * 1024

// ErrNoClient is returned by SendUpdate when no connection is active.
var ErrNoClient = errors.New("no client connected")

// Config holds server configuration.
type Config struct {
	Host string // default 0.0.0.0
	Port int    // 0 picks a random port

	// Magic defaults to the protocol magic; tests override it to
	// exercise handshake failures.
	Magic string

	// Handshake response version fields.
	Major, Minor, Patch uint32
	RevisionTimestamp   int64

	Log    *slog.Logger
	Broker *events.Broker
}

// Server is the emulated device. One connection is served at a time;
// all per-connection state is mutated only inside action-queue items, so
// parse runs always see a consistent buffer.
type Server struct {
	cfg     Config
	log     *slog.Logger
	broker  *events.Broker
	plugins []Plugin

	// Ready is closed after the listener is bound, with Port set.
	Ready chan struct{}
	Port  int

	ln net.Listener

	mu     sync.Mutex
	conn   net.Conn // active connection, nil when disconnected
	connID string
	q      *queue.Queue

	// Touched only from queue actions.
	handshakeComplete bool
	unhandled         []byte
}

// New creates a server but does not start it. Call Run to begin.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Magic == "" {
		cfg.Magic = protocol.Magic
	}
	if cfg.Major == 0 {
		cfg.Major, cfg.Minor, cfg.Patch = 3, 1, 0
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	broker := cfg.Broker
	if broker == nil {
		broker = events.NewBroker(cfg.Log)
	}
	return &Server{
		cfg:    cfg,
		log:    cfg.Log.With("component", "server"),
		broker: broker,
		Ready:  make(chan struct{}),
	}
}

// Use registers a plugin. Call before Run.
func (s *Server) Use(p Plugin) {
	s.plugins = append(s.plugins, p)
}

// Broker exposes the server's event broker.
func (s *Server) Broker() *events.Broker { return s.broker }

// Run binds the listener and serves connections one at a time until the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	defer ln.Close()

	s.Port = ln.Addr().(*net.TCPAddr).Port
	close(s.Ready)

	// Cancellation unblocks Accept and drops the active connection.
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.dropConn()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serve(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// SendUpdate pushes an asynchronous update frame to the connected
// client, serialized through the action queue like every other write.
func (s *Server) SendUpdate(msg Message) error {
	s.mu.Lock()
	q, conn := s.q, s.conn
	s.mu.Unlock()
	if q == nil || conn == nil {
		return ErrNoClient
	}
	return <-q.Run(func() (bool, error) {
		_, err := conn.Write(msg.Encode())
		return true, err
	})
}

// dropConn closes the active connection, if any.
func (s *Server) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// serve runs one connection to completion.
func (s *Server) serve(conn net.Conn) {
	connID := uuid.NewString()

	// Let plugins observe the connection and optionally swap the socket.
	ev := ClientConnectedEvent{ConnectionID: connID, Conn: conn}
	for _, p := range s.plugins {
		ev = p.OnClientConnected(ev)
	}
	conn = ev.Conn

	q := queue.New()
	s.mu.Lock()
	s.conn, s.connID, s.q = conn, connID, q
	s.mu.Unlock()
	s.handshakeComplete = false
	s.unhandled = nil

	s.broker.Publish(events.Event{Type: events.TypeClientConnected, Data: connID})
	s.log.Debug("client connected", "id", connID)

	defer func() {
		q.Close()
		conn.Close()
		s.mu.Lock()
		s.conn, s.q = nil, nil
		s.mu.Unlock()
		s.log.Debug("client disconnected", "id", connID)
	}()

	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if perr := <-q.Run(func() (bool, error) {
				s.unhandled = append(s.unhandled, chunk...)
				return true, s.process(conn, connID)
			}); perr != nil {
				s.log.Warn("process failed, dropping client", "id", connID, "err", perr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// process drains as many complete frames as the buffer holds. It runs
// inside an action-queue item.
func (s *Server) process(conn net.Conn, connID string) error {
	for len(s.unhandled) > 0 {
		if !s.handshakeComplete {
			h, n, err := protocol.DecodeHandshakeRequest(s.unhandled)
			if errors.Is(err, protocol.ErrShortRead) {
				return nil
			}
			if err != nil {
				return err
			}
			if h.Magic != s.cfg.Magic {
				return fmt.Errorf("%w: %q", protocol.ErrBadMagic, h.Magic)
			}
			s.unhandled = s.unhandled[n:]
			s.handshakeComplete = true
			if _, err := conn.Write((&protocol.HandshakeResponse{
				Magic:             s.cfg.Magic,
				Major:             s.cfg.Major,
				Minor:             s.cfg.Minor,
				Patch:             s.cfg.Patch,
				RevisionTimestamp: s.cfg.RevisionTimestamp,
			}).Encode()); err != nil {
				return err
			}
			continue
		}

		req, n, err := protocol.DecodeRequest(s.unhandled)
		if errors.Is(err, protocol.ErrShortRead) {
			return nil
		}
		if err != nil {
			// When the frame's length is known, skip it and stay
			// aligned; otherwise the stream is unrecoverable.
			pkt, _, ierr := protocol.InspectFrame(s.unhandled)
			if ierr != nil {
				return err
			}
			s.log.Warn("undecodable request frame, skipping", "bytes", pkt, "err", err)
			s.unhandled = s.unhandled[pkt:]
			continue
		}

		reqEv := ProvideRequestEvent{
			ConnectionID: connID,
			Request:      req,
			Remaining:    s.unhandled[n:],
		}
		for _, p := range s.plugins {
			reqEv = p.ProvideRequest(reqEv)
		}
		s.unhandled = reqEv.Remaining
		req = reqEv.Request
		if req == nil {
			continue
		}

		rspEv := ProvideResponseEvent{ConnectionID: connID, Request: req}
		for _, p := range s.plugins {
			rspEv = p.ProvideResponse(rspEv)
		}
		if rspEv.Response == nil {
			rspEv.Response = defaultResponse(req)
		}

		sendEv := SendResponseEvent{ConnectionID: connID, Request: req, Response: rspEv.Response}
		for _, p := range s.plugins {
			sendEv = p.BeforeSendResponse(sendEv)
		}
		s.broker.Publish(events.Event{Type: events.TypeBeforeSendResponse, Data: connID})

		if _, err := conn.Write(sendEv.Response.Encode()); err != nil {
			return err
		}

		for _, p := range s.plugins {
			sendEv = p.AfterSendResponse(sendEv)
		}
		s.broker.Publish(events.Event{Type: events.TypeAfterSendResponse, Data: connID})
	}
	return nil
}

// defaultResponse produces the minimal well-formed response for a
// request no plugin claimed.
func defaultResponse(req *protocol.Request) Message {
	switch req.Command {
	case protocol.CmdThreads:
		return &protocol.ThreadsResponse{RequestID: req.RequestID}
	case protocol.CmdStackTrace:
		return &protocol.StackTraceResponse{RequestID: req.RequestID}
	case protocol.CmdVariables:
		return &protocol.VariablesResponse{RequestID: req.RequestID}
	default:
		return &protocol.EmptyResponse{RequestID: req.RequestID}
	}
}
