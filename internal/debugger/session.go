// Package debugger implements the client side of the device's debug
// control channel: handshake negotiation, request bookkeeping, response
// correlation and asynchronous update dispatch.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/bsdebug/bsdebug/internal/console"
	"github.com/bsdebug/bsdebug/internal/events"
	"github.com/bsdebug/bsdebug/internal/protocol"
)

const sockReadBufSize = 32 * 1024 // 32 KB per socket read

var (
	// ErrNotStopped is returned when a stopped-gated command is issued
	// while the device is running. Nothing is written to the wire.
	ErrNotStopped = errors.New("device is not stopped")

	// ErrAlreadyStopped is the inverse: pause while already paused.
	ErrAlreadyStopped = errors.New("device is already stopped")

	// ErrUnknownRequestID means the device answered a request the
	// session never issued. The session is desynchronized and terminates.
	ErrUnknownRequestID = errors.New("response references unknown request id")

	// ErrConnectionLost fails every pending operation when the control
	// socket drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrTerminated is returned for operations issued after the session
	// reached its terminal state.
	ErrTerminated = errors.New("session terminated")
)

// DeviceError carries a nonzero error code from a device response.
type DeviceError struct {
	Code protocol.ErrorCode
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported error code %d", uint32(e.Code))
}

// Version is the protocol version negotiated during the handshake.
type Version struct {
	Major, Minor, Patch uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Config holds session configuration.
type Config struct {
	Host string
	Port int

	// Log defaults to a discarding logger.
	Log *slog.Logger

	// Broker receives update and console events. A private broker is
	// created when nil.
	Broker *events.Broker

	// History, when non-nil, retains I/O-port output for replay.
	History *console.History
}

// requestRecord tracks one in-flight request. path carries the Variables
// request's path, needed to reconstruct the response's implicit shape.
// result is nil for requests issued internally (the first-run continue).
type requestRecord struct {
	command protocol.Command
	path    []string
	result  chan opResult
}

type opResult struct {
	msg any
	err error
}

// op is a user command delivered to the event loop. reply is one-shot.
type op struct {
	command   protocol.Command
	stepType  protocol.StepType
	path      []string
	childKeys bool

	query func(*Session) // state snapshot reads, run on the loop

	reply chan opResult
}

// sockEvent is one chunk (or terminal error) from the socket reader
// goroutine.
type sockEvent struct {
	data []byte
	err  error
}

// State is a point-in-time snapshot of the session's loop-owned state.
type State struct {
	HandshakeComplete     bool
	ProtocolVersion       Version
	Stopped               bool
	FirstRunContinueFired bool
	PrimaryThreadIndex    int32
	StackFrameIndex       uint32
	TotalRequests         uint32
	ActiveRequests        int
	UnhandledBytes        int
}

// Session is the client half of the control channel. All mutable state
// is owned by the run loop goroutine; user commands and socket chunks
// reach it as messages, so no state transition races another.
type Session struct {
	cfg     Config
	log     *slog.Logger
	broker  *events.Broker
	history *console.History
	conn    net.Conn

	opCh   chan *op
	sockCh chan sockEvent

	// Ready is closed once the handshake response has been accepted.
	Ready chan struct{}

	// done is closed when the session reaches its terminal state;
	// termErr holds the reason and is written before the close.
	done    chan struct{}
	termErr error

	// --- run loop state ---
	handshakeComplete     bool
	version               Version
	stopped               bool
	firstRunContinueFired bool
	primaryThreadIndex    int32
	stackFrameIndex       uint32
	totalRequests         uint32
	active                map[uint32]*requestRecord
	unhandled             []byte
}

// Connect dials the device's control channel, writes the handshake magic
// and starts the session loop. The handshake response is processed
// asynchronously; wait on Ready to observe its completion.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Port == 0 {
		cfg.Port = protocol.DefaultControlPort
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	broker := cfg.Broker
	if broker == nil {
		broker = events.NewBroker(cfg.Log)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}

	if _, err := conn.Write((&protocol.HandshakeRequest{Magic: protocol.Magic}).Encode()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		log:     cfg.Log.With("component", "debugger"),
		broker:  broker,
		history: cfg.History,
		conn:    conn,
		opCh:    make(chan *op),
		sockCh:  make(chan sockEvent, 8),
		Ready:   make(chan struct{}),
		done:    make(chan struct{}),
		active:  make(map[uint32]*requestRecord),
	}
	go s.readSocket()
	go s.run()
	return s, nil
}

// Broker exposes the session's event broker for subscription.
func (s *Session) Broker() *events.Broker { return s.broker }

// Done is closed when the session terminates; Err then reports why.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.termErr
	default:
		return nil
	}
}

// Close tears the session down by closing the control socket; the run
// loop observes the read error and terminates.
func (s *Session) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

// --- Goroutines ---

// readSocket continuously reads the control socket and forwards chunks
// to the run loop. Exits on the first read error.
func (s *Session) readSocket() {
	for {
		buf := make([]byte, sockReadBufSize)
		n, err := s.conn.Read(buf)
		if n > 0 {
			select {
			case s.sockCh <- sockEvent{data: buf[:n]}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.sockCh <- sockEvent{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

// run is the session's event loop. It owns every piece of mutable state;
// socket chunks and user commands are the only inputs.
func (s *Session) run() {
	defer s.conn.Close()
	for {
		select {
		case ev := <-s.sockCh:
			if ev.err != nil {
				s.terminate(fmt.Errorf("%w: %v", ErrConnectionLost, ev.err))
				return
			}
			s.unhandled = append(s.unhandled, ev.data...)
			if err := s.parse(); err != nil {
				s.terminate(err)
				return
			}
		case o := <-s.opCh:
			if err := s.handleOp(o); err != nil {
				s.terminate(err)
				return
			}
		}
	}
}

// terminate rejects every pending operation and moves the session to its
// terminal state.
func (s *Session) terminate(err error) {
	s.log.Debug("session terminating", "err", err)
	for id, rec := range s.active {
		if rec.result != nil {
			rec.result <- opResult{err: fmt.Errorf("%w: %v", ErrConnectionLost, err)}
		}
		delete(s.active, id)
	}
	s.termErr = err
	close(s.done)
}

// --- User commands ---

func (s *Session) do(ctx context.Context, o *op) (any, error) {
	o.reply = make(chan opResult, 1)
	select {
	case s.opCh <- o:
	case <-s.done:
		return nil, ErrTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-o.reply:
		return res.msg, res.err
	case <-s.done:
		return nil, s.termErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Continue resumes execution. Stopped-gated.
func (s *Session) Continue(ctx context.Context) error {
	_, err := s.do(ctx, &op{command: protocol.CmdContinue})
	return err
}

// Pause suspends execution. Only valid while the device is running.
func (s *Session) Pause(ctx context.Context) error {
	_, err := s.do(ctx, &op{command: protocol.CmdStop})
	return err
}

// Step advances the primary thread by the given granularity. Stopped-gated.
func (s *Session) Step(ctx context.Context, st protocol.StepType) error {
	_, err := s.do(ctx, &op{command: protocol.CmdStep, stepType: st})
	return err
}

// Threads lists the runtime's threads. Stopped-gated.
func (s *Session) Threads(ctx context.Context) ([]protocol.ThreadInfo, error) {
	msg, err := s.do(ctx, &op{command: protocol.CmdThreads})
	if err != nil {
		return nil, err
	}
	return msg.(*protocol.ThreadsResponse).Threads, nil
}

// StackTrace fetches the primary thread's call stack. Stopped-gated.
func (s *Session) StackTrace(ctx context.Context) ([]protocol.StackFrame, error) {
	msg, err := s.do(ctx, &op{command: protocol.CmdStackTrace})
	if err != nil {
		return nil, err
	}
	return msg.(*protocol.StackTraceResponse).Frames, nil
}

// Variables fetches the variable at path in the current stack frame,
// optionally with its child keys. Stopped-gated.
func (s *Session) Variables(ctx context.Context, path []string, childKeys bool) ([]protocol.Variable, error) {
	msg, err := s.do(ctx, &op{command: protocol.CmdVariables, path: path, childKeys: childKeys})
	if err != nil {
		return nil, err
	}
	return msg.(*protocol.VariablesResponse).Variables, nil
}

// ExitChannel asks the device to terminate the running channel.
// Unconditional: valid whether stopped or running.
func (s *Session) ExitChannel(ctx context.Context) error {
	_, err := s.do(ctx, &op{command: protocol.CmdExitChannel})
	return err
}

// SelectStackFrame changes the frame index used by Variables requests.
func (s *Session) SelectStackFrame(ctx context.Context, index uint32) error {
	_, err := s.do(ctx, &op{query: func(s *Session) { s.stackFrameIndex = index }})
	return err
}

// State returns a snapshot of the session state, taken on the loop.
func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	_, err := s.do(ctx, &op{query: func(s *Session) {
		st = State{
			HandshakeComplete:     s.handshakeComplete,
			ProtocolVersion:       s.version,
			Stopped:               s.stopped,
			FirstRunContinueFired: s.firstRunContinueFired,
			PrimaryThreadIndex:    s.primaryThreadIndex,
			StackFrameIndex:       s.stackFrameIndex,
			TotalRequests:         s.totalRequests,
			ActiveRequests:        len(s.active),
			UnhandledBytes:        len(s.unhandled),
		}
	}})
	return st, err
}

// --- Event loop handlers ---

// handleOp validates gating, issues the request and records it. A non-nil
// return terminates the session (write failures only).
func (s *Session) handleOp(o *op) error {
	if o.query != nil {
		o.query(s)
		o.reply <- opResult{}
		return nil
	}

	switch o.command {
	case protocol.CmdContinue, protocol.CmdStep, protocol.CmdThreads,
		protocol.CmdStackTrace, protocol.CmdVariables:
		if !s.stopped {
			o.reply <- opResult{err: ErrNotStopped}
			return nil
		}
	case protocol.CmdStop:
		if s.stopped {
			o.reply <- opResult{err: ErrAlreadyStopped}
			return nil
		}
	}

	req := &protocol.Request{Command: o.command}
	switch o.command {
	case protocol.CmdStep:
		req.ThreadIndex = uint32(s.primaryThreadIndex)
		req.StepType = o.stepType
	case protocol.CmdStackTrace:
		req.ThreadIndex = uint32(s.primaryThreadIndex)
	case protocol.CmdVariables:
		if o.childKeys {
			req.Flags |= protocol.VarFlagGetChildKeys
		}
		req.ThreadIndex = uint32(s.primaryThreadIndex)
		req.StackFrameIndex = s.stackFrameIndex
		req.Path = o.path
	}

	if err := s.makeRequest(req, &requestRecord{
		command: o.command,
		path:    o.path,
		result:  o.reply,
	}); err != nil {
		o.reply <- opResult{err: err}
		return err
	}
	return nil
}

// makeRequest allocates the next request id, writes the frame and records
// the in-flight request. A response cannot arrive before the record
// exists: both happen on the loop, and the record is stored before the
// loop returns to reading socket events.
func (s *Session) makeRequest(req *protocol.Request, rec *requestRecord) error {
	s.totalRequests++
	req.RequestID = s.totalRequests

	s.active[req.RequestID] = rec
	if _, err := s.conn.Write(req.Encode()); err != nil {
		delete(s.active, req.RequestID)
		return fmt.Errorf("write %s request: %w", req.Command, err)
	}
	s.log.Debug("request issued", "id", req.RequestID, "command", req.Command.String())
	return nil
}

// parse consumes as many complete frames as the unhandled buffer holds.
// It returns nil when more bytes are needed and a non-nil error only for
// session-fatal conditions.
func (s *Session) parse() error {
	for len(s.unhandled) > 0 {
		if !s.handshakeComplete {
			h, n, err := protocol.DecodeHandshakeResponse(s.unhandled)
			switch {
			case errors.Is(err, protocol.ErrShortRead):
				return nil
			case err != nil:
				return fmt.Errorf("decode handshake: %w", err)
			}
			if h.Magic != protocol.Magic {
				return protocol.ErrBadMagic
			}
			s.version = Version{Major: h.Major, Minor: h.Minor, Patch: h.Patch}
			s.handshakeComplete = true
			s.consume(n)
			s.log.Debug("handshake complete", "version", s.version.String())
			close(s.Ready)
			continue
		}

		n, err := s.parseFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrShortRead) {
				return nil
			}
			return err
		}
		s.consume(n)
	}
	return nil
}

// parseFrame decodes exactly one frame from the front of the unhandled
// buffer, dispatches it, and returns its byte length. ErrShortRead means
// no complete frame is available yet.
func (s *Session) parseFrame() (int, error) {
	pkt, requestID, err := protocol.InspectFrame(s.unhandled)
	if err != nil {
		return 0, err
	}

	if requestID != 0 {
		rec, ok := s.active[requestID]
		if !ok {
			return 0, fmt.Errorf("%w: %d", ErrUnknownRequestID, requestID)
		}
		return s.parseResponse(requestID, rec)
	}
	return s.parseUpdate(pkt)
}

// parseResponse decodes the response at the buffer head using the decoder
// selected by the recorded command, resolves the caller and removes the
// record.
func (s *Session) parseResponse(requestID uint32, rec *requestRecord) (int, error) {
	var (
		msg  any
		n    int
		err  error
		code protocol.ErrorCode
	)
	switch rec.command {
	case protocol.CmdThreads:
		var r *protocol.ThreadsResponse
		if r, n, err = protocol.DecodeThreadsResponse(s.unhandled); err == nil {
			msg, code = r, r.ErrorCode
		}
	case protocol.CmdStackTrace:
		var r *protocol.StackTraceResponse
		if r, n, err = protocol.DecodeStackTraceResponse(s.unhandled); err == nil {
			msg, code = r, r.ErrorCode
		}
	case protocol.CmdVariables:
		var r *protocol.VariablesResponse
		if r, n, err = protocol.DecodeVariablesResponse(s.unhandled, rec.path); err == nil {
			msg, code = r, r.ErrorCode
		}
	default:
		var r *protocol.EmptyResponse
		if r, n, err = protocol.DecodeEmptyResponse(s.unhandled); err == nil {
			msg, code = r, r.ErrorCode
		}
	}

	if errors.Is(err, protocol.ErrShortRead) {
		return 0, protocol.ErrShortRead
	}

	delete(s.active, requestID)

	if err != nil {
		// The frame is corrupt but its length is known: consume it,
		// fail only the affected request, keep the session alive.
		s.log.Warn("malformed response body", "id", requestID,
			"command", rec.command.String(), "err", err)
		pkt, _, _ := protocol.InspectFrame(s.unhandled)
		if rec.result != nil {
			rec.result <- opResult{err: fmt.Errorf("decode %s response: %w", rec.command, err)}
		}
		return int(pkt), nil
	}

	if code != protocol.ErrcOK {
		if rec.result != nil {
			rec.result <- opResult{err: &DeviceError{Code: code}}
		}
		return n, nil
	}

	// A successful continue or step means the device is running again.
	if rec.command == protocol.CmdContinue || rec.command == protocol.CmdStep {
		s.stopped = false
	}

	if rec.result != nil {
		rec.result <- opResult{msg: msg}
	}
	return n, nil
}

// parseUpdate tries each update decoder in the fixed order, falling back
// to consuming the frame wholesale when the update type is unknown.
func (s *Session) parseUpdate(pkt uint32) (int, error) {
	if u, n, err := protocol.DecodeAllThreadsStoppedUpdate(s.unhandled); !errors.Is(err, protocol.ErrUpdateMismatch) {
		if err != nil {
			return s.consumeMalformed(pkt, err)
		}
		s.handleAllThreadsStopped(u)
		return n, nil
	}
	if u, n, err := protocol.DecodeThreadAttachedUpdate(s.unhandled); !errors.Is(err, protocol.ErrUpdateMismatch) {
		if err != nil {
			return s.consumeMalformed(pkt, err)
		}
		s.broker.Publish(events.Event{Type: events.TypeUpdate, Data: u})
		return n, nil
	}
	if u, n, err := protocol.DecodeUndefinedUpdate(s.unhandled); !errors.Is(err, protocol.ErrUpdateMismatch) {
		if err != nil {
			return s.consumeMalformed(pkt, err)
		}
		s.log.Debug("undefined update received")
		s.broker.Publish(events.Event{Type: events.TypeUpdate, Data: u})
		return n, nil
	}
	if u, n, err := protocol.DecodeIoPortOpenedUpdate(s.unhandled); !errors.Is(err, protocol.ErrUpdateMismatch) {
		if err != nil {
			return s.consumeMalformed(pkt, err)
		}
		s.broker.Publish(events.Event{Type: events.TypeUpdate, Data: u})
		s.connectIOPort(u.Port)
		return n, nil
	}

	// request_id == 0 but no decoder claims it: unknown update type.
	// The length is known, so skip the frame and stay aligned.
	s.log.Warn("unknown update type, skipping frame", "bytes", pkt)
	return int(pkt), nil
}

// consumeMalformed logs a corrupt-but-complete frame and reports its
// length so the parser can skip it.
func (s *Session) consumeMalformed(pkt uint32, err error) (int, error) {
	if errors.Is(err, protocol.ErrShortRead) {
		return 0, protocol.ErrShortRead
	}
	s.log.Warn("malformed update frame, skipping", "bytes", pkt, "err", err)
	return int(pkt), nil
}

// handleAllThreadsStopped implements the stop handler plus the first-run
// continue quirk: the device boots into the debugger at program start,
// and that initial stop is answered with an automatic continue rather
// than surfaced.
func (s *Session) handleAllThreadsStopped(u *protocol.AllThreadsStoppedUpdate) {
	if !s.firstRunContinueFired {
		s.firstRunContinueFired = true
		s.log.Debug("first stop observed, auto-continuing")
		if err := s.makeRequest(
			&protocol.Request{Command: protocol.CmdContinue},
			&requestRecord{command: protocol.CmdContinue},
		); err != nil {
			s.log.Warn("first-run continue failed", "err", err)
		}
		return
	}

	s.stopped = true
	s.primaryThreadIndex = u.PrimaryThreadIndex
	s.stackFrameIndex = 0
	s.broker.Publish(events.Event{Type: events.TypeUpdate, Data: u})
}

// consume slices n decoded bytes off the head of the unhandled buffer.
func (s *Session) consume(n int) {
	s.unhandled = s.unhandled[n:]
}
