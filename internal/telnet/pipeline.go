// Package telnet drives the device's fallback command shell: a
// line-oriented half-duplex channel that prints a literal prompt when
// idle. Commands are queued and executed one at a time; the response to
// each command is everything the device prints before the next prompt.
package telnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/bsdebug/bsdebug/internal/console"
	"github.com/bsdebug/bsdebug/internal/events"
)

// Prompt is the exact token the device's shell prints when idle.
const Prompt = "Brightscript Debugger>"

// threadAttachedNotice opens the unsolicited lines the shell prints when
// a runtime thread attaches. They are stripped from command responses.
const threadAttachedNotice = "Thread attached"

const readBufSize = 16 * 1024

// event kind strings handed to command capabilities.
const (
	kindUnhandled = "unhandled-console-output"
)

var (
	// ErrConnectionLost fails all queued commands when the shell socket
	// drops.
	ErrConnectionLost = errors.New("telnet connection lost")

	// ErrClosed is returned for commands submitted after shutdown.
	ErrClosed = errors.New("telnet pipeline closed")
)

// ExecuteOptions control command scheduling.
type ExecuteOptions struct {
	// WaitForPrompt makes the command's completion wait for the next
	// prompt; the text printed before it becomes the response. Without
	// it the command is fire-and-forget.
	WaitForPrompt bool

	// InsertAtFront queues the command ahead of waiting commands.
	InsertAtFront bool
}

// Config holds pipeline configuration.
type Config struct {
	Log     *slog.Logger
	Broker  *events.Broker
	History *console.History
}

type sockEvent struct {
	data []byte
	err  error
}

// Pipeline owns the telnet socket and serializes command execution
// against the device's asynchronously arriving output. All mutable state
// lives on the run loop goroutine.
type Pipeline struct {
	conn    net.Conn
	log     *slog.Logger
	broker  *events.Broker
	history *console.History

	writeMu sync.Mutex

	execCh chan *command
	sockCh chan sockEvent
	done   chan struct{}

	// --- run loop state ---
	commands  []*command
	active    *command
	unhandled string
	atPrompt  bool
}

// New wraps an established telnet connection and starts the pipeline.
func New(conn net.Conn, cfg Config) *Pipeline {
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Broker == nil {
		cfg.Broker = events.NewBroker(cfg.Log)
	}
	p := &Pipeline{
		conn:    conn,
		log:     cfg.Log.With("component", "telnet"),
		broker:  cfg.Broker,
		history: cfg.History,
		execCh:  make(chan *command),
		sockCh:  make(chan sockEvent, 8),
		done:    make(chan struct{}),
	}
	go p.readSocket()
	go p.run()
	return p
}

// Broker exposes the pipeline's event broker for subscription.
func (p *Pipeline) Broker() *events.Broker { return p.broker }

// Done is closed when the pipeline shuts down.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Close shuts the pipeline down by closing the socket.
func (p *Pipeline) Close() error {
	err := p.conn.Close()
	<-p.done
	return err
}

// Execute queues a command and blocks until its response is available
// (or, without WaitForPrompt, until it has been written).
func (p *Pipeline) Execute(ctx context.Context, text string, opts ExecuteOptions) (string, error) {
	c := &command{
		text:          text,
		waitForPrompt: opts.WaitForPrompt,
		insertAtFront: opts.InsertAtFront,
		result:        make(chan cmdResult, 1),
		caps: caps{
			write: p.Write,
			emit: func(kind, text string) {
				p.broker.Publish(events.Event{Type: events.Type(kind), Data: text})
			},
		},
	}
	select {
	case p.execCh <- c:
	case <-p.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-c.result:
		return res.response, res.err
	case <-p.done:
		return "", ErrConnectionLost
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Write sends raw text to the shell, bypassing the queue. Used for the
// pause keystroke, which must reach the device even while a command is
// in flight.
func (p *Pipeline) Write(text string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.conn.Write([]byte(text)); err != nil {
		return fmt.Errorf("telnet write: %w", err)
	}
	return nil
}

// --- Goroutines ---

func (p *Pipeline) readSocket() {
	for {
		buf := make([]byte, readBufSize)
		n, err := p.conn.Read(buf)
		if n > 0 {
			select {
			case p.sockCh <- sockEvent{data: buf[:n]}:
			case <-p.done:
				return
			}
		}
		if err != nil {
			select {
			case p.sockCh <- sockEvent{err: err}:
			case <-p.done:
			}
			return
		}
	}
}

func (p *Pipeline) run() {
	defer p.conn.Close()
	for {
		select {
		case ev := <-p.sockCh:
			if ev.err != nil {
				p.terminate()
				return
			}
			p.handleChunk(ev.data)
		case c := <-p.execCh:
			if c.insertAtFront {
				p.commands = append([]*command{c}, p.commands...)
			} else {
				p.commands = append(p.commands, c)
			}
			p.executeNext()
		}
	}
}

// terminate fails the active and queued commands and closes the pipeline.
func (p *Pipeline) terminate() {
	if p.active != nil {
		p.active.resolve("", ErrConnectionLost)
		p.active = nil
	}
	for _, c := range p.commands {
		c.resolve("", ErrConnectionLost)
	}
	p.commands = nil
	close(p.done)
}

// --- Run loop handlers ---

// handleChunk normalizes newly arrived shell output, then dispatches it
// to the active command or to the unhandled-output event stream.
func (p *Pipeline) handleChunk(data []byte) {
	// Subscribers always see the raw feed.
	if p.history != nil {
		p.history.Append(data)
	}
	p.broker.Publish(events.Event{Type: events.TypeConsoleOutput, Data: string(data)})

	p.unhandled += string(data)
	p.unhandled = promptOnOwnLine(p.unhandled)
	p.unhandled = stripThreadAttachedLines(p.unhandled)
	p.atPrompt = strings.HasSuffix(strings.TrimRight(p.unhandled, " \t"), Prompt)

	if !p.atPrompt && endsWithThreadAttachedNotice(p.unhandled) {
		// The notice may have swallowed the prompt reprint; coax the
		// shell into printing a fresh one.
		if err := p.Write("print \"\"\r\n"); err != nil {
			p.log.Warn("prompt nudge failed", "err", err)
		}
		return
	}

	p.dispatch()
	p.executeNext()
}

// dispatch hands accumulated text to the active command, or flushes it
// as unhandled output when nothing is waiting for it.
func (p *Pipeline) dispatch() {
	if p.active != nil {
		if p.active.tryComplete(p.unhandled) {
			p.unhandled = ""
			p.active = nil
		}
		return
	}

	if p.unhandled == "" {
		return
	}
	if strings.HasSuffix(p.unhandled, "\n") || p.atPrompt {
		p.broker.Publish(events.Event{
			Type: events.TypeUnhandledConsoleOutput, Data: p.unhandled,
		})
		p.unhandled = ""
	}
	// Otherwise: retain the partial line until more arrives.
}

// executeNext promotes the queue head once the shell is idle at a prompt.
func (p *Pipeline) executeNext() {
	if p.active != nil || len(p.commands) == 0 || !p.atPrompt {
		return
	}
	c := p.commands[0]
	p.commands = p.commands[1:]

	if err := c.caps.write(c.text + "\r\n"); err != nil {
		c.resolve("", err)
		return
	}
	if c.waitForPrompt {
		p.active = c
		p.atPrompt = false
	} else {
		c.resolve("", nil)
	}
}

// promptOnOwnLine inserts a newline before any prompt token that was
// printed onto the tail of another line, so prompt scanning can treat
// prompts as line-anchored.
func promptOnOwnLine(text string) string {
	var b strings.Builder
	for {
		idx := strings.Index(text, Prompt)
		if idx < 0 {
			b.WriteString(text)
			return b.String()
		}
		if idx > 0 && text[idx-1] != '\n' {
			b.WriteString(text[:idx])
			b.WriteString("\n")
		} else {
			b.WriteString(text[:idx])
		}
		b.WriteString(Prompt)
		text = text[idx+len(Prompt):]
	}
}

// stripThreadAttachedLines removes complete lines that are thread-attach
// notices.
func stripThreadAttachedLines(text string) string {
	if !strings.Contains(text, threadAttachedNotice) {
		return text
	}
	lines := strings.SplitAfter(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasSuffix(line, "\n") &&
			strings.HasPrefix(strings.TrimSpace(line), threadAttachedNotice) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "")
}

// endsWithThreadAttachedNotice reports whether the trailing (unterminated)
// line is a thread-attach notice, which the device sometimes prints
// without reprinting the prompt.
func endsWithThreadAttachedNotice(text string) bool {
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	return strings.HasPrefix(strings.TrimSpace(text), threadAttachedNotice)
}
