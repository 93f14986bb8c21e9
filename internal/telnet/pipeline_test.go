package telnet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsdebug/bsdebug/internal/events"
)

func newShellPair(t *testing.T) (net.Conn, *Pipeline, chan events.Event) {
	t.Helper()
	dev, client := net.Pipe()
	p := New(client, Config{})
	t.Cleanup(func() {
		dev.Close()
		<-p.Done()
	})
	sub := p.Broker().Subscribe(32)
	return dev, p, sub
}

// devWrite pushes a chunk of shell output to the pipeline.
func devWrite(t *testing.T, dev net.Conn, text string) {
	t.Helper()
	_, err := dev.Write([]byte(text))
	require.NoError(t, err)
}

// devRead reads exactly n bytes of client-to-device traffic.
func devRead(t *testing.T, dev net.Conn, n int) string {
	t.Helper()
	buf := make([]byte, n)
	for off := 0; off < n; {
		require.NoError(t, dev.SetReadDeadline(time.Now().Add(5*time.Second)))
		m, err := dev.Read(buf[off:])
		require.NoError(t, err)
		off += m
	}
	return string(buf)
}

func devExpectSilence(t *testing.T, dev net.Conn) {
	t.Helper()
	require.NoError(t, dev.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 1)
	_, err := dev.Read(buf)
	nerr, ok := err.(net.Error)
	require.True(t, ok, "expected timeout, got %v", err)
	assert.True(t, nerr.Timeout())
	require.NoError(t, dev.SetReadDeadline(time.Time{}))
}

func waitEvent(t *testing.T, sub chan events.Event, typ events.Type) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", typ)
		}
	}
}

type execResult struct {
	response string
	err      error
}

func execAsync(p *Pipeline, text string, opts ExecuteOptions) chan execResult {
	ch := make(chan execResult, 1)
	go func() {
		resp, err := p.Execute(context.Background(), text, opts)
		ch <- execResult{resp, err}
	}()
	return ch
}

func TestPromptExtraction(t *testing.T) {
	dev, p, _ := newShellPair(t)

	devWrite(t, dev, Prompt+" ")
	res := execAsync(p, "print 5", ExecuteOptions{WaitForPrompt: true})

	assert.Equal(t, "print 5\r\n", devRead(t, dev, 9))

	// The device echoes the command, prints the result, then interleaves
	// a warning before reprinting the prompt — across three chunks.
	devWrite(t, dev, "print 5\r\n")
	devWrite(t, dev, "5\r\nwarning: operation may not be interruptible.\r\n")
	devWrite(t, dev, Prompt+" ")

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "5\r\n", r.response)
}

func TestCommandsAreSerialized(t *testing.T) {
	dev, p, _ := newShellPair(t)

	devWrite(t, dev, Prompt+" ")
	first := execAsync(p, "bsc", ExecuteOptions{WaitForPrompt: true})
	// Give the first command time to be enqueued first.
	time.Sleep(20 * time.Millisecond)
	second := execAsync(p, "loaded", ExecuteOptions{WaitForPrompt: true})

	assert.Equal(t, "bsc\r\n", devRead(t, dev, 5))
	// The second command must not be written while the first is active.
	devExpectSilence(t, dev)

	devWrite(t, dev, "bsc\r\nno channels\r\n"+Prompt+" ")
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, "no channels\r\n", r.response)

	assert.Equal(t, "loaded\r\n", devRead(t, dev, 8))
	devWrite(t, dev, "loaded\r\nnone\r\n"+Prompt+" ")
	r = <-second
	require.NoError(t, r.err)
	assert.Equal(t, "none\r\n", r.response)
}

func TestInsertAtFront(t *testing.T) {
	dev, p, _ := newShellPair(t)

	// No prompt yet: both commands stay queued.
	back := execAsync(p, "back", ExecuteOptions{WaitForPrompt: true})
	// Give the back command time to be enqueued first.
	time.Sleep(20 * time.Millisecond)
	front := execAsync(p, "front", ExecuteOptions{WaitForPrompt: true, InsertAtFront: true})
	time.Sleep(20 * time.Millisecond)

	devWrite(t, dev, Prompt+" ")

	assert.Equal(t, "front\r\n", devRead(t, dev, 7))
	devWrite(t, dev, "front\r\nok\r\n"+Prompt+" ")
	r := <-front
	require.NoError(t, r.err)
	assert.Equal(t, "ok\r\n", r.response)

	assert.Equal(t, "back\r\n", devRead(t, dev, 6))
	devWrite(t, dev, "back\r\nok2\r\n"+Prompt+" ")
	r = <-back
	require.NoError(t, r.err)
	assert.Equal(t, "ok2\r\n", r.response)
}

func TestInsertAtFrontOption(t *testing.T) {
	// InsertAtFront is carried on the command; verify the option plumbs
	// through Execute.
	dev, p, _ := newShellPair(t)
	devWrite(t, dev, Prompt+" ")
	res := execAsync(p, "quick", ExecuteOptions{WaitForPrompt: true, InsertAtFront: true})
	assert.Equal(t, "quick\r\n", devRead(t, dev, 7))
	devWrite(t, dev, "quick\r\n"+Prompt+" ")
	require.NoError(t, (<-res).err)
}

func TestFireAndForgetCommand(t *testing.T) {
	dev, p, _ := newShellPair(t)

	devWrite(t, dev, Prompt+" ")
	res := execAsync(p, "cont", ExecuteOptions{WaitForPrompt: false})
	assert.Equal(t, "cont\r\n", devRead(t, dev, 6))

	// Resolves as soon as it is written; no prompt needed.
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "", r.response)
}

func TestWriteBypassesQueue(t *testing.T) {
	dev, p, _ := newShellPair(t)

	devWrite(t, dev, Prompt+" ")
	res := execAsync(p, "hang", ExecuteOptions{WaitForPrompt: true})
	assert.Equal(t, "hang\r\n", devRead(t, dev, 6))

	// While the command is still in flight, a bypass write (the pause
	// keystroke) goes straight to the socket.
	writeDone := make(chan error, 1)
	go func() { writeDone <- p.Write("\x03") }()
	assert.Equal(t, "\x03", devRead(t, dev, 1))
	require.NoError(t, <-writeDone)

	devWrite(t, dev, "hang\r\n"+Prompt+" ")
	require.NoError(t, (<-res).err)
}

func TestThreadAttachedLinesStripped(t *testing.T) {
	dev, p, _ := newShellPair(t)

	devWrite(t, dev, Prompt+" ")
	res := execAsync(p, "print 1", ExecuteOptions{WaitForPrompt: true})
	devRead(t, dev, 9)

	devWrite(t, dev, "print 1\r\nThread attached: pkg:/source/main.brs(12) main\r\n1\r\n"+Prompt+" ")

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "1\r\n", r.response)
}

func TestPromptGluedToOutput(t *testing.T) {
	dev, p, _ := newShellPair(t)

	devWrite(t, dev, Prompt+" ")
	res := execAsync(p, "print 2", ExecuteOptions{WaitForPrompt: true})
	devRead(t, dev, 9)

	// The device sometimes prints the prompt directly after output with
	// no separating newline.
	devWrite(t, dev, "print 2\r\n2"+Prompt+" ")

	// The normalization newline inserted before the prompt remains part
	// of the extracted response.
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "2\n", r.response)
}

func TestNudgeAfterTrailingThreadAttached(t *testing.T) {
	dev, _, _ := newShellPair(t)

	// A thread-attach notice with no trailing prompt: the pipeline
	// writes a no-op print to coax the prompt back.
	devWrite(t, dev, "Thread attached: pkg:/source/task.brs(5) task")
	assert.Equal(t, "print \"\"\r\n", devRead(t, dev, 10))
}

func TestUnhandledOutputFlushed(t *testing.T) {
	dev, _, sub := newShellPair(t)

	// Complete lines with no active command flush as unhandled output.
	devWrite(t, dev, "starting channel\r\n")
	ev := waitEvent(t, sub, events.TypeUnhandledConsoleOutput)
	assert.Equal(t, "starting channel\r\n", ev.Data)

	// A partial line is retained until its newline arrives.
	devWrite(t, dev, "half")
	devWrite(t, dev, " done\r\n")
	ev = waitEvent(t, sub, events.TypeUnhandledConsoleOutput)
	assert.Equal(t, "half done\r\n", ev.Data)
}

func TestRawConsoleOutputForwarded(t *testing.T) {
	dev, _, sub := newShellPair(t)

	devWrite(t, dev, "anything at all")
	ev := waitEvent(t, sub, events.TypeConsoleOutput)
	assert.Equal(t, "anything at all", ev.Data)
}

func TestConnectionLostFailsCommands(t *testing.T) {
	dev, p, _ := newShellPair(t)

	devWrite(t, dev, Prompt+" ")
	active := execAsync(p, "stuck", ExecuteOptions{WaitForPrompt: true})
	devRead(t, dev, 7)
	queued := execAsync(p, "later", ExecuteOptions{WaitForPrompt: true})
	time.Sleep(20 * time.Millisecond)

	dev.Close()

	assert.ErrorIs(t, (<-active).err, ErrConnectionLost)
	assert.ErrorIs(t, (<-queued).err, ErrConnectionLost)

	_, err := p.Execute(context.Background(), "dead", ExecuteOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPromptOnOwnLine(t *testing.T) {
	assert.Equal(t, "out\n"+Prompt+" ", promptOnOwnLine("out"+Prompt+" "))
	assert.Equal(t, "out\r\n"+Prompt, promptOnOwnLine("out\r\n"+Prompt))
	assert.Equal(t, Prompt, promptOnOwnLine(Prompt))
	assert.Equal(t,
		"a\n"+Prompt+"\nb\n"+Prompt,
		promptOnOwnLine("a"+Prompt+"\nb"+Prompt))
}

func TestStripWarningLines(t *testing.T) {
	in := "5\r\nwarning: operation may not be interruptible.\r\nmore\r\n"
	assert.Equal(t, "5\r\nmore\r\n", stripWarningLines(in))
	assert.Equal(t, "untouched\r\n", stripWarningLines("untouched\r\n"))
}
