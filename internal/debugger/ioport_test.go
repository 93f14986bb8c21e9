package debugger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineReassembler(t *testing.T) {
	var lines []string
	r := newLineReassembler(func(line string) { lines = append(lines, line) })

	r.feed([]byte("first\r\nsec"))
	assert.Equal(t, []string{"first"}, lines)

	r.feed([]byte("ond\r\nthird\r\n"))
	assert.Equal(t, []string{"first", "second", "third"}, lines)

	// Bare LF lines are accepted too.
	r.feed([]byte("plain\n"))
	assert.Equal(t, []string{"first", "second", "third", "plain"}, lines)

	// A trailing partial stays buffered.
	r.feed([]byte("tail"))
	assert.Len(t, lines, 4)
}
