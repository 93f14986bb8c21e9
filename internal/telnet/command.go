package telnet

import "strings"

// interruptWarning is noise the device interleaves into command output;
// it is never part of a response.
const interruptWarning = "warning: operation may not be interruptible"

// caps is the capability surface a command receives from the pipeline:
// write bytes to the device, emit a consumer event. Commands hold this
// instead of a pipeline back-reference.
type caps struct {
	write func(string) error
	emit  func(kind string, text string)
}

type cmdResult struct {
	response string
	err      error
}

// command is one queued shell command. result is one-shot.
type command struct {
	text          string
	waitForPrompt bool
	insertAtFront bool
	caps          caps
	result        chan cmdResult
}

// tryComplete scans text for the first prompt occurrence. When found, the
// command resolves with the text before the prompt — minus the echo of
// the command itself and any interrupt warnings — consumes through the
// prompt, and emits whatever trails the prompt as unhandled console
// output unless it is only whitespace. It reports whether the command
// completed.
func (c *command) tryComplete(text string) bool {
	idx := strings.Index(text, Prompt)
	if idx < 0 {
		return false
	}

	response := text[:idx]
	if rest, ok := strings.CutPrefix(response, c.text+"\r\n"); ok {
		// The device echoes the command line back; that echo is not
		// part of the response.
		response = rest
	}
	response = stripWarningLines(response)

	c.resolve(response, nil)

	if leftover := text[idx+len(Prompt):]; strings.TrimSpace(leftover) != "" {
		c.caps.emit(kindUnhandled, leftover)
	}
	return true
}

func (c *command) resolve(response string, err error) {
	c.result <- cmdResult{response: response, err: err}
}

// stripWarningLines removes lines that are interrupt warnings.
func stripWarningLines(text string) string {
	if !strings.Contains(text, interruptWarning) {
		return text
	}
	lines := strings.SplitAfter(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), interruptWarning) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "")
}
