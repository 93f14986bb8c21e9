package debugger

import "github.com/bsdebug/bsdebug/internal/events"

// publishIOChunk emits a raw I/O-port chunk and retains it in the
// history ring when one is configured.
func (s *Session) publishIOChunk(data []byte) {
	if s.history != nil {
		s.history.Append(data)
	}
	s.broker.Publish(events.Event{Type: events.TypeConsoleOutput, Data: string(data)})
}

// publishIOLine emits one assembled program-output line.
func (s *Session) publishIOLine(line string) {
	s.broker.Publish(events.Event{Type: events.TypeIOOutput, Data: line})
}
