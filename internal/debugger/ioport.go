package debugger

import (
	"bytes"
	"net"
	"strconv"
)

// connectIOPort opens the second TCP connection the device nominated in
// its IoPortOpened update and relays the running program's text output.
// Raw chunks go out as console-output (and into the history ring);
// assembled lines go out as io-output, with a partial last line held
// back until its newline arrives.
func (s *Session) connectIOPort(port uint32) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(port)))
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			s.log.Warn("dial io port", "addr", addr, "err", err)
			return
		}
		defer conn.Close()
		s.log.Debug("io port connected", "addr", addr)

		r := newLineReassembler(func(line string) {
			s.publishIOLine(line)
		})
		buf := make([]byte, sockReadBufSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				s.publishIOChunk(buf[:n])
				r.feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
}

// lineReassembler splits a byte stream into newline-terminated lines,
// preserving a partial last line across feeds.
type lineReassembler struct {
	partial []byte
	emit    func(line string)
}

func newLineReassembler(emit func(string)) *lineReassembler {
	return &lineReassembler{emit: emit}
}

func (r *lineReassembler) feed(data []byte) {
	r.partial = append(r.partial, data...)
	for {
		i := bytes.IndexByte(r.partial, '\n')
		if i < 0 {
			return
		}
		line := r.partial[:i]
		// The device terminates lines with CRLF.
		line = bytes.TrimSuffix(line, []byte{'\r'})
		r.emit(string(line))
		r.partial = r.partial[i+1:]
	}
}
