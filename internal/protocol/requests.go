package protocol

// Request is a client frame on the control channel. The populated body
// fields depend on Command: Step uses ThreadIndex and StepType,
// StackTrace uses ThreadIndex, Variables uses Flags, ThreadIndex,
// StackFrameIndex and Path. Stop, Continue, Threads and ExitChannel
// carry no body.
type Request struct {
	PacketLength uint32
	RequestID    uint32
	Command      Command

	ThreadIndex     uint32
	StepType        StepType
	Flags           uint8
	StackFrameIndex uint32
	Path            []string
}

// Encode serializes the request: body first, then the header prepended
// once the total length is known. PacketLength is populated as a side
// effect.
func (r *Request) Encode() []byte {
	b := &Buffer{}
	switch r.Command {
	case CmdStep:
		b.WriteU32(r.ThreadIndex)
		b.WriteU8(uint8(r.StepType))
	case CmdStackTrace:
		b.WriteU32(r.ThreadIndex)
	case CmdVariables:
		b.WriteU8(r.Flags)
		b.WriteU32(r.ThreadIndex)
		b.WriteU32(r.StackFrameIndex)
		b.WriteU32(uint32(len(r.Path)))
		for _, p := range r.Path {
			b.WriteCString(p)
		}
	}
	out := finishFrame(b, r.RequestID, uint32(r.Command))
	r.PacketLength = uint32(len(out))
	return out
}

// DecodeRequest parses one client request from the front of data.
// An unrecognized command code returns ErrUnknownCommand with the frame
// length still reported, so the caller can consume the frame and keep
// the stream aligned.
func DecodeRequest(data []byte) (*Request, int, error) {
	b, pkt, requestID, code, err := beginDecode(data)
	if err != nil {
		return nil, 0, err
	}
	r := &Request{
		PacketLength: pkt,
		RequestID:    requestID,
		Command:      Command(code),
	}
	switch r.Command {
	case CmdStop, CmdContinue, CmdThreads, CmdExitChannel:
		// No body.
	case CmdStep:
		if r.ThreadIndex, err = b.ReadU32(); err != nil {
			return nil, 0, within(err)
		}
		st, err := b.ReadU8()
		if err != nil {
			return nil, 0, within(err)
		}
		r.StepType = StepType(st)
	case CmdStackTrace:
		if r.ThreadIndex, err = b.ReadU32(); err != nil {
			return nil, 0, within(err)
		}
	case CmdVariables:
		if r.Flags, err = b.ReadU8(); err != nil {
			return nil, 0, within(err)
		}
		if r.ThreadIndex, err = b.ReadU32(); err != nil {
			return nil, 0, within(err)
		}
		if r.StackFrameIndex, err = b.ReadU32(); err != nil {
			return nil, 0, within(err)
		}
		n, err := b.ReadU32()
		if err != nil {
			return nil, 0, within(err)
		}
		for i := uint32(0); i < n; i++ {
			p, err := b.ReadCString()
			if err != nil {
				return nil, 0, within(err)
			}
			r.Path = append(r.Path, p)
		}
	default:
		return nil, int(pkt), ErrUnknownCommand
	}
	return r, int(pkt), nil
}
