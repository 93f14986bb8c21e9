package protocol

// EmptyResponse acknowledges a request that produces no payload:
// Stop, Continue, Step and ExitChannel.
type EmptyResponse struct {
	PacketLength uint32
	RequestID    uint32
	ErrorCode    ErrorCode
}

func (r *EmptyResponse) Encode() []byte {
	out := finishFrame(&Buffer{}, r.RequestID, uint32(r.ErrorCode))
	r.PacketLength = uint32(len(out))
	return out
}

func DecodeEmptyResponse(data []byte) (*EmptyResponse, int, error) {
	_, pkt, requestID, code, err := beginDecode(data)
	if err != nil {
		return nil, 0, err
	}
	return &EmptyResponse{
		PacketLength: pkt,
		RequestID:    requestID,
		ErrorCode:    ErrorCode(code),
	}, int(pkt), nil
}

// ThreadInfo describes one runtime thread in a Threads response.
type ThreadInfo struct {
	Primary          bool
	StopReason       StopReason
	StopReasonDetail string
	Line             uint32
	Function         string
	FilePath         string
}

// ThreadsResponse lists every thread known to the runtime.
type ThreadsResponse struct {
	PacketLength uint32
	RequestID    uint32
	ErrorCode    ErrorCode
	Threads      []ThreadInfo
}

func (r *ThreadsResponse) Encode() []byte {
	b := &Buffer{}
	b.WriteU32(uint32(len(r.Threads)))
	for _, t := range r.Threads {
		var flags uint8
		if t.Primary {
			flags |= ThreadFlagPrimary
		}
		b.WriteU8(flags)
		b.WriteU8(uint8(t.StopReason))
		b.WriteCString(t.StopReasonDetail)
		b.WriteU32(t.Line)
		b.WriteCString(t.Function)
		b.WriteCString(t.FilePath)
	}
	out := finishFrame(b, r.RequestID, uint32(r.ErrorCode))
	r.PacketLength = uint32(len(out))
	return out
}

func DecodeThreadsResponse(data []byte) (*ThreadsResponse, int, error) {
	b, pkt, requestID, code, err := beginDecode(data)
	if err != nil {
		return nil, 0, err
	}
	r := &ThreadsResponse{
		PacketLength: pkt,
		RequestID:    requestID,
		ErrorCode:    ErrorCode(code),
	}
	count, err := b.ReadU32()
	if err != nil {
		return nil, 0, within(err)
	}
	for i := uint32(0); i < count; i++ {
		var t ThreadInfo
		flags, err := b.ReadU8()
		if err != nil {
			return nil, 0, within(err)
		}
		t.Primary = flags&ThreadFlagPrimary != 0
		reason, err := b.ReadU8()
		if err != nil {
			return nil, 0, within(err)
		}
		t.StopReason = StopReason(reason)
		if t.StopReasonDetail, err = b.ReadCString(); err != nil {
			return nil, 0, within(err)
		}
		if t.Line, err = b.ReadU32(); err != nil {
			return nil, 0, within(err)
		}
		if t.Function, err = b.ReadCString(); err != nil {
			return nil, 0, within(err)
		}
		if t.FilePath, err = b.ReadCString(); err != nil {
			return nil, 0, within(err)
		}
		r.Threads = append(r.Threads, t)
	}
	return r, int(pkt), nil
}

// StackFrame is one entry of a StackTrace response, innermost first.
type StackFrame struct {
	Line     uint32
	Function string
	FilePath string
}

// StackTraceResponse carries the paused thread's call stack.
type StackTraceResponse struct {
	PacketLength uint32
	RequestID    uint32
	ErrorCode    ErrorCode
	Frames       []StackFrame
}

func (r *StackTraceResponse) Encode() []byte {
	b := &Buffer{}
	b.WriteU32(uint32(len(r.Frames)))
	for _, f := range r.Frames {
		b.WriteU32(f.Line)
		b.WriteCString(f.Function)
		b.WriteCString(f.FilePath)
	}
	out := finishFrame(b, r.RequestID, uint32(r.ErrorCode))
	r.PacketLength = uint32(len(out))
	return out
}

func DecodeStackTraceResponse(data []byte) (*StackTraceResponse, int, error) {
	b, pkt, requestID, code, err := beginDecode(data)
	if err != nil {
		return nil, 0, err
	}
	r := &StackTraceResponse{
		PacketLength: pkt,
		RequestID:    requestID,
		ErrorCode:    ErrorCode(code),
	}
	size, err := b.ReadU32()
	if err != nil {
		return nil, 0, within(err)
	}
	for i := uint32(0); i < size; i++ {
		var f StackFrame
		if f.Line, err = b.ReadU32(); err != nil {
			return nil, 0, within(err)
		}
		if f.Function, err = b.ReadCString(); err != nil {
			return nil, 0, within(err)
		}
		if f.FilePath, err = b.ReadCString(); err != nil {
			return nil, 0, within(err)
		}
		r.Frames = append(r.Frames, f)
	}
	return r, int(pkt), nil
}

// Variable is one entry of a Variables response. Value holds bool, int32
// or string according to Type, nil for VarTypeNone. Name is empty when
// the device omitted it (the requested variable itself); the session
// reconstructs it from the request's path.
type Variable struct {
	Container bool
	Type      VarType
	Name      string
	Value     any
}

// VariablesResponse carries the requested variable followed by its
// children when child keys were requested.
type VariablesResponse struct {
	PacketLength uint32
	RequestID    uint32
	ErrorCode    ErrorCode
	Variables    []Variable
}

func (r *VariablesResponse) Encode() []byte {
	b := &Buffer{}
	b.WriteU32(uint32(len(r.Variables)))
	for _, v := range r.Variables {
		var flags uint8
		if v.Container {
			flags |= VarEntryContainer
		}
		if v.Name != "" {
			flags |= VarEntryNamed
		}
		b.WriteU8(flags)
		b.WriteU8(uint8(v.Type))
		if flags&VarEntryNamed != 0 {
			b.WriteCString(v.Name)
		}
		switch v.Type {
		case VarTypeBool:
			val, _ := v.Value.(bool)
			if val {
				b.WriteU8(1)
			} else {
				b.WriteU8(0)
			}
		case VarTypeInt:
			val, _ := v.Value.(int32)
			b.WriteI32(val)
		case VarTypeString:
			val, _ := v.Value.(string)
			b.WriteCString(val)
		}
	}
	out := finishFrame(b, r.RequestID, uint32(r.ErrorCode))
	r.PacketLength = uint32(len(out))
	return out
}

// DecodeVariablesResponse parses a Variables response. requestPath is the
// path from the originating request; an unnamed first entry takes the
// path's last element as its name ("" for the root scope).
func DecodeVariablesResponse(data []byte, requestPath []string) (*VariablesResponse, int, error) {
	b, pkt, requestID, code, err := beginDecode(data)
	if err != nil {
		return nil, 0, err
	}
	r := &VariablesResponse{
		PacketLength: pkt,
		RequestID:    requestID,
		ErrorCode:    ErrorCode(code),
	}
	count, err := b.ReadU32()
	if err != nil {
		return nil, 0, within(err)
	}
	for i := uint32(0); i < count; i++ {
		var v Variable
		flags, err := b.ReadU8()
		if err != nil {
			return nil, 0, within(err)
		}
		v.Container = flags&VarEntryContainer != 0
		vt, err := b.ReadU8()
		if err != nil {
			return nil, 0, within(err)
		}
		v.Type = VarType(vt)
		if flags&VarEntryNamed != 0 {
			if v.Name, err = b.ReadCString(); err != nil {
				return nil, 0, within(err)
			}
		} else if i == 0 && len(requestPath) > 0 {
			v.Name = requestPath[len(requestPath)-1]
		}
		switch v.Type {
		case VarTypeBool:
			raw, err := b.ReadU8()
			if err != nil {
				return nil, 0, within(err)
			}
			v.Value = raw != 0
		case VarTypeInt:
			raw, err := b.ReadI32()
			if err != nil {
				return nil, 0, within(err)
			}
			v.Value = raw
		case VarTypeString:
			raw, err := b.ReadCString()
			if err != nil {
				return nil, 0, within(err)
			}
			v.Value = raw
		}
		r.Variables = append(r.Variables, v)
	}
	return r, int(pkt), nil
}
