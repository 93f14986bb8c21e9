package protocol

// HandshakeRequest is the bare magic token the client writes immediately
// after connecting. It is the only message on the control channel that
// carries no header.
type HandshakeRequest struct {
	Magic string
}

func (h *HandshakeRequest) Encode() []byte {
	b := &Buffer{}
	b.WriteCString(h.Magic)
	return b.Bytes()
}

// DecodeHandshakeRequest reads the magic token from the front of data.
// A buffer that already holds MagicSize bytes with no NUL cannot be a
// valid handshake, so that case is ErrBadMagic rather than a short read.
func DecodeHandshakeRequest(data []byte) (*HandshakeRequest, int, error) {
	b := NewBuffer(data)
	magic, err := b.ReadCString()
	if err != nil {
		if len(data) >= MagicSize {
			return nil, 0, ErrBadMagic
		}
		return nil, 0, ErrShortRead
	}
	return &HandshakeRequest{Magic: magic}, b.Offset(), nil
}

// HandshakeResponse is the device's reply: the echoed magic plus the
// protocol version. Protocol v3 and later append a revision timestamp.
type HandshakeResponse struct {
	PacketLength uint32
	RequestID    uint32
	ErrorCode    ErrorCode

	Magic             string
	Major             uint32
	Minor             uint32
	Patch             uint32
	RevisionTimestamp int64
}

func (h *HandshakeResponse) Encode() []byte {
	b := &Buffer{}
	b.WriteCString(h.Magic)
	b.WriteU32(h.Major)
	b.WriteU32(h.Minor)
	b.WriteU32(h.Patch)
	if h.Major >= 3 {
		b.WriteI64(h.RevisionTimestamp)
	}
	out := finishFrame(b, h.RequestID, uint32(h.ErrorCode))
	h.PacketLength = uint32(len(out))
	return out
}

func DecodeHandshakeResponse(data []byte) (*HandshakeResponse, int, error) {
	b, pkt, requestID, code, err := beginDecode(data)
	if err != nil {
		return nil, 0, err
	}
	h := &HandshakeResponse{
		PacketLength: pkt,
		RequestID:    requestID,
		ErrorCode:    ErrorCode(code),
	}
	if h.Magic, err = b.ReadCString(); err != nil {
		return nil, 0, within(err)
	}
	if h.Major, err = b.ReadU32(); err != nil {
		return nil, 0, within(err)
	}
	if h.Minor, err = b.ReadU32(); err != nil {
		return nil, 0, within(err)
	}
	if h.Patch, err = b.ReadU32(); err != nil {
		return nil, 0, within(err)
	}
	if h.Major >= 3 {
		if h.RevisionTimestamp, err = b.ReadI64(); err != nil {
			return nil, 0, within(err)
		}
	}
	return h, int(pkt), nil
}
