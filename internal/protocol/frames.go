package protocol

import "errors"

// beginDecode reads the three common header fields and verifies the whole
// frame is buffered. The returned Buffer is limited to exactly
// packet_length bytes with the cursor just past the header, so body
// decoders cannot read into the next frame.
func beginDecode(data []byte) (b *Buffer, pkt, requestID, code uint32, err error) {
	b = NewBuffer(data)
	if pkt, err = b.ReadU32(); err != nil {
		return nil, 0, 0, 0, err
	}
	if requestID, err = b.ReadU32(); err != nil {
		return nil, 0, 0, 0, err
	}
	if code, err = b.ReadU32(); err != nil {
		return nil, 0, 0, 0, err
	}
	if int(pkt) < HeaderSize {
		return nil, 0, 0, 0, ErrMalformedFrame
	}
	if int(pkt) > len(data) {
		// Declared length exceeds what has arrived: need more data.
		return nil, 0, 0, 0, ErrShortRead
	}
	b.data = data[:pkt]
	return b, pkt, requestID, code, nil
}

// within converts a short read inside a fully-present frame into a
// malformed-frame error. Once packet_length bytes are buffered, running
// out of body can never be cured by more data.
func within(err error) error {
	if errors.Is(err, ErrShortRead) {
		return ErrMalformedFrame
	}
	return err
}

// finishFrame prepends [packet_length, request_id, code] to the body in b
// and returns the complete wire bytes. packet_length covers the header
// itself.
func finishFrame(b *Buffer, requestID, code uint32) []byte {
	b.PrependU32(code)
	b.PrependU32(requestID)
	b.PrependU32(uint32(b.Len()) + 4)
	return b.Bytes()
}

// InspectFrame reads just the common header of the frame at the front of
// data. Used by the session to skip past frames it cannot otherwise
// decode: a frame with a known length can be consumed even when its type
// is unrecognized.
func InspectFrame(data []byte) (packetLength, requestID uint32, err error) {
	b := NewBuffer(data)
	if packetLength, err = b.ReadU32(); err != nil {
		return 0, 0, err
	}
	if requestID, err = b.ReadU32(); err != nil {
		return 0, 0, err
	}
	if int(packetLength) < HeaderSize {
		return 0, 0, ErrMalformedFrame
	}
	if int(packetLength) > len(data) {
		return packetLength, requestID, ErrShortRead
	}
	return packetLength, requestID, nil
}
