package protocol

// Updates are unsolicited device frames: request_id is always zero and an
// update_type field follows the common header.

// beginUpdateDecode decodes the common header plus the update_type field,
// returning ErrUpdateMismatch when the frame is not the requested update
// (a response, or a different update type). The caller then tries the
// next decoder.
func beginUpdateDecode(data []byte, want UpdateType) (*Buffer, uint32, ErrorCode, error) {
	b, pkt, requestID, code, err := beginDecode(data)
	if err != nil {
		return nil, 0, 0, err
	}
	if requestID != 0 {
		return nil, 0, 0, ErrUpdateMismatch
	}
	ut, err := b.ReadU32()
	if err != nil {
		return nil, 0, 0, within(err)
	}
	if UpdateType(ut) != want {
		return nil, 0, 0, ErrUpdateMismatch
	}
	return b, pkt, ErrorCode(code), nil
}

// finishUpdate prepends the update header: update_type was already
// written as the first body field, so only the three common fields
// remain.
func finishUpdate(b *Buffer, errorCode ErrorCode) []byte {
	return finishFrame(b, 0, uint32(errorCode))
}

// AllThreadsStoppedUpdate reports that every thread has paused.
type AllThreadsStoppedUpdate struct {
	PacketLength       uint32
	ErrorCode          ErrorCode
	PrimaryThreadIndex int32
	StopReason         StopReason
	StopReasonDetail   string
}

func (u *AllThreadsStoppedUpdate) Encode() []byte {
	b := &Buffer{}
	b.WriteU32(uint32(UpdateAllThreadsStopped))
	b.WriteI32(u.PrimaryThreadIndex)
	b.WriteU8(uint8(u.StopReason))
	b.WriteCString(u.StopReasonDetail)
	out := finishUpdate(b, u.ErrorCode)
	u.PacketLength = uint32(len(out))
	return out
}

func DecodeAllThreadsStoppedUpdate(data []byte) (*AllThreadsStoppedUpdate, int, error) {
	b, pkt, code, err := beginUpdateDecode(data, UpdateAllThreadsStopped)
	if err != nil {
		return nil, 0, err
	}
	u := &AllThreadsStoppedUpdate{PacketLength: pkt, ErrorCode: code}
	if u.PrimaryThreadIndex, err = b.ReadI32(); err != nil {
		return nil, 0, within(err)
	}
	reason, err := b.ReadU8()
	if err != nil {
		return nil, 0, within(err)
	}
	u.StopReason = StopReason(reason)
	if u.StopReasonDetail, err = b.ReadCString(); err != nil {
		return nil, 0, within(err)
	}
	return u, int(pkt), nil
}

// ThreadAttachedUpdate reports that a new thread has joined and stopped.
type ThreadAttachedUpdate struct {
	PacketLength     uint32
	ErrorCode        ErrorCode
	ThreadIndex      int32
	StopReason       StopReason
	StopReasonDetail string
}

func (u *ThreadAttachedUpdate) Encode() []byte {
	b := &Buffer{}
	b.WriteU32(uint32(UpdateThreadAttached))
	b.WriteI32(u.ThreadIndex)
	b.WriteU8(uint8(u.StopReason))
	b.WriteCString(u.StopReasonDetail)
	out := finishUpdate(b, u.ErrorCode)
	u.PacketLength = uint32(len(out))
	return out
}

func DecodeThreadAttachedUpdate(data []byte) (*ThreadAttachedUpdate, int, error) {
	b, pkt, code, err := beginUpdateDecode(data, UpdateThreadAttached)
	if err != nil {
		return nil, 0, err
	}
	u := &ThreadAttachedUpdate{PacketLength: pkt, ErrorCode: code}
	if u.ThreadIndex, err = b.ReadI32(); err != nil {
		return nil, 0, within(err)
	}
	reason, err := b.ReadU8()
	if err != nil {
		return nil, 0, within(err)
	}
	u.StopReason = StopReason(reason)
	if u.StopReasonDetail, err = b.ReadCString(); err != nil {
		return nil, 0, within(err)
	}
	return u, int(pkt), nil
}

// IoPortOpenedUpdate tells the client which TCP port carries the running
// program's text output.
type IoPortOpenedUpdate struct {
	PacketLength uint32
	ErrorCode    ErrorCode
	Port         uint32
}

func (u *IoPortOpenedUpdate) Encode() []byte {
	b := &Buffer{}
	b.WriteU32(uint32(UpdateIoPortOpened))
	b.WriteU32(u.Port)
	out := finishUpdate(b, u.ErrorCode)
	u.PacketLength = uint32(len(out))
	return out
}

func DecodeIoPortOpenedUpdate(data []byte) (*IoPortOpenedUpdate, int, error) {
	b, pkt, code, err := beginUpdateDecode(data, UpdateIoPortOpened)
	if err != nil {
		return nil, 0, err
	}
	u := &IoPortOpenedUpdate{PacketLength: pkt, ErrorCode: code}
	if u.Port, err = b.ReadU32(); err != nil {
		return nil, 0, within(err)
	}
	return u, int(pkt), nil
}

// UndefinedUpdate is the device's empty placeholder update.
type UndefinedUpdate struct {
	PacketLength uint32
	ErrorCode    ErrorCode
}

func (u *UndefinedUpdate) Encode() []byte {
	b := &Buffer{}
	b.WriteU32(uint32(UpdateUndefined))
	out := finishUpdate(b, u.ErrorCode)
	u.PacketLength = uint32(len(out))
	return out
}

func DecodeUndefinedUpdate(data []byte) (*UndefinedUpdate, int, error) {
	_, pkt, code, err := beginUpdateDecode(data, UpdateUndefined)
	if err != nil {
		return nil, 0, err
	}
	return &UndefinedUpdate{PacketLength: pkt, ErrorCode: code}, int(pkt), nil
}
