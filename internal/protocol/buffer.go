package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	// ErrShortRead means the buffer does not yet hold a complete value.
	// Recoverable: the caller retries once more bytes have arrived.
	ErrShortRead = errors.New("short read")

	// ErrBadMagic means a handshake carried the wrong magic token.
	// Fatal to the session.
	ErrBadMagic = errors.New("bad handshake magic")

	// ErrMalformedFrame means a frame's body could not be decoded even
	// though its declared packet_length was fully present.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUpdateMismatch means the frame is not the update type the
	// decoder was asked for. The caller tries the next decoder.
	ErrUpdateMismatch = errors.New("update type mismatch")

	// ErrUnknownCommand means a request carried a command code outside
	// the known enum.
	ErrUnknownCommand = errors.New("unknown command code")
)

// Buffer is a growable byte buffer with an independent read cursor.
// All integers are little-endian; strings are NUL-terminated UTF-8.
//
// Reads never consume on failure: a read past the end returns
// ErrShortRead and leaves the cursor where it was, so a decode can be
// retried once more bytes arrive.
type Buffer struct {
	data []byte
	off  int
}

// NewBuffer wraps data without copying. The caller must not mutate data
// while the Buffer is in use.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the full underlying contents (read and unread).
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the total number of bytes held.
func (b *Buffer) Len() int { return len(b.data) }

// Offset returns the read cursor position.
func (b *Buffer) Offset() int { return b.off }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.data) - b.off }

// --- Readers ---

func (b *Buffer) ReadU8() (uint8, error) {
	if b.Remaining() < 1 {
		return 0, ErrShortRead
	}
	v := b.data[b.off]
	b.off++
	return v, nil
}

func (b *Buffer) ReadU32() (uint32, error) {
	if b.Remaining() < 4 {
		return 0, ErrShortRead
	}
	v := binary.LittleEndian.Uint32(b.data[b.off:])
	b.off += 4
	return v, nil
}

func (b *Buffer) ReadI32() (int32, error) {
	v, err := b.ReadU32()
	return int32(v), err
}

func (b *Buffer) ReadI64() (int64, error) {
	if b.Remaining() < 8 {
		return 0, ErrShortRead
	}
	v := binary.LittleEndian.Uint64(b.data[b.off:])
	b.off += 8
	return int64(v), nil
}

// ReadCString consumes bytes up to and including the next NUL and
// returns the preceding bytes as a string.
func (b *Buffer) ReadCString() (string, error) {
	i := bytes.IndexByte(b.data[b.off:], 0)
	if i < 0 {
		return "", ErrShortRead
	}
	s := string(b.data[b.off : b.off+i])
	b.off += i + 1
	return s, nil
}

// --- Writers ---

func (b *Buffer) WriteU8(v uint8) {
	b.data = append(b.data, v)
}

func (b *Buffer) WriteU32(v uint32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
}

func (b *Buffer) WriteI32(v int32) {
	b.WriteU32(uint32(v))
}

func (b *Buffer) WriteI64(v int64) {
	b.data = binary.LittleEndian.AppendUint64(b.data, uint64(v))
}

func (b *Buffer) WriteCString(s string) {
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
}

// PrependU32 inserts v at the front of the buffer. Request and update
// headers are built this way: the body is written first, then the header
// fields are prepended in reverse order once the body length is known.
// An advanced read cursor is shifted so it keeps addressing the same
// byte; a cursor still at offset 0 stays there, so the prepended bytes
// are read first.
func (b *Buffer) PrependU32(v uint32) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], v)
	b.data = append(hdr[:], b.data...)
	if b.off > 0 {
		b.off += 4
	}
}
