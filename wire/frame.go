// Package wire implements the kernel's IPC transport: length-prefixed
// msgpack frames on a persistent TCP connection, with client-assigned
// correlation ids so requests pipeline freely.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize caps one frame body at 16 MiB. Larger frames are rejected as
// malformed on both ends.
const MaxFrameSize = 16 << 20

// lengthPrefixSize is the byte width of the frame length prefix.
const lengthPrefixSize = 4

// Frame is one message on the wire: a request, a response, or one streamed
// event. Responses reuse the request's correlation id.
type Frame struct {
	Service       string             `msgpack:"service"`
	Method        string             `msgpack:"method"`
	CorrelationID uint64             `msgpack:"correlation_id"`
	Payload       msgpack.RawMessage `msgpack:"payload,omitempty"`
	Error         *WireError         `msgpack:"error,omitempty"`
	// End terminates a stream sharing this correlation id.
	End bool `msgpack:"end,omitempty"`
}

// EncodePayload marshals v into the frame's payload.
func (f *Frame) EncodePayload(v any) error {
	if v == nil {
		f.Payload = nil
		return nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	f.Payload = data
	return nil
}

// DecodePayload unmarshals the frame's payload into v.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// WriteFrame writes one length-prefixed frame. Not safe for concurrent use;
// callers serialize writes per connection.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return NewWireError(CodeMalformedFrame, "frame of %d bytes exceeds %d byte limit", len(body), MaxFrameSize)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame. A short read surfaces as
// io.ErrUnexpectedEOF; an oversized or undecodable frame as a
// malformed_frame WireError.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, NewWireError(CodeMalformedFrame, "frame of %d bytes exceeds %d byte limit", length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var f Frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return nil, NewWireError(CodeMalformedFrame, "undecodable frame: %v", err)
	}
	return &f, nil
}
