// Package framing implements the length-prefixed JSON wire format used by
// every SSH control-channel message: a big-endian uint32 byte length
// followed by exactly that many bytes of UTF-8 JSON.
package framing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload, in bytes, the codec will decode.
// A connection that advertises a longer frame is treated as corrupt or
// hostile and the channel is closed.
const MaxFrameSize = 5 * 1024 * 1024

// ErrFrameTooLarge is returned by Decode when the advertised length exceeds MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("framing: frame exceeds max size of %d bytes", MaxFrameSize)

// Encode marshals v to JSON and writes it to w as a single length-prefixed frame.
func Encode(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("framing: marshal payload: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("framing: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed frame from r and unmarshals its JSON
// payload into v. It returns io.EOF (unwrapped) if the stream ended
// cleanly before any bytes of the next frame were read.
func Decode(r io.Reader, v any) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("framing: unmarshal payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its raw
// payload bytes without decoding JSON, for callers that need to inspect
// the message kind before choosing a target type.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("framing: truncated length prefix: %w", err)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("framing: truncated payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes raw bytes as a single length-prefixed frame, for
// callers relaying an already-encoded payload without round-tripping
// through JSON.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("framing: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	return nil
}
