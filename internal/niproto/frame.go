// Package niproto implements the NI wire framing used by the SAP routing and
// dispatcher protocols, plus a best-effort decoder for the outer message
// headers this honeypot needs to understand. It is the internal stand-in for
// the "external protocol codec library" spec.md treats as a collaborator:
// no such Go library exists in the reachable ecosystem for this proprietary
// binary format, so the wire shapes below are a self-consistent, from-scratch
// encoding rather than a byte-for-byte replica of the real SAP wire format.
package niproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameLen is the default maximum NI frame payload length.
const DefaultMaxFrameLen = 65535

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// configured maximum.
var ErrFrameTooLarge = errors.New("niproto: frame exceeds max length")

// ErrShortFrame is returned when the stream closes before a full frame body
// has been read. Per spec.md 4.A this is a protocol error that terminates
// the connection, not a recoverable condition.
var ErrShortFrame = errors.New("niproto: short frame (EOF mid-frame)")

// ReadFrame reads one length-prefixed NI message from r: a 4-byte
// big-endian length followed by that many payload bytes. maxLen bounds the
// accepted length; pass 0 to use DefaultMaxFrameLen.
func ReadFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	if maxLen == 0 {
		maxLen = DefaultMaxFrameLen
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("niproto: read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxLen {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, fmt.Errorf("niproto: read payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed NI message to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("niproto: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("niproto: write payload: %w", err)
	}
	return nil
}

// DecodeError wraps a payload that failed to decode as a known message,
// along with the raw bytes and a hex dump, per spec.md 7.2.
type DecodeError struct {
	Err     error
	Payload []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("niproto: decode failed: %v (%d bytes)", e.Err, len(e.Payload))
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HexDump renders the offending payload as a hex string for logging.
func (e *DecodeError) HexDump() string {
	return fmt.Sprintf("%x", e.Payload)
}
