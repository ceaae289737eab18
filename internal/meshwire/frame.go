package meshwire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
)

// DefaultMaxFrameSize is the default cap on a single frame body.
const DefaultMaxFrameSize = 8 * 1024 * 1024

// ErrFrameTooLarge is the error ReadEnvelope logs (it never panics on it, and
// returns a nil envelope rather than the error) when a frame's declared length
// exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("meshwire: frame exceeds max frame size")

// WriteEnvelope serializes env as JSON and writes it to w as
// [4-byte big-endian length][JSON body]. Fields that are absent or empty are
// omitted so older peers can still parse a frame from a newer one.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// ReadEnvelope reads one frame from r and parses it. On any I/O failure,
// malformed length, oversized frame, malformed JSON, or UTF-8 error it
// returns nil and logs at debug level — callers must treat a nil
// envelope as an instruction to drop the connection. ReadEnvelope itself
// never panics on untrusted input.
func ReadEnvelope(r io.Reader, maxFrameSize int) *Envelope {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		slog.Debug("meshwire: frame length read failed", "error", err)
		return nil
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxFrameSize {
		slog.Debug("meshwire: frame rejected", "error", ErrFrameTooLarge, "declared_len", n, "max", maxFrameSize)
		return nil
	}

	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			slog.Debug("meshwire: frame body read failed", "error", err)
			return nil
		}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Debug("meshwire: frame body malformed", "error", err)
		return nil
	}

	return &env
}
