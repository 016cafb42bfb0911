package ipc

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/weftworks/weft/internal/werr"
)

// Frames are 4-byte big-endian length prefixes followed by a UTF-8 JSON
// payload. MaxFrameSize bounds what either side accepts; a peer claiming
// more is talking a different protocol.
const MaxFrameSize = 8 << 20

// WriteFrame marshals v and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return werr.Wrap(werr.CodeProtocolError, err, "encoding frame")
	}
	if len(data) > MaxFrameSize {
		return werr.New(werr.CodeProtocolError, "frame of %d bytes exceeds limit", len(data))
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(data)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size == 0 {
		return nil, werr.New(werr.CodeProtocolError, "empty frame")
	}
	if size > MaxFrameSize {
		return nil, werr.New(werr.CodeProtocolError, "frame of %d bytes exceeds limit", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
