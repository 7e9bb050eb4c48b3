package shared

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/caleberi/chunkfs/common"
)

// WriteFrame encodes v as JSON, pads it with trailing spaces to exactly
// width bytes and writes the frame. Payloads longer than width are refused.
func WriteFrame(w io.Writer, width int, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return common.Errorf(common.ProtocolError, "cannot encode frame: %v", err)
	}
	if len(payload) > width {
		return common.Errorf(common.ProtocolError,
			"frame of %d bytes exceeds configured width %d", len(payload), width)
	}

	frame := make([]byte, width)
	copy(frame, payload)
	for i := len(payload); i < width; i++ {
		frame[i] = ' '
	}
	if _, err := w.Write(frame); err != nil {
		return common.Errorf(common.TransportError, "cannot write frame: %v", err)
	}
	return nil
}

// ReadFrame reads exactly width bytes, strips the padding and decodes the
// JSON payload into v. A closed peer or short frame is a TransportError;
// an undecodable payload is a ProtocolError.
func ReadFrame(r io.Reader, width int, v any) error {
	raw, err := ReadRawFrame(r, width)
	if err != nil {
		return err
	}
	return DecodeFrame(raw, v)
}

// ReadRawFrame reads one padded frame and returns the trimmed payload.
func ReadRawFrame(r io.Reader, width int) ([]byte, error) {
	frame := make([]byte, width)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, common.Errorf(common.TransportError, "peer closed connection")
		}
		return nil, common.Errorf(common.TransportError, "short frame: %v", err)
	}
	payload := bytes.TrimRight(frame, " \x00")
	if len(payload) == 0 {
		return nil, common.Errorf(common.TransportError, "empty frame")
	}
	return payload, nil
}

func DecodeFrame(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return common.Errorf(common.ProtocolError, "malformed frame: %v", err)
	}
	return nil
}
