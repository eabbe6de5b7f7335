package link

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Version is the envelope version carried in every message.
const Version = "2.0"

// MaxFrameSize bounds a single frame on the wire.
const MaxFrameSize = 16 << 20

// Error codes, JSON-RPC 2.0 compatible.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

var (
	// ErrClosed is returned for calls on a closed link, including calls that
	// were pending when the transport went away.
	ErrClosed = errors.New("link closed")
	// ErrFrameTooLarge is returned when a peer announces a frame above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Message is the envelope for calls, notifications and responses.
// A call has an ID and a Method, a notification only a Method, and a
// response only an ID plus Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

func (m *Message) isResponse() bool {
	return m.ID != nil && m.Method == ""
}

// RemoteError is an error reported by the peer.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// NewError creates a RemoteError; handlers return it to choose the code sent to the peer.
func NewError(code int, format string, args ...interface{}) *RemoteError {
	return &RemoteError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// writeFrame writes a 4-byte big-endian length followed by the payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := w.Write(frame)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
