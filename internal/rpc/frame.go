package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Frames on an RPC substream are a 4-byte big-endian length followed by
// a JSON payload. A peer announcing a frame past the negotiated cap has
// broken protocol and the session is torn down.

var (
	ErrFrameTooLarge   = errors.New("rpc frame exceeds maximum size")
	ErrSessionClosed   = errors.New("rpc session closed")
	ErrHandshakeFailed = errors.New("rpc handshake failed")
)

// frameKind discriminates wire messages on a session.
type frameKind string

const (
	frameHandshake    frameKind = "handshake"
	frameHandshakeAck frameKind = "handshake_ack"
	frameRequest      frameKind = "request"
	frameResponse     frameKind = "response"
)

// frame is the single wire message shape; unused fields stay empty.
type frame struct {
	Kind frameKind `json:"kind"`

	// Handshake fields.
	ProtocolID string   `json:"protocol_id,omitempty"`
	Versions   []uint32 `json:"versions,omitempty"`
	// Ack fields.
	Version uint32     `json:"version,omitempty"`
	Status  StatusCode `json:"status,omitempty"`
	Message string     `json:"message,omitempty"`

	// Call fields.
	RequestID uint32 `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Body      []byte `json:"body,omitempty"`

	// Fin marks the last response frame of a call.
	Fin bool `json:"fin,omitempty"`

	// Deadline carries the caller's remaining budget on requests.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// framer reads and writes frames over one substream. Writes are
// serialized so concurrent handlers can respond on the same session.
type framer struct {
	rw      io.ReadWriter
	maxSize int

	writeMu sync.Mutex
}

func newFramer(rw io.ReadWriter, maxSize int) *framer {
	if maxSize <= 0 {
		maxSize = 4 * 1024 * 1024
	}
	return &framer{rw: rw, maxSize: maxSize}
}

func (f *framer) write(fr *frame) error {
	data, err := json.Marshal(fr)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > f.maxSize {
		return ErrFrameTooLarge
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := f.rw.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := f.rw.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (f *framer) read() (*frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(f.rw, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if int(length) > f.maxSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(f.rw, data); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	var fr frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &fr, nil
}
