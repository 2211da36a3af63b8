package internal

import (
	"encoding/binary"
	"errors"
)

const (
	// MaxFrameSize caps the announced payload length of one inbound frame.
	// Anything larger is a protocol violation.
	MaxFrameSize = 16 << 20

	// MaxOutboundQueue caps the unsent bytes buffered for one session. A
	// peer that stops reading past this point gets terminated instead of
	// growing the queue without bound.
	MaxOutboundQueue = 32 << 20
)

var (
	// errWouldBlock marks a nonblocking operation that found the socket not
	// ready; the work is deferred to the next tick.
	errWouldBlock = errors.New("would block")

	// errPeerClosed marks an orderly shutdown by the peer.
	errPeerClosed = errors.New("peer closed connection")

	errFrameTooLarge = errors.New("frame length exceeds limit")
)

// ioFunc performs one nonblocking read or write against a socket. It must
// never block: a not-ready socket yields errWouldBlock, an orderly shutdown
// yields errPeerClosed, anything else is a transport failure.
type ioFunc func(p []byte) (int, error)

// frameReader reassembles length-prefixed frames from an arbitrarily chunked
// nonblocking byte stream. A frame is a 4-byte little-endian payload length
// followed by that many payload bytes.
type frameReader struct {
	lenBuf     [4]byte
	lenPos     int
	payload    []byte
	payloadPos int
}

// midFrame reports whether a frame is partially received.
func (fr *frameReader) midFrame() bool {
	return fr.lenPos > 0 || fr.payload != nil
}

// next advances the reassembly state machine as far as the socket allows and
// returns the next complete frame payload. It returns errWouldBlock when no
// full frame is available yet, errPeerClosed on orderly shutdown, and any
// other error verbatim.
func (fr *frameReader) next(read ioFunc) ([]byte, error) {
	for fr.lenPos < 4 {
		n, err := read(fr.lenBuf[fr.lenPos:4])
		fr.lenPos += n
		if err != nil {
			return nil, err
		}
	}
	if fr.payload == nil {
		length := binary.LittleEndian.Uint32(fr.lenBuf[:])
		if length > MaxFrameSize {
			return nil, errFrameTooLarge
		}
		fr.payload = make([]byte, length)
		fr.payloadPos = 0
	}
	for fr.payloadPos < len(fr.payload) {
		n, err := read(fr.payload[fr.payloadPos:])
		fr.payloadPos += n
		if err != nil {
			return nil, err
		}
	}
	frame := fr.payload
	fr.lenPos = 0
	fr.payload = nil
	fr.payloadPos = 0
	return frame, nil
}

// frameWriter is the per-session outbound byte queue. Frames are appended
// back to back (length prefix plus payload) and drained in order; pos tracks
// flush progress into the queue.
type frameWriter struct {
	buf []byte
	pos int
}

// enqueue appends one frame to the queue. It reports false when the queue
// would exceed MaxOutboundQueue.
func (fw *frameWriter) enqueue(payload []byte) bool {
	if len(fw.buf)+4+len(payload) > MaxOutboundQueue {
		return false
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	fw.buf = append(fw.buf, lenBuf[:]...)
	fw.buf = append(fw.buf, payload...)
	return true
}

func (fw *frameWriter) empty() bool {
	return len(fw.buf) == 0
}

// flush writes as many queued bytes as the socket accepts. A would-block
// outcome is not an error; once everything is sent the queue is cleared.
func (fw *frameWriter) flush(write ioFunc) error {
	for fw.pos < len(fw.buf) {
		n, err := write(fw.buf[fw.pos:])
		fw.pos += n
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				return nil
			}
			return err
		}
	}
	fw.buf = fw.buf[:0]
	fw.pos = 0
	return nil
}
