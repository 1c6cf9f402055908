package cac

import (
	"errors"
	"net"

	"github.com/arloliu/go-ca/caproto"
	"github.com/arloliu/go-ca/internal/pool"
)

// recvBufferSize is the size of the per-circuit receive buffer.
const recvBufferSize = 16 * 1024

// inboundMessage is a reassembled response.
type inboundMessage struct {
	header caproto.Header
	// body is the pool buffer holding the payload, nil for empty payloads.
	body []byte
	// dropped is set when no body buffer was available and the payload was discarded.
	dropped bool
}

func (m inboundMessage) payload() []byte {
	if m.body == nil {
		return nil
	}

	return m.body[:m.header.PayloadSize]
}

// partialMessage is a message whose header was decoded and whose payload is still arriving.
type partialMessage struct {
	active bool
	header caproto.Header
	body   []byte
	filled int
}

// messageReader reassembles CA messages from the byte stream of a circuit.
//
// Reads go into a fixed receive buffer. Complete headers are decoded in place and payloads
// are copied into buffers from the two-tier pool, so a payload may span many reads. When
// the pool is exhausted the payload is skipped and the message is reported as dropped.
//
// messageReader is NOT goroutine-safe; it belongs to the receiver task of its circuit.
type messageReader struct {
	buf     []byte
	r, w    int
	partial partialMessage
	pool    *pool.BufferPool
	maxBody int
}

func newMessageReader(p *pool.BufferPool, maxBody int) *messageReader {
	return &messageReader{
		buf:     make([]byte, recvBufferSize),
		pool:    p,
		maxBody: maxBody,
	}
}

// fill reads once from conn into the free part of the buffer.
// full reports whether the read filled all the free space.
func (mr *messageReader) fill(conn net.Conn) (int, bool, error) {
	if mr.r == mr.w {
		mr.r, mr.w = 0, 0
	} else if mr.r > 0 {
		// keep a partial header at the front so the free space is as large as possible
		copy(mr.buf, mr.buf[mr.r:mr.w])
		mr.w -= mr.r
		mr.r = 0
	}

	space := len(mr.buf) - mr.w
	n, err := conn.Read(mr.buf[mr.w:])
	mr.w += n

	return n, n == space, err
}

// next returns the next complete message in the buffer. ok is false when more bytes are
// needed. An error is a protocol violation and fatal to the circuit.
func (mr *messageReader) next() (inboundMessage, bool, error) {
	if !mr.partial.active {
		hdr, n, err := caproto.DecodeHeader(mr.buf[mr.r:mr.w])
		if errors.Is(err, caproto.ErrHeaderTruncated) {
			return inboundMessage{}, false, nil
		}
		if err != nil {
			return inboundMessage{}, false, protocolViolation("recv", "%v", err)
		}

		if int64(hdr.PayloadSize) > int64(mr.maxBody) {
			return inboundMessage{}, false, protocolViolation("recv", "%s payload of %d bytes exceeds %d",
				hdr.Command, hdr.PayloadSize, mr.maxBody)
		}
		if hdr.PayloadSize%8 != 0 {
			return inboundMessage{}, false, protocolViolation("recv", "%s payload of %d bytes is not 8-byte aligned",
				hdr.Command, hdr.PayloadSize)
		}

		mr.r += n
		mr.partial = partialMessage{active: true, header: hdr}

		if hdr.PayloadSize > 0 {
			// a nil body discards the payload
			mr.partial.body, _ = mr.pool.Get(int(hdr.PayloadSize))
		}
	}

	p := &mr.partial
	size := int(p.header.PayloadSize)
	take := min(size-p.filled, mr.w-mr.r)
	if p.body != nil {
		copy(p.body[p.filled:], mr.buf[mr.r:mr.r+take])
	}
	p.filled += take
	mr.r += take

	if p.filled < size {
		return inboundMessage{}, false, nil
	}

	msg := inboundMessage{
		header:  p.header,
		body:    p.body,
		dropped: size > 0 && p.body == nil,
	}
	mr.partial = partialMessage{}

	return msg, true, nil
}

// release returns the body buffer of an unfinished message to the pool.
func (mr *messageReader) release() {
	if mr.partial.body != nil {
		mr.pool.Put(mr.partial.body)
	}
	mr.partial = partialMessage{}
}
