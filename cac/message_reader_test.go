package cac

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ca/caproto"
	"github.com/arloliu/go-ca/internal/pool"
)

// chunkConn returns one chunk per Read.
type chunkConn struct {
	net.Conn
	chunks [][]byte
}

func (c *chunkConn) Read(b []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}

	n := copy(b, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}

	return n, nil
}

// split cuts buf at the given offsets.
func split(buf []byte, offsets ...int) [][]byte {
	chunks := make([][]byte, 0, len(offsets)+1)
	prev := 0
	for _, off := range offsets {
		chunks = append(chunks, buf[prev:off])
		prev = off
	}

	return append(chunks, buf[prev:])
}

// readAll drains conn through the reader and returns every complete message.
func readAll(t *testing.T, mr *messageReader, conn net.Conn) ([]inboundMessage, error) {
	t.Helper()

	var msgs []inboundMessage
	for {
		_, _, err := mr.fill(conn)
		for {
			msg, ok, nerr := mr.next()
			if nerr != nil {
				return msgs, nerr
			}
			if !ok {
				break
			}
			msgs = append(msgs, msg)
		}
		if err != nil {
			return msgs, nil //nolint:nilerr
		}
	}
}

func TestMessageReader_Reassembly(t *testing.T) {
	require := require.New(t)

	payload := bytes.Repeat([]byte{0xAB}, 40)
	stream := appendFakeMsg(nil, caproto.Header{Command: caproto.CmdEcho}, nil)
	stream = appendFakeMsg(stream, caproto.Header{Command: caproto.CmdReadNotify, DataType: 6, Count: 5, CID: 1, Available: 2}, payload)
	stream = appendFakeMsg(stream, caproto.Header{Command: caproto.CmdAccessRights, CID: 3, Available: 3}, nil)

	tests := []struct {
		desc    string
		offsets []int
	}{
		{desc: "single read", offsets: nil},
		{desc: "header split", offsets: []int{7, 16, 20}},
		{desc: "payload spans reads", offsets: []int{32, 40, 50, 60}},
		{desc: "byte by byte", offsets: func() []int {
			offs := make([]int, 0, len(stream)-1)
			for i := 1; i < len(stream); i++ {
				offs = append(offs, i)
			}
			return offs
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			p := pool.NewBufferPool(64, 1024, 4, 1)
			mr := newMessageReader(p, 1024)

			msgs, err := readAll(t, mr, &chunkConn{chunks: split(stream, tt.offsets...)})
			require.NoError(err)
			require.Len(msgs, 3)

			require.Equal(caproto.CmdEcho, msgs[0].header.Command)
			require.Nil(msgs[0].payload())

			require.Equal(caproto.CmdReadNotify, msgs[1].header.Command)
			require.Equal(uint32(5), msgs[1].header.Count)
			require.Equal(payload, msgs[1].payload())
			require.False(msgs[1].dropped)

			require.Equal(caproto.CmdAccessRights, msgs[2].header.Command)
			require.Equal(uint32(3), msgs[2].header.Available)
		})
	}
}

func TestMessageReader_ExtendedHeader(t *testing.T) {
	require := require.New(t)

	payload := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0x2000)
	h := caproto.Header{Command: caproto.CmdEventAdd, DataType: 6, Count: 0x10000, CID: 1, Available: 9}
	stream := appendFakeMsg(nil, h, payload)
	require.True(caproto.Header{PayloadSize: uint32(len(payload)), Count: h.Count}.IsExtended())

	p := pool.NewBufferPool(64, len(payload), 4, 1)
	mr := newMessageReader(p, len(payload))

	msgs, err := readAll(t, mr, &chunkConn{chunks: split(stream, 10, 4000, 30000)})
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal(uint32(0x10000), msgs[0].header.Count)
	require.Equal(payload, msgs[0].payload())
}

func TestMessageReader_Violations(t *testing.T) {
	require := require.New(t)

	t.Run("Oversize payload", func(t *testing.T) {
		stream := appendFakeMsg(nil, caproto.Header{Command: caproto.CmdReadNotify}, make([]byte, 256))
		mr := newMessageReader(pool.NewBufferPool(64, 128, 4, 1), 128)

		_, err := readAll(t, mr, &chunkConn{chunks: [][]byte{stream}})
		require.ErrorIs(err, ErrProtocolViolation)
		require.ErrorIs(err, caproto.StatusInternal)
		require.True(caproto.IsCircuitFatal(err))
	})

	t.Run("Misaligned payload", func(t *testing.T) {
		stream := caproto.Header{Command: caproto.CmdReadNotify, PayloadSize: 12}.AppendTo(nil)
		stream = append(stream, make([]byte, 12)...)
		mr := newMessageReader(pool.NewBufferPool(64, 128, 4, 1), 128)

		_, err := readAll(t, mr, &chunkConn{chunks: [][]byte{stream}})
		require.ErrorIs(err, ErrProtocolViolation)
		require.True(caproto.IsCircuitFatal(err))
	})
}

func TestMessageReader_PoolExhausted(t *testing.T) {
	require := require.New(t)

	p := pool.NewBufferPool(64, 128, 1, 1)
	held, err := p.Get(64)
	require.NoError(err)
	held2, err := p.Get(128)
	require.NoError(err)

	stream := appendFakeMsg(nil, caproto.Header{Command: caproto.CmdEventAdd, CID: 1, Available: 1}, make([]byte, 32))
	stream = appendFakeMsg(stream, caproto.Header{Command: caproto.CmdEcho}, nil)

	mr := newMessageReader(p, 64)
	msgs, err := readAll(t, mr, &chunkConn{chunks: split(stream, 20)})
	require.NoError(err)
	require.Len(msgs, 2)

	// the payload was skipped but the stream stays in sync
	require.True(msgs[0].dropped)
	require.Nil(msgs[0].payload())
	require.Equal(caproto.CmdEcho, msgs[1].header.Command)

	p.Put(held)
	p.Put(held2)
}

func TestMessageReader_ReleasePartial(t *testing.T) {
	require := require.New(t)

	p := pool.NewBufferPool(64, 64, 1, 1)
	stream := appendFakeMsg(nil, caproto.Header{Command: caproto.CmdReadNotify, CID: 1, Available: 1}, make([]byte, 48))

	mr := newMessageReader(p, 64)
	msgs, err := readAll(t, mr, &chunkConn{chunks: [][]byte{stream[:30]}})
	require.NoError(err)
	require.Empty(msgs)

	small, _ := p.InUse()
	require.Equal(1, small)

	mr.release()
	small, _ = p.InUse()
	require.Equal(0, small)
}
