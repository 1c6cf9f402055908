package caproto

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size of the standard CA message header.
	HeaderSize = 16
	// ExtHeaderSize is the size of an extended header, standard header plus annex.
	ExtHeaderSize = HeaderSize + 8
	// ExtSizeMarker is the payload size value announcing the extended header.
	ExtSizeMarker = 0xFFFF

	// MaxUDPSend is the maximum size of a datagram assembled by the client.
	MaxUDPSend = 1024
	// MaxUDPRecv is the size of the buffer used to receive datagrams.
	MaxUDPRecv = 0xFFFF + 16
)

// Header is a decoded CA message header.
//
// PayloadSize and Count carry the 32-bit values of the extended form when it is used.
// The meaning of CID and Available depends on the command: channel ids, server ids,
// I/O ids, status codes, IP addresses and sequence numbers all travel in these fields.
type Header struct {
	Command     Command
	PayloadSize uint32
	DataType    uint16
	Count       uint32
	CID         uint32
	Available   uint32
}

// IsExtended reports whether the header needs the extended form on the wire.
func (h Header) IsExtended() bool {
	return h.PayloadSize >= ExtSizeMarker || h.Count >= ExtSizeMarker
}

// Size returns the encoded size of the header.
func (h Header) Size() int {
	if h.IsExtended() {
		return ExtHeaderSize
	}

	return HeaderSize
}

// AppendTo appends the encoded header to dst and returns the extended slice.
func (h Header) AppendTo(dst []byte) []byte {
	var buf [ExtHeaderSize]byte

	binary.BigEndian.PutUint16(buf[0:], uint16(h.Command))
	binary.BigEndian.PutUint16(buf[4:], h.DataType)
	binary.BigEndian.PutUint32(buf[8:], h.CID)
	binary.BigEndian.PutUint32(buf[12:], h.Available)

	if !h.IsExtended() {
		binary.BigEndian.PutUint16(buf[2:], uint16(h.PayloadSize)) //nolint:gosec
		binary.BigEndian.PutUint16(buf[6:], uint16(h.Count))       //nolint:gosec

		return append(dst, buf[:HeaderSize]...)
	}

	binary.BigEndian.PutUint16(buf[2:], ExtSizeMarker)
	binary.BigEndian.PutUint16(buf[6:], 0)
	binary.BigEndian.PutUint32(buf[16:], h.PayloadSize)
	binary.BigEndian.PutUint32(buf[20:], h.Count)

	return append(dst, buf[:]...)
}

// MarshalBinary encodes the header.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.AppendTo(make([]byte, 0, h.Size())), nil
}

// UnmarshalBinary decodes a header, standard or extended, from data.
func (h *Header) UnmarshalBinary(data []byte) error {
	hdr, _, err := DecodeHeader(data)
	if err != nil {
		return err
	}
	*h = hdr

	return nil
}

// DecodeHeader decodes the header at the start of buf.
//
// It returns the header and the number of bytes it occupies. ErrHeaderTruncated is
// returned when buf does not hold the complete header yet; the caller should read more
// bytes and retry.
func DecodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < HeaderSize {
		return Header{}, 0, ErrHeaderTruncated
	}

	h := Header{
		Command:     Command(binary.BigEndian.Uint16(buf[0:])),
		PayloadSize: uint32(binary.BigEndian.Uint16(buf[2:])),
		DataType:    binary.BigEndian.Uint16(buf[4:]),
		Count:       uint32(binary.BigEndian.Uint16(buf[6:])),
		CID:         binary.BigEndian.Uint32(buf[8:]),
		Available:   binary.BigEndian.Uint32(buf[12:]),
	}

	if h.PayloadSize != ExtSizeMarker {
		return h, HeaderSize, nil
	}

	if len(buf) < ExtHeaderSize {
		return Header{}, 0, ErrHeaderTruncated
	}

	h.PayloadSize = binary.BigEndian.Uint32(buf[16:])
	h.Count = binary.BigEndian.Uint32(buf[20:])

	return h, ExtHeaderSize, nil
}

// String returns a compact description of the header for diagnostics.
func (h Header) String() string {
	return fmt.Sprintf("%s size=%d type=%d count=%d cid=%d avail=%d",
		h.Command, h.PayloadSize, h.DataType, h.Count, h.CID, h.Available)
}
