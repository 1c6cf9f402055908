package caproto

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/arloliu/go-ca/internal/util"
)

// Search reply modes carried in the data type field of a search request.
const (
	SearchDontReply uint16 = 5
	SearchDoReply   uint16 = 10
)

// sequenceNoIsValid marks a UDP version message whose cid field is a sequence number.
const sequenceNoIsValid uint16 = 1

// Access rights bits carried by ACCESS_RIGHTS.
const (
	AccessRead  uint32 = 1 << 0
	AccessWrite uint32 = 1 << 1
)

// Event masks for subscriptions.
const (
	EventValue    uint16 = 1 << 0
	EventLog      uint16 = 1 << 1
	EventAlarm    uint16 = 1 << 2
	EventProperty uint16 = 1 << 3
)

// eventAddPayloadSize is the size of the EVENT_ADD payload: low, high, timeout and mask.
const eventAddPayloadSize = 16

// Message is a complete CA message: a header and its padded payload.
type Message struct {
	Header
	Payload []byte
}

// newMessage builds a message, padding the payload to a multiple of 8 bytes.
func newMessage(cmd Command, dataType uint16, count uint32, cid uint32, available uint32, payload []byte) *Message {
	size := util.AlignUp8(len(payload))
	if size != len(payload) {
		padded := make([]byte, size)
		copy(padded, payload)
		payload = padded
	}

	return &Message{
		Header: Header{
			Command:     cmd,
			PayloadSize: uint32(size), //nolint:gosec
			DataType:    dataType,
			Count:       count,
			CID:         cid,
			Available:   available,
		},
		Payload: payload,
	}
}

// Len returns the encoded size of the message.
func (m *Message) Len() int {
	return m.Header.Size() + len(m.Payload)
}

// AppendTo appends the encoded message to dst and returns the extended slice.
func (m *Message) AppendTo(dst []byte) []byte {
	dst = m.Header.AppendTo(dst)
	return append(dst, m.Payload...)
}

// ToBytes serializes the message for transmission.
func (m *Message) ToBytes() []byte {
	return m.AppendTo(make([]byte, 0, m.Len()))
}

// NewVersionRequest creates the VERSION message opening a TCP circuit.
// The data type field carries the circuit priority.
func NewVersionRequest(priority uint16) *Message {
	return newMessage(CmdVersion, priority, uint32(MinorRevision), 0, 0, nil)
}

// NewSearchVersion creates the VERSION message heading a search datagram.
// seq is echoed back by servers and used for round trip estimation.
func NewSearchVersion(seq uint32) *Message {
	return newMessage(CmdVersion, sequenceNoIsValid, uint32(MinorRevision), seq, 0, nil)
}

// NewSearchRequest creates a SEARCH sub-message for a channel name.
func NewSearchRequest(name string, cid uint32, reply bool) *Message {
	mode := SearchDontReply
	if reply {
		mode = SearchDoReply
	}

	return newMessage(CmdSearch, mode, uint32(MinorRevision), cid, cid, util.PaddedString(name))
}

// NewCreateChanRequest creates the CREATE_CHAN request claiming a channel on a circuit.
func NewCreateChanRequest(name string, cid uint32) *Message {
	return newMessage(CmdCreateChan, 0, 0, cid, uint32(MinorRevision), util.PaddedString(name))
}

// NewClearChannelRequest creates the CLEAR_CHANNEL request releasing a claimed channel.
func NewClearChannelRequest(sid uint32, cid uint32) *Message {
	return newMessage(CmdClearChannel, 0, 0, sid, cid, nil)
}

// NewReadNotifyRequest creates a READ_NOTIFY request.
func NewReadNotifyRequest(dataType DBRType, count uint32, sid uint32, ioid uint32) *Message {
	return newMessage(CmdReadNotify, uint16(dataType), count, sid, ioid, nil)
}

// NewWriteRequest creates a WRITE request; no reply is expected.
func NewWriteRequest(dataType DBRType, count uint32, sid uint32, ioid uint32, payload []byte) *Message {
	return newMessage(CmdWrite, uint16(dataType), count, sid, ioid, payload)
}

// NewWriteNotifyRequest creates a WRITE_NOTIFY request.
func NewWriteNotifyRequest(dataType DBRType, count uint32, sid uint32, ioid uint32, payload []byte) *Message {
	return newMessage(CmdWriteNotify, uint16(dataType), count, sid, ioid, payload)
}

// NewEventAddRequest creates an EVENT_ADD request installing a subscription.
func NewEventAddRequest(dataType DBRType, count uint32, sid uint32, subID uint32, mask uint16) *Message {
	payload := make([]byte, eventAddPayloadSize)
	// low, high and timeout are unused by servers and stay zero
	binary.BigEndian.PutUint32(payload[0:], math.Float32bits(0))
	binary.BigEndian.PutUint32(payload[4:], math.Float32bits(0))
	binary.BigEndian.PutUint32(payload[8:], math.Float32bits(0))
	binary.BigEndian.PutUint16(payload[12:], mask)

	return newMessage(CmdEventAdd, uint16(dataType), count, sid, subID, payload)
}

// NewEventCancelRequest creates an EVENT_CANCEL request removing a subscription.
func NewEventCancelRequest(dataType DBRType, count uint32, sid uint32, subID uint32) *Message {
	return newMessage(CmdEventCancel, uint16(dataType), count, sid, subID, nil)
}

// NewEventsOffRequest asks the server to stop sending subscription updates.
func NewEventsOffRequest() *Message {
	return newMessage(CmdEventsOff, 0, 0, 0, 0, nil)
}

// NewEventsOnRequest asks the server to resume sending subscription updates.
func NewEventsOnRequest() *Message {
	return newMessage(CmdEventsOn, 0, 0, 0, 0, nil)
}

// NewEchoRequest creates an ECHO probe.
func NewEchoRequest() *Message {
	return newMessage(CmdEcho, 0, 0, 0, 0, nil)
}

// NewReadSyncRequest creates the READ_SYNC message used as a probe for servers older than 4.3.
func NewReadSyncRequest() *Message {
	return newMessage(CmdReadSync, 0, 0, 0, 0, nil)
}

// NewHostNameRequest announces the local host name on a circuit.
func NewHostNameRequest(name string) *Message {
	return newMessage(CmdHostName, 0, 0, 0, 0, util.PaddedString(name))
}

// NewClientNameRequest announces the local user name on a circuit.
func NewClientNameRequest(name string) *Message {
	return newMessage(CmdClientName, 0, 0, 0, 0, util.PaddedString(name))
}

// NewRepeaterRegisterRequest registers a client with the local repeater.
func NewRepeaterRegisterRequest(addr uint32) *Message {
	return newMessage(CmdRepeaterRegister, 0, 0, 0, addr, nil)
}

// SearchReply is a decoded search response.
type SearchReply struct {
	// Port is the server TCP port.
	Port uint16
	// Addr is the server IPv4 address announced in the reply, zero when the
	// datagram source should be used.
	Addr uint32
	// CID is the client channel id the reply answers.
	CID uint32
	// MinorVersion is the server protocol minor revision, UnknownMinorVersion when absent.
	MinorVersion uint16
}

// anyAddress is the address value meaning "use the datagram source".
const anyAddress = 0xFFFFFFFF

// DecodeSearchReply decodes a SEARCH response header and payload.
func DecodeSearchReply(h Header, payload []byte) SearchReply {
	reply := SearchReply{
		Port:         h.DataType,
		CID:          h.Available,
		MinorVersion: UnknownMinorVersion,
	}

	if h.CID != anyAddress {
		reply.Addr = h.CID
	}

	if h.PayloadSize >= 2 && len(payload) >= 2 {
		reply.MinorVersion = binary.BigEndian.Uint16(payload)
	}

	return reply
}

// Beacon is a decoded RSRV_IS_UP message.
type Beacon struct {
	// MinorVersion is the server protocol minor revision.
	MinorVersion uint16
	// Port is the server TCP port.
	Port uint16
	// Seq is the beacon sequence number.
	Seq uint32
	// Addr is the server IPv4 address, zero when the datagram source should be used.
	Addr uint32
}

// DecodeBeacon decodes an RSRV_IS_UP header.
func DecodeBeacon(h Header) Beacon {
	return Beacon{
		MinorVersion: h.DataType,
		Port:         uint16(h.Count), //nolint:gosec
		Seq:          h.CID,
		Addr:         h.Available,
	}
}

// Exception is a decoded ERROR message: the status, the header of the request that failed
// and the server supplied context string.
type Exception struct {
	Status  Status
	CID     uint32
	Request Header
	Context string
}

// DecodeException decodes the payload of an ERROR message.
func DecodeException(h Header, payload []byte) (Exception, error) {
	req, n, err := DecodeHeader(payload)
	if err != nil {
		if errors.Is(err, ErrHeaderTruncated) {
			return Exception{}, ErrExceptionTruncated
		}
		return Exception{}, err
	}

	return Exception{
		Status:  Status(h.Available),
		CID:     h.CID,
		Request: req,
		Context: util.CString(payload[n:]),
	}, nil
}
