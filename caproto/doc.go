// Package caproto implements the wire level of the Channel Access (CA) protocol, version 4.
//
// It offers encoding/decoding of the 16-byte CA message header including the extended
// (large payload) form, constructors for every client request, decoders for the
// server replies consumed by a client, and the flat status enumeration shared by locally
// detected errors and exceptions carried on the wire.
//
// Message Header:
// Every CA message starts with a header in network byte order:
//
//	u16 command | u16 payload size | u16 data type | u16 count | u32 cid | u32 available
//
// When the payload size or the element count does not fit in 16 bits, the payload size is
// set to 0xFFFF, the count to 0, and an 8-byte annex carrying the 32-bit size and count
// follows the header. Payloads are always padded to a multiple of 8 bytes.
//
// Status:
// Status values are the ECA codes: message number in the upper bits, severity in the low
// three bits. Status implements error, and Error adds the scope of the failure (single
// operation or whole circuit) together with the failing operation.
//
// DBR Types:
// The package knows the size of every DBR type so that element counts can be validated
// against the negotiated maximum array size. Conversion of the values themselves is left
// to the caller; payloads are handled as opaque byte slices.
package caproto
