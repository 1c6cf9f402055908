package caproto

import "strconv"

// DBRType is the database request type of a payload.
// Values are opaque to the client core; only element sizes are needed.
type DBRType uint16

// Base and compound DBR types.
const (
	DBRString DBRType = iota
	DBRShort
	DBRFloat
	DBREnum
	DBRChar
	DBRLong
	DBRDouble
	DBRStsString
	DBRStsShort
	DBRStsFloat
	DBRStsEnum
	DBRStsChar
	DBRStsLong
	DBRStsDouble
	DBRTimeString
	DBRTimeShort
	DBRTimeFloat
	DBRTimeEnum
	DBRTimeChar
	DBRTimeLong
	DBRTimeDouble
	DBRGrString
	DBRGrShort
	DBRGrFloat
	DBRGrEnum
	DBRGrChar
	DBRGrLong
	DBRGrDouble
	DBRCtrlString
	DBRCtrlShort
	DBRCtrlFloat
	DBRCtrlEnum
	DBRCtrlChar
	DBRCtrlLong
	DBRCtrlDouble
	DBRPutAckT
	DBRPutAckS
	DBRStsAckString
	DBRClassName

	// DBRLast is the highest defined DBR type.
	DBRLast = DBRClassName
)

// dbrSize is the size of one structure of each type, including the first value.
var dbrSize = [...]uint32{
	40, 2, 4, 2, 1, 4, 8, // plain
	44, 6, 8, 6, 6, 8, 16, // sts
	52, 16, 16, 16, 16, 16, 24, // time
	44, 24, 40, 422, 19, 36, 64, // gr
	44, 28, 48, 422, 21, 44, 80, // ctrl
	2, 2, 48, 40,
}

// valueSize is the size of each additional array element of each type.
var valueSize = [...]uint32{
	40, 2, 4, 2, 1, 4, 8,
	40, 2, 4, 2, 1, 4, 8,
	40, 2, 4, 2, 1, 4, 8,
	40, 2, 4, 2, 1, 4, 8,
	40, 2, 4, 2, 1, 4, 8,
	2, 2, 40, 40,
}

// IsValid reports whether t is a defined DBR type.
func (t DBRType) IsValid() bool {
	return t <= DBRLast
}

// IsString reports whether the value elements of t are fixed size strings.
func (t DBRType) IsString() bool {
	return t.IsValid() && valueSize[t] == MaxStringSize
}

// IsWritable reports whether t may be used in WRITE and WRITE_NOTIFY requests.
func (t DBRType) IsWritable() bool {
	return t <= DBRDouble || t == DBRPutAckT || t == DBRPutAckS
}

// Size returns the size of a single element structure of t.
func (t DBRType) Size() uint32 {
	if !t.IsValid() {
		return 0
	}

	return dbrSize[t]
}

// ValueSize returns the size of one value element of t.
func (t DBRType) ValueSize() uint32 {
	if !t.IsValid() {
		return 0
	}

	return valueSize[t]
}

// SizeN returns the payload size of count elements of t.
func (t DBRType) SizeN(count uint32) uint64 {
	if !t.IsValid() {
		return 0
	}
	if count == 0 {
		return uint64(dbrSize[t])
	}

	return uint64(dbrSize[t]) + uint64(count-1)*uint64(valueSize[t])
}

// MaxCount returns the largest element count of t that fits in maxBytes, zero if none does.
func (t DBRType) MaxCount(maxBytes uint32) uint32 {
	if !t.IsValid() || maxBytes < dbrSize[t] {
		return 0
	}

	return (maxBytes-dbrSize[t])/valueSize[t] + 1
}

// String returns the conventional DBR type name.
func (t DBRType) String() string {
	if !t.IsValid() {
		return "DBR_invalid(" + strconv.Itoa(int(t)) + ")"
	}

	return dbrNames[t]
}

var dbrNames = [...]string{
	"DBR_STRING", "DBR_SHORT", "DBR_FLOAT", "DBR_ENUM", "DBR_CHAR", "DBR_LONG", "DBR_DOUBLE",
	"DBR_STS_STRING", "DBR_STS_SHORT", "DBR_STS_FLOAT", "DBR_STS_ENUM", "DBR_STS_CHAR", "DBR_STS_LONG", "DBR_STS_DOUBLE",
	"DBR_TIME_STRING", "DBR_TIME_SHORT", "DBR_TIME_FLOAT", "DBR_TIME_ENUM", "DBR_TIME_CHAR", "DBR_TIME_LONG", "DBR_TIME_DOUBLE",
	"DBR_GR_STRING", "DBR_GR_SHORT", "DBR_GR_FLOAT", "DBR_GR_ENUM", "DBR_GR_CHAR", "DBR_GR_LONG", "DBR_GR_DOUBLE",
	"DBR_CTRL_STRING", "DBR_CTRL_SHORT", "DBR_CTRL_FLOAT", "DBR_CTRL_ENUM", "DBR_CTRL_CHAR", "DBR_CTRL_LONG", "DBR_CTRL_DOUBLE",
	"DBR_PUT_ACKT", "DBR_PUT_ACKS", "DBR_STSACK_STRING", "DBR_CLASS_NAME",
}

// CheckCount validates an element count of t against the array size limit.
//
// Counts beyond the channel native count are ECA_BADCOUNT; payloads that would exceed
// maxArrayBytes are ECA_TOLARGE. A zero nativeCount skips the first check.
func (t DBRType) CheckCount(count uint32, nativeCount uint32, maxArrayBytes uint32) error {
	if !t.IsValid() {
		return StatusBadType
	}
	if nativeCount > 0 && count > nativeCount {
		return StatusBadCount
	}
	if t.SizeN(count) > uint64(maxArrayBytes) {
		return StatusTooLarge
	}

	return nil
}

// ValidateWritePayload checks a WRITE payload of count elements of t.
//
// The payload must hold every element, and each string element must be NUL terminated
// within MaxStringSize bytes.
func ValidateWritePayload(t DBRType, count uint32, payload []byte) error {
	if !t.IsWritable() {
		return StatusBadType
	}
	if count == 0 {
		return StatusBadCount
	}

	elemSize := uint64(t.ValueSize())
	if uint64(len(payload)) < uint64(count)*elemSize {
		return StatusBadCount
	}

	if t != DBRString {
		return nil
	}

	for i := uint32(0); i < count; i++ {
		elem := payload[uint64(i)*elemSize : uint64(i+1)*elemSize]
		terminated := false
		for _, b := range elem {
			if b == 0 {
				terminated = true
				break
			}
		}
		if !terminated {
			return StatusStrTooBig
		}
	}

	return nil
}
