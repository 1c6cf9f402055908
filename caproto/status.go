package caproto

import (
	"errors"
	"fmt"
	"strconv"
)

// Severity is the severity carried in the low bits of a Status.
type Severity uint32

// Status severities.
const (
	SeverityWarning Severity = 0
	SeveritySuccess Severity = 1
	SeverityError   Severity = 2
	SeverityInfo    Severity = 3
	SeveritySevere  Severity = 4
	SeverityFatal   Severity = SeverityError | SeveritySevere
)

const (
	severityMask  = 0x07
	msgNumShift   = 3
	msgNumMask    = 0xFFF8
	successMsgBit = 1
)

// Status is a CA status code (ECA_*). It is used for locally detected failures as well as
// for the status carried by replies and ERROR messages.
type Status uint32

func defStatus(sev Severity, num uint32) Status {
	return Status((num << msgNumShift) | uint32(sev))
}

// Status codes, numbered as on the wire.
var (
	StatusNormal          = defStatus(SeveritySuccess, 0)
	StatusMaxIOC          = defStatus(SeverityError, 1)
	StatusUnknownHost     = defStatus(SeverityError, 2)
	StatusUnknownService  = defStatus(SeverityError, 3)
	StatusSocket          = defStatus(SeverityError, 4)
	StatusConn            = defStatus(SeverityWarning, 5)
	StatusAllocMem        = defStatus(SeverityWarning, 6)
	StatusUnknownChan     = defStatus(SeverityWarning, 7)
	StatusUnknownField    = defStatus(SeverityWarning, 8)
	StatusTooLarge        = defStatus(SeverityWarning, 9)
	StatusTimeout         = defStatus(SeverityWarning, 10)
	StatusNoSupport       = defStatus(SeverityWarning, 11)
	StatusStrTooBig       = defStatus(SeverityWarning, 12)
	StatusDisconnChid     = defStatus(SeverityError, 13)
	StatusBadType         = defStatus(SeverityError, 14)
	StatusChidNotFound    = defStatus(SeverityInfo, 15)
	StatusChidRetry       = defStatus(SeverityInfo, 16)
	StatusInternal        = defStatus(SeverityFatal, 17)
	StatusDblClFail       = defStatus(SeverityWarning, 18)
	StatusGetFail         = defStatus(SeverityWarning, 19)
	StatusPutFail         = defStatus(SeverityWarning, 20)
	StatusAddFail         = defStatus(SeverityWarning, 21)
	StatusBadCount        = defStatus(SeverityWarning, 22)
	StatusBadStr          = defStatus(SeverityError, 23)
	StatusDisconn         = defStatus(SeverityWarning, 24)
	StatusDblChnl         = defStatus(SeverityWarning, 25)
	StatusEvDisallow      = defStatus(SeverityError, 26)
	StatusBuildGet        = defStatus(SeverityWarning, 27)
	StatusNeedsFP         = defStatus(SeverityWarning, 28)
	StatusOvEvFail        = defStatus(SeverityWarning, 29)
	StatusBadMonID        = defStatus(SeverityError, 30)
	StatusNewAddr         = defStatus(SeverityWarning, 31)
	StatusNewConn         = defStatus(SeverityInfo, 32)
	StatusNoCACtx         = defStatus(SeverityWarning, 33)
	StatusDefunct         = defStatus(SeverityFatal, 34)
	StatusEmptyStr        = defStatus(SeverityWarning, 35)
	StatusNoRepeater      = defStatus(SeverityWarning, 36)
	StatusNoChanMsg       = defStatus(SeverityWarning, 37)
	StatusDlckRest        = defStatus(SeverityWarning, 38)
	StatusServBehind      = defStatus(SeverityWarning, 39)
	StatusNoCast          = defStatus(SeverityWarning, 40)
	StatusBadMask         = defStatus(SeverityError, 41)
	StatusIODone          = defStatus(SeverityInfo, 42)
	StatusIOInProgress    = defStatus(SeverityInfo, 43)
	StatusBadSyncGrp      = defStatus(SeverityError, 44)
	StatusPutCBInProg     = defStatus(SeverityError, 45)
	StatusNoRdAccess      = defStatus(SeverityWarning, 46)
	StatusNoWtAccess      = defStatus(SeverityWarning, 47)
	StatusAnachronism     = defStatus(SeverityError, 48)
	StatusNoSearchAddr    = defStatus(SeverityWarning, 49)
	StatusNoConvert       = defStatus(SeverityWarning, 50)
	StatusBadChid         = defStatus(SeverityError, 51)
	StatusBadFuncPtr      = defStatus(SeverityError, 52)
	StatusIsAttached      = defStatus(SeverityWarning, 53)
	StatusUnavailInServ   = defStatus(SeverityWarning, 54)
	StatusChanDestroy     = defStatus(SeverityWarning, 55)
	StatusBadPriority     = defStatus(SeverityError, 56)
	StatusNotThreaded     = defStatus(SeverityError, 57)
	Status16KArrayClient  = defStatus(SeverityWarning, 58)
	StatusConnSeqTmo      = defStatus(SeverityWarning, 59)
	StatusUnresponsiveTmo = defStatus(SeverityWarning, 60)
)

var statusMessages = [...]string{
	"Normal successful completion",
	"Maximum simultaneous IOC connections exceeded",
	"Unknown internet host",
	"Unknown internet service",
	"Unable to allocate a new socket",
	"Unable to connect to internet host or service",
	"Unable to allocate additional dynamic memory",
	"Unknown IO channel",
	"Record field specified inappropriate for channel specified",
	"The requested transfer is greater than available memory or EPICS_CA_MAX_ARRAY_BYTES",
	"User specified timeout on IO operation expired",
	"Sorry, that feature is planned but not supported at this time",
	"The supplied string is unusually large",
	"The request was ignored because the specified channel is disconnected",
	"The data type specified is invalid",
	"Remote Channel not found",
	"Unable to locate all user specified channels",
	"Channel Access Internal Failure",
	"The requested local DB operation failed",
	"Channel read request failed",
	"Channel write request failed",
	"Channel subscription request failed",
	"Invalid element count requested",
	"Invalid string",
	"Virtual circuit disconnect",
	"Identical process variable names on multiple servers",
	"Request inappropriate within subscription (monitor) update callback",
	"Database value get for that channel failed during channel search",
	"Unable to initialize without the vxWorks VX_FP_TASK task option set",
	"Event queue overflow has prevented first pass event after event add",
	"Bad event subscription (monitor) identifier",
	"Remote channel has new network address",
	"New or resumed network connection",
	"Specified task isnt a member of a CA context",
	"Attempt to use defunct CA feature failed",
	"The supplied string is empty",
	"Unable to spawn the CA repeater thread- auto reconnect will fail",
	"No channel id match for search reply- search reply ignored",
	"Reseting dead connection- will try to reconnect",
	"Server (IOC) has fallen behind or is not responding- still waiting",
	"No internet interface with broadcast available",
	"Invalid event selection mask",
	"IO operations have completed",
	"IO operations are in progress",
	"Invalid synchronous group identifier",
	"Put callback timed out",
	"Read access denied",
	"Write access denied",
	"Requested feature is no longer supported",
	"Empty PV search address list",
	"No reasonable data conversion between client and server types",
	"Invalid channel identifier",
	"Invalid function pointer",
	"Thread is already attached to a client context",
	"Not supported by attached service",
	"User destroyed channel",
	"Invalid channel priority",
	"Preemptive callback not enabled - additional threads may not join context",
	"Client's protocol revision does not support transfers exceeding 16k bytes",
	"Virtual circuit connection sequence aborted",
	"Virtual circuit unresponsive",
}

// MsgNo returns the message number of the status.
func (s Status) MsgNo() uint32 {
	return (uint32(s) & msgNumMask) >> msgNumShift
}

// Severity returns the severity of the status.
func (s Status) Severity() Severity {
	return Severity(uint32(s) & severityMask)
}

// IsSuccess reports whether the status denotes success.
func (s Status) IsSuccess() bool {
	return uint32(s)&successMsgBit != 0
}

// Message returns the text associated with the status.
func (s Status) Message() string {
	if n := s.MsgNo(); int(n) < len(statusMessages) {
		return statusMessages[n]
	}

	return "unknown status " + strconv.FormatUint(uint64(s), 10)
}

// Error implements the error interface.
func (s Status) Error() string {
	return s.Message()
}

// Scope tells how far a failure reaches.
type Scope int

const (
	// ScopeOperation failures affect only the single request or channel they are reported to.
	ScopeOperation Scope = iota
	// ScopeCircuit failures are fatal to the circuit that detected them.
	ScopeCircuit
)

// String returns the scope name.
func (s Scope) String() string {
	if s == ScopeCircuit {
		return "circuit"
	}

	return "operation"
}

// Error is a CA failure with its status, scope and origin.
// Err optionally holds the local condition that caused it.
type Error struct {
	Status  Status
	Scope   Scope
	Op      string
	Context string
	Err     error
}

var _ error = (*Error)(nil)

// NewOpError returns an operation scoped error.
func NewOpError(status Status, op string, context string) *Error {
	return &Error{Status: status, Scope: ScopeOperation, Op: op, Context: context}
}

// NewCircuitError returns a circuit scoped error.
func NewCircuitError(status Status, op string, context string) *Error {
	return &Error{Status: status, Scope: ScopeCircuit, Op: op, Context: context}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Status.Message()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Context == "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}

	return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Context)
}

// Unwrap returns the status and the cause, so that errors.Is matches both.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Status}
	}

	return []error{e.Status, e.Err}
}

// IsCircuitFatal reports whether err is a circuit scoped *Error.
func IsCircuitFatal(err error) bool {
	var caErr *Error
	return errors.As(err, &caErr) && caErr.IsCircuitFatal()
}

// IsCircuitFatal reports whether the error must tear down the circuit.
func (e *Error) IsCircuitFatal() bool {
	return e.Scope == ScopeCircuit
}
