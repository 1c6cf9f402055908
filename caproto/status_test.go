package caproto

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus_Encoding(t *testing.T) {
	tests := []struct {
		status   Status
		value    uint32
		severity Severity
		msgNo    uint32
	}{
		{StatusNormal, 1, SeveritySuccess, 0},
		{StatusAllocMem, 48, SeverityWarning, 6},
		{StatusTooLarge, 72, SeverityWarning, 9},
		{StatusBadType, 114, SeverityError, 14},
		{StatusInternal, 142, SeverityFatal, 17},
		{StatusBadCount, 176, SeverityWarning, 22},
		{StatusDisconn, 192, SeverityWarning, 24},
		{StatusDblChnl, 200, SeverityWarning, 25},
		{StatusNoRdAccess, 368, SeverityWarning, 46},
		{StatusNoWtAccess, 376, SeverityWarning, 47},
		{StatusUnresponsiveTmo, 480, SeverityWarning, 60},
	}

	for _, tt := range tests {
		t.Run(tt.status.Message(), func(t *testing.T) {
			require := require.New(t)
			require.Equal(tt.value, uint32(tt.status))
			require.Equal(tt.severity, tt.status.Severity())
			require.Equal(tt.msgNo, tt.status.MsgNo())
		})
	}
}

func TestStatus_Message(t *testing.T) {
	require := require.New(t)

	require.True(StatusNormal.IsSuccess())
	require.False(StatusDisconn.IsSuccess())
	require.Equal("Virtual circuit disconnect", StatusDisconn.Message())
	require.Equal("Identical process variable names on multiple servers", StatusDblChnl.Error())
	require.Contains(Status(0xFFF8).Message(), "unknown status")
}

func TestError_Scope(t *testing.T) {
	require := require.New(t)

	opErr := NewOpError(StatusBadType, "read", "DBR_invalid(99)")
	require.False(opErr.IsCircuitFatal())
	require.Equal("read: The data type specified is invalid (DBR_invalid(99))", opErr.Error())

	circuitErr := NewCircuitError(StatusInternal, "dispatch", "")
	require.True(circuitErr.IsCircuitFatal())
	require.Equal("dispatch: Channel Access Internal Failure", circuitErr.Error())

	wrapped := fmt.Errorf("write failed: %w", NewOpError(StatusDisconn, "write", ""))
	require.ErrorIs(wrapped, StatusDisconn)

	var caErr *Error
	require.True(errors.As(wrapped, &caErr))
	require.Equal(ScopeOperation, caErr.Scope)
	require.Equal("operation", caErr.Scope.String())
	require.Equal("circuit", ScopeCircuit.String())

	cause := errors.New("protocol violation")
	violation := &Error{Status: StatusInternal, Scope: ScopeCircuit, Op: "recv", Context: "bad size", Err: cause}
	require.Equal("recv: protocol violation (bad size)", violation.Error())
	require.ErrorIs(violation, cause)
	require.ErrorIs(violation, StatusInternal)
	require.True(IsCircuitFatal(fmt.Errorf("abort: %w", violation)))
	require.False(IsCircuitFatal(opErr))
	require.False(IsCircuitFatal(cause))
}
