package caproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDBRType_Sizes(t *testing.T) {
	tests := []struct {
		dbrType   DBRType
		size      uint32
		valueSize uint32
	}{
		{DBRString, 40, 40},
		{DBRDouble, 8, 8},
		{DBRStsShort, 6, 2},
		{DBRTimeDouble, 24, 8},
		{DBRGrEnum, 422, 2},
		{DBRCtrlDouble, 80, 8},
		{DBRPutAckS, 2, 2},
		{DBRStsAckString, 48, 40},
		{DBRClassName, 40, 40},
	}

	for _, tt := range tests {
		t.Run(tt.dbrType.String(), func(t *testing.T) {
			require := require.New(t)
			require.Equal(tt.size, tt.dbrType.Size())
			require.Equal(tt.valueSize, tt.dbrType.ValueSize())
		})
	}

	require.Equal(t, uint32(0), DBRType(39).Size())
	require.Equal(t, "DBR_invalid(39)", DBRType(39).String())
}

func TestDBRType_SizeN(t *testing.T) {
	require := require.New(t)

	require.Equal(uint64(8), DBRDouble.SizeN(1))
	require.Equal(uint64(8), DBRDouble.SizeN(0))
	require.Equal(uint64(24+99*8), DBRTimeDouble.SizeN(100))
	require.Equal(uint64(400), DBRString.SizeN(10))
}

func TestDBRType_MaxCount(t *testing.T) {
	require := require.New(t)

	require.Equal(uint32(2048), DBRDouble.MaxCount(16384))
	require.Equal(uint32(2046), DBRTimeDouble.MaxCount(16384))
	require.Equal(uint32(0), DBRGrEnum.MaxCount(100))

	for _, dbrType := range []DBRType{DBRChar, DBRTimeLong, DBRCtrlFloat, DBRString} {
		n := dbrType.MaxCount(16384)
		require.LessOrEqual(dbrType.SizeN(n), uint64(16384))
		require.Greater(dbrType.SizeN(n+1), uint64(16384))
	}
}

func TestDBRType_CheckCount(t *testing.T) {
	require := require.New(t)

	require.NoError(DBRDouble.CheckCount(10, 10, 16384))
	require.ErrorIs(DBRDouble.CheckCount(11, 10, 16384), StatusBadCount)
	require.ErrorIs(DBRDouble.CheckCount(4096, 0, 16384), StatusTooLarge)
	require.ErrorIs(DBRType(77).CheckCount(1, 1, 16384), StatusBadType)
}

func TestValidateWritePayload(t *testing.T) {
	require := require.New(t)

	str := make([]byte, 80)
	copy(str, "hello")
	copy(str[40:], "world")
	require.NoError(ValidateWritePayload(DBRString, 2, str))

	for i := 40; i < 80; i++ {
		str[i] = 'x'
	}
	require.ErrorIs(ValidateWritePayload(DBRString, 2, str), StatusStrTooBig)

	require.ErrorIs(ValidateWritePayload(DBRTimeDouble, 1, make([]byte, 24)), StatusBadType)
	require.ErrorIs(ValidateWritePayload(DBRDouble, 2, make([]byte, 8)), StatusBadCount)
	require.ErrorIs(ValidateWritePayload(DBRDouble, 0, nil), StatusBadCount)
	require.NoError(ValidateWritePayload(DBRPutAckT, 1, []byte{0, 1}))
}
