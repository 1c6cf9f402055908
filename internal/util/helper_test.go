package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlignUp8(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 0}, {1, 8}, {7, 8}, {8, 8}, {9, 16}, {40, 40}, {41, 48},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, AlignUp8(tt.in), "AlignUp8(%d)", tt.in)
	}
}

func TestPaddedString(t *testing.T) {
	require := require.New(t)

	b := PaddedString("PV:TEST")
	require.Len(b, 8)
	require.Equal(byte(0), b[7])
	require.Equal("PV:TEST", CString(b))

	b = PaddedString("PV:TEST1")
	require.Len(b, 16)
	require.Equal("PV:TEST1", CString(b))

	require.Equal("abc", CString([]byte("abc")))
}
