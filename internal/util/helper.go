// Package util contains small byte helpers shared by the protocol packages.
package util

// AlignUp8 rounds n up to the next multiple of 8.
func AlignUp8(n int) int {
	return (n + 7) &^ 7
}

// PaddedString returns s followed by a NUL terminator, zero padded to a multiple of 8 bytes.
func PaddedString(s string) []byte {
	buf := make([]byte, AlignUp8(len(s)+1))
	copy(buf, s)

	return buf
}

// CString returns the bytes of b up to, not including, the first NUL.
func CString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
