package caproto

import (
	"testing"
)

// FuzzDecodeHeader feeds arbitrary bytes to the header decoder.
// DecodeHeader must never panic, and anything it accepts must encode back to the same header.
func FuzzDecodeHeader(f *testing.F) {
	f.Add(NewEchoRequest().ToBytes())
	f.Add(NewSearchRequest("PV:TEST", 1, true).ToBytes())
	f.Add(Header{Command: CmdReadNotify, PayloadSize: 0x10000, Count: 0x2000}.AppendTo(nil))
	f.Add([]byte{0x00, 0x0F, 0xFF, 0xFF, 0x00})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		h, n, err := DecodeHeader(data)
		if err != nil {
			return
		}
		if n != HeaderSize && n != ExtHeaderSize {
			t.Fatalf("unexpected header length %d", n)
		}

		again, _, err := DecodeHeader(h.AppendTo(nil))
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if again != h {
			t.Fatalf("round trip mismatch: %v != %v", again, h)
		}
	})
}
