package caproto

import "testing"

func BenchmarkDecodeHeader_Short(b *testing.B) {
	buf := NewReadNotifyRequest(DBRDouble, 1, 10, 20).ToBytes()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := DecodeHeader(buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeHeader_Extended(b *testing.B) {
	buf := Header{Command: CmdReadNotify, PayloadSize: 0x100000, Count: 0x20000}.AppendTo(nil)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := DecodeHeader(buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSearchDatagram(b *testing.B) {
	b.ReportAllocs()
	buf := make([]byte, 0, MaxUDPSend)
	for i := 0; i < b.N; i++ {
		buf = NewSearchVersion(uint32(i)).AppendTo(buf[:0]) //nolint:gosec
		for cid := uint32(0); cid < 20; cid++ {
			buf = NewSearchRequest("SR:C01-MG:G02A{Quad:1}Fld-I", cid, false).AppendTo(buf)
		}
	}
}
