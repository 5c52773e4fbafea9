package deviceinfo

import "testing"

func TestEncodeDecodeAddressRoundTrip(t *testing.T) {
	addr := [6]byte{1, 2, 3, 4, 5, 6}
	buf := EncodeAddress(&addr)
	got, ok := DecodeAddress(buf)
	if !ok {
		t.Fatalf("decode failed")
	}
	if got == nil || *got != addr {
		t.Fatalf("got %v, want %v", got, addr)
	}
}

func TestEncodeDecodeAddressClear(t *testing.T) {
	buf := EncodeAddress(nil)
	if len(buf) != 0 {
		t.Fatalf("expected empty encoding for nil addr, got %v", buf)
	}
	got, ok := DecodeAddress(buf)
	if !ok || got != nil {
		t.Fatalf("expected clear decode, got %v ok=%v", got, ok)
	}
}

func TestDecodeAddressMalformed(t *testing.T) {
	if _, ok := DecodeAddress([]byte{tagMac, 3, 1, 2, 3}); ok {
		t.Fatal("expected decode failure for short mac field")
	}
}

func TestEncodeDecodeDeviceInfoRoundTrip(t *testing.T) {
	addr := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	name := "Polar H10 342FA123"
	buf := EncodeDeviceInfo(addr, name)
	gotAddr, gotName, err := DecodeDeviceInfo(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotAddr != addr || gotName != name {
		t.Fatalf("got (%v, %q), want (%v, %q)", gotAddr, gotName, addr, name)
	}
}

func TestEncodeDeviceInfoTruncatesName(t *testing.T) {
	addr := [6]byte{1, 2, 3, 4, 5, 6}
	long := ""
	for i := 0; i < 40; i++ {
		long += "x"
	}
	buf := EncodeDeviceInfo(addr, long)
	_, gotName, err := DecodeDeviceInfo(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gotName) != MaxNameLen {
		t.Fatalf("name length = %d, want %d", len(gotName), MaxNameLen)
	}
}
