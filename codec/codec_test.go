package codec

import "testing"

func TestHrDataRoundTrip(t *testing.T) {
	cases := map[string]struct {
		msg HrData
		hex []byte
	}{
		"key5-hr72": {HrData{Key: 5, Hr: 72}, []byte{0x63, 0x05, 0x48}},
		"key0-hr0":  {HrData{Key: 0, Hr: 0}, []byte{0x63, 0x00, 0x00}},
		"key255-hr255": {HrData{Key: 255, Hr: 255}, []byte{0x63, 0xff, 0xff}},
	}
	for n, tc := range cases {
		var buf [16]byte
		written := tc.msg.Marshal(buf[:])
		if written != len(tc.hex) {
			t.Fatalf("%s: marshal wrote %d bytes, want %d", n, written, len(tc.hex))
		}
		for i := range tc.hex {
			if buf[i] != tc.hex[i] {
				t.Fatalf("%s: marshal byte %d = %#x, want %#x", n, i, buf[i], tc.hex[i])
			}
		}
		got, ok := UnmarshalHrData(buf[:written])
		if !ok {
			t.Fatalf("%s: unmarshal failed", n)
		}
		if got != tc.msg {
			t.Errorf("%s: unmarshal got %+v, want %+v", n, got, tc.msg)
		}
	}
}

func TestHrDataShortBuffer(t *testing.T) {
	m := HrData{Key: 1, Hr: 2}
	for n := 0; n < hrDataSize; n++ {
		buf := make([]byte, n)
		if written := m.Marshal(buf); written != 0 {
			t.Errorf("cap=%d: marshal returned %d, want 0", n, written)
		}
		if _, ok := UnmarshalHrData(buf); ok {
			t.Errorf("len=%d: unmarshal should have failed", n)
		}
	}
}

func TestSetNameMapKeyRoundTrip(t *testing.T) {
	msg := SetNameMapKey{Key: 9}
	var buf [8]byte
	written := msg.Marshal(buf[:])
	want := []byte{0x66, 0x09}
	if written != len(want) {
		t.Fatalf("marshal wrote %d bytes, want %d", written, len(want))
	}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, buf[i], want[i])
		}
	}
	got, ok := UnmarshalSetNameMapKey(buf[:written])
	if !ok || got != msg {
		t.Fatalf("unmarshal got %+v ok=%v, want %+v", got, ok, msg)
	}
}

func TestQueryDeviceByMacBroadcast(t *testing.T) {
	msg := QueryDeviceByMac{Addr: Broadcast}
	var buf [8]byte
	written := msg.Marshal(buf[:])
	if written != queryDeviceByMacSize {
		t.Fatalf("marshal wrote %d, want %d", written, queryDeviceByMacSize)
	}
	got, ok := UnmarshalQueryDeviceByMac(buf[:written])
	if !ok {
		t.Fatalf("unmarshal failed")
	}
	if !got.Addr.IsBroadcast() {
		t.Errorf("decoded addr %v is not broadcast", got.Addr)
	}
	if got != msg {
		t.Errorf("got %+v, want %+v", got, msg)
	}
}

func TestQueryDeviceByMacResponseRoundTrip(t *testing.T) {
	repeater := Addr{1, 2, 3, 4, 5, 6}
	device := Addr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	cases := map[string]QueryDeviceByMacResponse{
		"no-device": {RepeaterAddr: repeater, Key: 7, Device: nil},
		"with-device": {RepeaterAddr: repeater, Key: 7,
			Device: &DeviceInfo{Addr: device, Name: "Polar H10"}},
		"name-truncated": {RepeaterAddr: repeater, Key: 42,
			Device: &DeviceInfo{Addr: device, Name: longName(40)}},
	}

	for n, tc := range cases {
		need := tc.SizeNeeded()
		buf := make([]byte, need)
		written := tc.Marshal(buf)
		if written != need {
			t.Fatalf("%s: marshal wrote %d, want %d", n, written, need)
		}
		got, ok := UnmarshalQueryDeviceByMacResponse(buf)
		if !ok {
			t.Fatalf("%s: unmarshal failed", n)
		}
		if got.RepeaterAddr != tc.RepeaterAddr || got.Key != tc.Key {
			t.Fatalf("%s: got %+v, want %+v", n, got, tc)
		}
		if (got.Device == nil) != (tc.Device == nil) {
			t.Fatalf("%s: device presence mismatch, got %+v want %+v", n, got.Device, tc.Device)
		}
		if tc.Device != nil {
			wantName := truncateName(tc.Device.Name)
			if got.Device.Addr != tc.Device.Addr || got.Device.Name != wantName {
				t.Errorf("%s: device mismatch got %+v want {%v %s}", n, got.Device, tc.Device.Addr, wantName)
			}
			if len(got.Device.Name) > MaxNameLen {
				t.Errorf("%s: name not truncated, len=%d", n, len(got.Device.Name))
			}
		}
	}
}

func longName(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(i%26)
	}
	return string(b)
}

func TestUnmarshalAnyUnknownMagic(t *testing.T) {
	if _, ok := UnmarshalAny([]byte{0x00, 0x01}); ok {
		t.Fatal("expected unknown magic to fail")
	}
	if _, ok := UnmarshalAny(nil); ok {
		t.Fatal("expected empty buffer to fail")
	}
}

func TestUnmarshalAnyDispatch(t *testing.T) {
	hr := HrData{Key: 5, Hr: 72}
	var buf [8]byte
	n := hr.Marshal(buf[:])

	any, ok := UnmarshalAny(buf[:n])
	if !ok || any.HrData == nil || *any.HrData != hr {
		t.Fatalf("dispatch to HrData failed: %+v ok=%v", any, ok)
	}
	if any.QueryDeviceByMac != nil || any.QueryDeviceByMacResponse != nil || any.SetNameMapKey != nil {
		t.Fatalf("dispatch set more than one variant: %+v", any)
	}
}
