// Package codec implements the wire framing for the four LoRa message types
// exchanged between repeater nodes and the upstream collector. It performs no
// I/O, mirroring the sx1276 package's JLLEncode/JLLDecode pair it is modeled
// on. Marshal methods write only into the buffer the caller hands them; on
// decode, the variant UnmarshalAny points to and the device block and name of
// a QueryDeviceByMacResponse are heap-allocated.
package codec

import "github.com/pkg/errors"

// Magic byte discriminators, one per message variant.
const (
	MagicHrData                   byte = 0x63
	MagicQueryDeviceByMac         byte = 0x64
	MagicQueryDeviceByMacResponse byte = 0x65
	MagicSetNameMapKey            byte = 0x66
)

// MaxNameLen is the maximum UTF-8 length, in bytes, of a discovered device
// name carried on the wire.
const MaxNameLen = 31

// Addr is a 6-byte BLE address.
type Addr [6]byte

// Broadcast is the distinguished address meaning "any repeater".
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// IsBroadcast reports whether a equals Broadcast.
func (a Addr) IsBroadcast() bool { return a == Broadcast }

// ErrCodec is a sentinel for a malformed frame. The decoders in this package
// do not return it: they report a short buffer or a wrong magic byte as
// ok=false.
var ErrCodec = errors.New("codec: malformed frame")

// HrData carries one heart-rate sample, tagged with the name-map key that
// identifies which monitor it came from to the upstream collector.
type HrData struct {
	Key byte
	Hr  byte
}

const hrDataSize = 3

// Marshal writes the frame into buf and returns the number of bytes written,
// or 0 if buf is too small.
func (m HrData) Marshal(buf []byte) int {
	if len(buf) < hrDataSize {
		return 0
	}
	buf[0] = MagicHrData
	buf[1] = m.Key
	buf[2] = m.Hr
	return hrDataSize
}

// UnmarshalHrData decodes an HrData frame, or returns ok=false if buf is too
// short or does not start with the HrData magic.
func UnmarshalHrData(buf []byte) (m HrData, ok bool) {
	if len(buf) < hrDataSize || buf[0] != MagicHrData {
		return HrData{}, false
	}
	return HrData{Key: buf[1], Hr: buf[2]}, true
}

// QueryDeviceByMac asks a repeater (or all repeaters, if Addr is Broadcast)
// to report what heart-rate monitor it currently has paired.
type QueryDeviceByMac struct {
	Addr Addr
}

const queryDeviceByMacSize = 7

// Marshal writes the frame into buf and returns bytes written, or 0 if too
// small.
func (m QueryDeviceByMac) Marshal(buf []byte) int {
	if len(buf) < queryDeviceByMacSize {
		return 0
	}
	buf[0] = MagicQueryDeviceByMac
	copy(buf[1:7], m.Addr[:])
	return queryDeviceByMacSize
}

// UnmarshalQueryDeviceByMac decodes a QueryDeviceByMac frame.
func UnmarshalQueryDeviceByMac(buf []byte) (m QueryDeviceByMac, ok bool) {
	if len(buf) < queryDeviceByMacSize || buf[0] != MagicQueryDeviceByMac {
		return QueryDeviceByMac{}, false
	}
	copy(m.Addr[:], buf[1:7])
	return m, true
}

// DeviceInfo is the optional device block of a QueryDeviceByMacResponse.
type DeviceInfo struct {
	Addr Addr
	Name string
}

// QueryDeviceByMacResponse answers a QueryDeviceByMac with this repeater's
// identity, its current name-map key, and the device it has paired (if any).
type QueryDeviceByMacResponse struct {
	RepeaterAddr Addr
	Key          byte
	Device       *DeviceInfo // nil if no device is currently paired
}

const queryDeviceByMacResponseBaseSize = 8 // magic + repeater addr(6) + key

// SizeNeeded returns the number of bytes Marshal will need to write this
// response, accounting for the optional device block.
func (m QueryDeviceByMacResponse) SizeNeeded() int {
	if m.Device == nil {
		return queryDeviceByMacResponseBaseSize + 1 // + zero length byte
	}
	name := truncateName(m.Device.Name)
	return queryDeviceByMacResponseBaseSize + 1 + 6 + len(name)
}

// Marshal writes the frame into buf and returns bytes written, or 0 if too
// small.
func (m QueryDeviceByMacResponse) Marshal(buf []byte) int {
	need := m.SizeNeeded()
	if len(buf) < need {
		return 0
	}
	buf[0] = MagicQueryDeviceByMacResponse
	copy(buf[1:7], m.RepeaterAddr[:])
	buf[7] = m.Key
	if m.Device == nil {
		buf[8] = 0
		return need
	}
	name := truncateName(m.Device.Name)
	buf[8] = byte(len(name))
	copy(buf[9:15], m.Device.Addr[:])
	copy(buf[15:15+len(name)], name)
	return need
}

// UnmarshalQueryDeviceByMacResponse decodes a QueryDeviceByMacResponse frame.
func UnmarshalQueryDeviceByMacResponse(buf []byte) (m QueryDeviceByMacResponse, ok bool) {
	if len(buf) < queryDeviceByMacResponseBaseSize+1 || buf[0] != MagicQueryDeviceByMacResponse {
		return QueryDeviceByMacResponse{}, false
	}
	copy(m.RepeaterAddr[:], buf[1:7])
	m.Key = buf[7]
	nameLen := int(buf[8])
	if nameLen == 0 {
		return m, true
	}
	if len(buf) < queryDeviceByMacResponseBaseSize+1+6+nameLen {
		return QueryDeviceByMacResponse{}, false
	}
	dev := DeviceInfo{}
	copy(dev.Addr[:], buf[9:15])
	dev.Name = string(buf[15 : 15+nameLen])
	m.Device = &dev
	return m, true
}

// truncateName shortens name to MaxNameLen bytes, cutting at a byte boundary
// only (callers that care about valid UTF-8 on truncation should check the
// result; this is the same silent-shorten policy used for the protobuf-style
// device info block).
func truncateName(name string) string {
	if len(name) > MaxNameLen {
		return name[:MaxNameLen]
	}
	return name
}

// SetNameMapKey instructs a repeater to adopt a new name-map key, persisting
// it across reboots.
type SetNameMapKey struct {
	Key byte
}

const setNameMapKeySize = 2

// Marshal writes the frame into buf and returns bytes written, or 0 if too
// small.
func (m SetNameMapKey) Marshal(buf []byte) int {
	if len(buf) < setNameMapKeySize {
		return 0
	}
	buf[0] = MagicSetNameMapKey
	buf[1] = m.Key
	return setNameMapKeySize
}

// UnmarshalSetNameMapKey decodes a SetNameMapKey frame.
func UnmarshalSetNameMapKey(buf []byte) (m SetNameMapKey, ok bool) {
	if len(buf) < setNameMapKeySize || buf[0] != MagicSetNameMapKey {
		return SetNameMapKey{}, false
	}
	return SetNameMapKey{Key: buf[1]}, true
}

// Any is the result of UnmarshalAny: exactly one of the fields is non-nil.
type Any struct {
	HrData                   *HrData
	QueryDeviceByMac         *QueryDeviceByMac
	QueryDeviceByMacResponse *QueryDeviceByMacResponse
	SetNameMapKey            *SetNameMapKey
}

// UnmarshalAny dispatches on buf[0] to decode whichever variant is present.
// It returns ok=false for an empty buffer or an unrecognized magic byte.
func UnmarshalAny(buf []byte) (Any, bool) {
	if len(buf) == 0 {
		return Any{}, false
	}
	switch buf[0] {
	case MagicHrData:
		m, ok := UnmarshalHrData(buf)
		if !ok {
			return Any{}, false
		}
		return Any{HrData: &m}, true
	case MagicQueryDeviceByMac:
		m, ok := UnmarshalQueryDeviceByMac(buf)
		if !ok {
			return Any{}, false
		}
		return Any{QueryDeviceByMac: &m}, true
	case MagicQueryDeviceByMacResponse:
		m, ok := UnmarshalQueryDeviceByMacResponse(buf)
		if !ok {
			return Any{}, false
		}
		return Any{QueryDeviceByMacResponse: &m}, true
	case MagicSetNameMapKey:
		m, ok := UnmarshalSetNameMapKey(buf)
		if !ok {
			return Any{}, false
		}
		return Any{SetNameMapKey: &m}, true
	default:
		return Any{}, false
	}
}
