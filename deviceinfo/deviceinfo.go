// Package deviceinfo encodes the small protobuf messages carried by the
// GATT Whitelist and Device characteristics: `{ bytes mac = 1; string name
// = 2; }`. Rather than depending on google.golang.org/protobuf's
// reflection-heavy, protoc-gen-go-generated runtime -- appropriate for the
// gRPC-shaped services elsewhere in the retrieval pack but not for a
// battery-powered relay binary -- this package hand-encodes the same wire
// format directly, the way the wire codec package hand-encodes the LoRa
// frames. Only two fields, both length-delimited, are ever needed.
package deviceinfo

import "github.com/pkg/errors"

// MaxNameLen is the maximum UTF-8 length, in bytes, of a device name.
const MaxNameLen = 31

const (
	tagMac  = 1<<3 | 2 // field 1, wire type 2 (length-delimited)
	tagName = 2<<3 | 2 // field 2, wire type 2 (length-delimited)
)

// ErrMalformed is the sentinel cause for decode failures.
var ErrMalformed = errors.New("deviceinfo: malformed protobuf message")

// EncodeAddress encodes the Whitelist characteristic's read value: just the
// mac field, or an empty message if addr is nil (no paired target).
func EncodeAddress(addr *[6]byte) []byte {
	if addr == nil {
		return nil
	}
	return appendTLV(nil, tagMac, addr[:])
}

// DecodeAddress decodes a Whitelist write. An empty buffer means "clear the
// paired target" (addr=nil, ok=true).
func DecodeAddress(buf []byte) (addr *[6]byte, ok bool) {
	if len(buf) == 0 {
		return nil, true
	}
	fields, err := parseTLVs(buf)
	if err != nil {
		return nil, false
	}
	mac, found := fields[tagMac]
	if !found || len(mac) != 6 {
		return nil, false
	}
	var a [6]byte
	copy(a[:], mac)
	return &a, true
}

// EncodeDeviceInfo encodes the Device characteristic's value: mac and name,
// truncating name to MaxNameLen bytes first.
func EncodeDeviceInfo(addr [6]byte, name string) []byte {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	buf := appendTLV(nil, tagMac, addr[:])
	buf = appendTLV(buf, tagName, []byte(name))
	return buf
}

// DecodeDeviceInfo decodes a Device characteristic value.
func DecodeDeviceInfo(buf []byte) (addr [6]byte, name string, err error) {
	fields, err := parseTLVs(buf)
	if err != nil {
		return addr, "", err
	}
	mac, found := fields[tagMac]
	if !found || len(mac) != 6 {
		return addr, "", errors.Wrap(ErrMalformed, "missing or malformed mac field")
	}
	copy(addr[:], mac)
	if n, found := fields[tagName]; found {
		name = string(n)
	}
	return addr, name, nil
}

// appendTLV appends one length-delimited protobuf field to buf.
func appendTLV(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag)
	buf = appendVarint(buf, uint64(len(value)))
	buf = append(buf, value...)
	return buf
}

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// parseTLVs walks buf decoding a sequence of length-delimited fields, the
// only wire type this message ever uses.
func parseTLVs(buf []byte) (map[byte][]byte, error) {
	fields := make(map[byte][]byte)
	i := 0
	for i < len(buf) {
		tag := buf[i]
		i++
		if tag&0x7 != 2 {
			return nil, errors.Wrap(ErrMalformed, "unsupported wire type")
		}
		length, n, err := readVarint(buf[i:])
		if err != nil {
			return nil, err
		}
		i += n
		if uint64(i)+length > uint64(len(buf)) {
			return nil, errors.Wrap(ErrMalformed, "field length exceeds buffer")
		}
		fields[tag] = buf[i : i+int(length)]
		i += int(length)
	}
	return fields, nil
}

func readVarint(buf []byte) (value uint64, n int, err error) {
	for n < len(buf) && n < 10 {
		b := buf[n]
		value |= uint64(b&0x7f) << (7 * uint(n))
		n++
		if b&0x80 == 0 {
			return value, n, nil
		}
	}
	return 0, 0, errors.Wrap(ErrMalformed, "truncated varint")
}
