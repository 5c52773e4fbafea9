// Package gatt implements the local GATT server (C5): the configuration
// client's view of this node. It advertises the standard Heart Rate
// service (0x180D) plus two custom characteristics, and converts writes
// and reads into callbacks the relay orchestrator consumes, built on
// tinygo.org/x/bluetooth's peripheral-role API the way
// arnnvv/bluetalk's bluetooth.go wires up its own AddService call.
package gatt

import (
	"tinygo.org/x/bluetooth"

	"github.com/tve/lora-hr-relay/deviceinfo"
)

// LocalName is this node's advertised BLE name.
const LocalName = "LoRA-Adapter"

var (
	heartRateServiceUUID = bluetooth.New16BitUUID(0x180D)
	hrEchoCharUUID       = bluetooth.New16BitUUID(0x2A37)
	whitelistCharUUID, _ = bluetooth.ParseUUID("048b8928-d0a5-43e2-ada9-b925ec62ba27")
	deviceCharUUID, _    = bluetooth.ParseUUID("12a481f0-9384-413d-b002-f8660566d3b0")
)

// LogPrintf matches the pluggable logging hook used throughout this module.
type LogPrintf func(format string, v ...interface{})

// Server is the local GATT server adapter.
type Server struct {
	adapter *bluetooth.Adapter
	log     LogPrintf

	hrEchoChar    bluetooth.Characteristic
	whitelistChar bluetooth.Characteristic
	deviceChar    bluetooth.Characteristic

	// Callbacks consumed by the relay orchestrator.
	OnRequestAddress func() *[6]byte     // read of whitelist char
	OnDisconnect     func()              // config client disconnected
	OnAddress        func(addr *[6]byte) // write to whitelist char
}

// New returns a Server bound to adapter.
func New(adapter *bluetooth.Adapter, log LogPrintf) *Server {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Server{adapter: adapter, log: log}
}

// SetOnRequestAddress installs the callback fired on a read of the
// Whitelist characteristic.
func (s *Server) SetOnRequestAddress(f func() *[6]byte) { s.OnRequestAddress = f }

// SetOnDisconnect installs the callback fired when the config client
// disconnects.
func (s *Server) SetOnDisconnect(f func()) { s.OnDisconnect = f }

// SetOnAddress installs the callback fired on a write to the Whitelist
// characteristic.
func (s *Server) SetOnAddress(f func(addr *[6]byte)) { s.OnAddress = f }

// Start creates the GATT service and characteristics, installs write/read
// handlers, and begins advertising. The relay orchestrator calls it after
// the radio is configured and before the radio is armed for reception.
func (s *Server) Start() error {
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			s.log("gatt: config client disconnected")
			if s.OnDisconnect != nil {
				s.OnDisconnect()
			}
		}
	})

	err := s.adapter.AddService(&bluetooth.Service{
		UUID: heartRateServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:   hrEchoCharUUID,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				Handle: &s.hrEchoChar,
			},
			{
				UUID:  whitelistCharUUID,
				Flags: bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission,
				ReadEvent: func(client bluetooth.Connection, offset int, value *[]byte) {
					var addr *[6]byte
					if s.OnRequestAddress != nil {
						addr = s.OnRequestAddress()
					}
					*value = deviceinfo.EncodeAddress(addr)
				},
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					addr, ok := deviceinfo.DecodeAddress(value)
					if !ok {
						s.log("gatt: malformed whitelist write, %d bytes", len(value))
						return
					}
					if s.OnAddress != nil {
						s.OnAddress(addr)
					}
				},
				Handle: &s.whitelistChar,
			},
			{
				UUID:   deviceCharUUID,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				Handle: &s.deviceChar,
			},
		},
	})
	if err != nil {
		return err
	}

	adv := s.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    LocalName,
		ServiceUUIDs: []bluetooth.UUID{heartRateServiceUUID},
	}); err != nil {
		return err
	}
	return adv.Start()
}

// NotifyHr publishes the most recent raw HR-measurement payload to the
// HR-echo characteristic and its subscribers.
func (s *Server) NotifyHr(raw []byte) {
	if _, err := s.hrEchoChar.Write(raw); err != nil {
		s.log("gatt: hr-echo notify failed: %s", err)
	}
}

// NotifyWhitelist pushes the current paired address to whitelist
// subscribers.
func (s *Server) NotifyWhitelist(addr *[6]byte) {
	buf := deviceinfo.EncodeAddress(addr)
	if _, err := s.whitelistChar.Write(buf); err != nil {
		s.log("gatt: whitelist notify failed: %s", err)
	}
}

// NotifyDevice pushes the last discovered device to Device-characteristic
// subscribers, truncating name to 31 bytes.
func (s *Server) NotifyDevice(addr [6]byte, name string) {
	buf := deviceinfo.EncodeDeviceInfo(addr, name)
	if _, err := s.deviceChar.Write(buf); err != nil {
		s.log("gatt: device notify failed: %s", err)
	}
}
