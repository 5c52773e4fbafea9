// Package relay implements the relay orchestrator (C6): the coordination
// core that wires the radio controller, scan manager, GATT server and
// persistent config together. It runs as a single long-lived goroutine plus
// the per-notification callbacks delivered from the scan and GATT
// packages, the same shape as the teacher's loraGW/lora1276GW goroutine
// pairs in cmd/mqttradio (one goroutine ferrying radio->upstream, callbacks
// ferrying upstream->radio) generalized to this spec's four message types
// and its BLE-driven (rather than MQTT-driven) control plane.
package relay

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/tve/lora-hr-relay/codec"
	"github.com/tve/lora-hr-relay/config"
	"github.com/tve/lora-hr-relay/deviceinfo"
	"github.com/tve/lora-hr-relay/radio"
	"github.com/tve/lora-hr-relay/scan"
	"github.com/tve/lora-hr-relay/thread"
)

// LogPrintf matches the pluggable logging hook used throughout this module.
type LogPrintf func(format string, v ...interface{})

// maxFrameSize bounds the stack buffers used for LoRa frames; the largest
// frame (QueryDeviceByMacResponse with a 31-byte name) needs 15+31=46 bytes.
const maxFrameSize = 64

// gattNotifier is the slice of *gatt.Server the orchestrator depends on.
// Accepting the interface rather than the concrete type keeps this package
// testable without a real BLE stack.
type gattNotifier interface {
	Start() error
	NotifyHr(raw []byte)
	NotifyWhitelist(addr *[6]byte)
	NotifyDevice(addr [6]byte, name string)
}

// scanDriver is the slice of *scan.Manager the orchestrator depends on.
type scanDriver interface {
	SetCallbacks(onResult func(name string, addr bluetooth.Address), onData func(device scan.DiscoveredDevice, value []byte))
	StartScanningTask()
	SetTargetAddr(addr *bluetooth.Address)
	GetTargetAddr() *bluetooth.Address
	GetDevice() *scan.DiscoveredDevice
}

// gattCallbackSink lets the orchestrator install its callbacks on a
// gattNotifier without requiring the interface to expose the callback
// fields directly; *gatt.Server implements this via its SetOn* methods.
type gattCallbackSink interface {
	gattNotifier
	SetOnRequestAddress(func() *[6]byte)
	SetOnDisconnect(func())
	SetOnAddress(func(addr *[6]byte))
}

// Orchestrator is the relay orchestrator (C6).
type Orchestrator struct {
	cfg     *config.Store
	radioC  *radio.Controller
	scanMgr scanDriver
	gattSrv gattCallbackSink
	myAddr  codec.Addr
	log     LogPrintf

	nameMapKey atomic.Uint32 // holds a byte 0-255; see spec's single-byte-atomic note
}

// New constructs an Orchestrator. myAddr is this node's own BLE address,
// used to decide whether a QueryDeviceByMac naming this node specifically
// should be answered.
func New(cfg *config.Store, radioC *radio.Controller, scanMgr scanDriver, gattSrv gattCallbackSink, myAddr codec.Addr, log LogPrintf) *Orchestrator {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Orchestrator{cfg: cfg, radioC: radioC, scanMgr: scanMgr, gattSrv: gattSrv, myAddr: myAddr, log: log}
}

// Start runs the startup sequence (spec §4.6): restore persisted state,
// bring up the radio, wire GATT/scan callbacks, start the GATT server and
// scan manager, arm reception, and spawn the LoRa receive loop. The caller
// is responsible for the boot-time fatal policy on a radio.Begin failure
// (spec: log, delay 1s, reboot) since rebooting is platform-specific.
func (o *Orchestrator) Start(params radio.Params) error {
	o.restorePersistedState()

	if err := o.radioC.Begin(params); err != nil {
		return errors.Wrap(err, "relay: radio begin failed")
	}

	o.gattSrv.SetOnRequestAddress(o.handleRequestAddress)
	o.gattSrv.SetOnDisconnect(o.handleGattDisconnect)
	o.gattSrv.SetOnAddress(o.handleWhitelistWrite)
	if err := o.gattSrv.Start(); err != nil {
		return errors.Wrap(err, "relay: gatt start failed")
	}
	o.gattSrv.NotifyWhitelist(o.handleRequestAddress())

	o.scanMgr.SetCallbacks(o.handleScanResult, o.handleHrNotification)
	o.scanMgr.StartScanningTask()

	if err := o.radioC.StartReceive(); err != nil {
		return errors.Wrap(err, "relay: start receive failed")
	}

	go o.receiveLoop()
	return nil
}

func (o *Orchestrator) restorePersistedState() {
	if addr, err := o.cfg.GetAddr(); err == nil {
		target := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: bluetooth.MAC(addr)}}
		o.scanMgr.SetTargetAddr(&target)
		o.log("relay: restored paired target %v", addr)
	} else if !errors.Is(err, config.ErrNotFound) {
		o.log("relay: could not read paired addr: %s", err)
	}

	if key, err := o.cfg.GetNameMapKey(); err == nil {
		o.nameMapKey.Store(uint32(key))
	} else if !errors.Is(err, config.ErrNotFound) {
		o.log("relay: could not read name map key: %s", err)
	}
}

func (o *Orchestrator) currentNameMapKey() byte {
	return byte(o.nameMapKey.Load())
}

// handleHrNotification implements the HR-notification path (spec §4.6).
func (o *Orchestrator) handleHrNotification(device scan.DiscoveredDevice, value []byte) {
	if len(value) < 2 {
		o.log("relay: HR payload too short (%d bytes), dropping", len(value))
		return
	}

	var hr uint16
	if value[0]&1 == 0 {
		hr = uint16(value[1])
	} else {
		if len(value) < 3 {
			o.log("relay: HR 16-bit payload too short (%d bytes), dropping", len(value))
			return
		}
		hr = uint16(value[1]) | uint16(value[2])<<8
	}

	hr8 := byte(hr)
	if hr > 255 {
		o.log("relay: HR value %d clamped to 255", hr)
		hr8 = 255
	}

	msg := codec.HrData{Key: o.currentNameMapKey(), Hr: hr8}
	var buf [maxFrameSize]byte
	n := msg.Marshal(buf[:])
	if _, err := o.radioC.TryTransmit(buf[:n]); err != nil {
		o.log("relay: tx of HrData failed: %s", err)
	}

	o.gattSrv.NotifyHr(value)
}

// handleScanResult fires once per transition into Subscribed.
func (o *Orchestrator) handleScanResult(name string, addr bluetooth.Address) {
	o.log("relay: subscribed to %s (%s)", addr, name)
	if len(name) > deviceinfo.MaxNameLen {
		o.log("relay: device name %q is %d bytes, truncating to %d", name, len(name), deviceinfo.MaxNameLen)
	}
	o.gattSrv.NotifyDevice(codec.Addr(addr.MAC), name)
}

func (o *Orchestrator) handleGattDisconnect() {
	o.log("relay: config client disconnected")
}

// handleWhitelistWrite implements the whitelist-write path (spec §4.6),
// persisting per the resolved open question: persist on every successful
// pair and on unpair.
func (o *Orchestrator) handleWhitelistWrite(addr *[6]byte) {
	var target *bluetooth.Address
	if addr != nil {
		a := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: bluetooth.MAC(*addr)}}
		target = &a
	}
	o.scanMgr.SetTargetAddr(target)

	if addr != nil {
		if err := o.cfg.SetAddr(*addr); err != nil {
			o.log("relay: persisting paired addr failed: %s", err)
		}
	} else {
		if err := o.cfg.ClearAddr(); err != nil {
			o.log("relay: clearing paired addr failed: %s", err)
		}
	}

	o.gattSrv.NotifyWhitelist(addr)
}

func (o *Orchestrator) handleRequestAddress() *[6]byte {
	addr := o.scanMgr.GetTargetAddr()
	if addr == nil {
		return nil
	}
	mac := [6]byte(addr.MAC)
	return &mac
}

// receiveLoop implements the LoRa-receive path (spec §4.6): it blocks on
// the packet-received signal, then dispatches on the decoded frame's
// magic byte. Each case is independent -- no fall-through between
// QueryDeviceByMac and SetNameMapKey, unlike the bug the spec's design
// notes call out in the original firmware.
func (o *Orchestrator) receiveLoop() {
	if err := thread.Realtime(); err != nil {
		o.log("relay: cannot make receive goroutine realtime: %s", err)
	}

	var buf [maxFrameSize]byte
	for {
		o.radioC.Signal().Wait()

		n, stats, err := o.radioC.ReceiveInto(buf[:])
		if err != nil {
			o.log("relay: radio receive error: %s", err)
			continue
		}
		if n == 0 {
			o.log("relay: receive signaled but no packet pending")
			continue
		}
		o.log("relay: received %d bytes, rssi=%ddBm snr=%ddB", n, stats.RssiDBm, stats.SnrDB)

		any, ok := codec.UnmarshalAny(buf[:n])
		if !ok {
			o.log("relay: dropping frame with unknown magic %#x", buf[0])
			continue
		}

		switch {
		case any.QueryDeviceByMac != nil:
			o.handleQueryDeviceByMac(*any.QueryDeviceByMac)
		case any.SetNameMapKey != nil:
			o.handleSetNameMapKey(*any.SetNameMapKey)
		case any.HrData != nil, any.QueryDeviceByMacResponse != nil:
			// Originated by a peer repeater; not meant for us to act on.
		}
	}
}

func (o *Orchestrator) handleQueryDeviceByMac(req codec.QueryDeviceByMac) {
	if !req.Addr.IsBroadcast() && req.Addr != o.myAddr {
		return
	}

	resp := codec.QueryDeviceByMacResponse{
		RepeaterAddr: o.myAddr,
		Key:          o.currentNameMapKey(),
	}
	if dev := o.scanMgr.GetDevice(); dev != nil {
		if len(dev.Name) > codec.MaxNameLen {
			o.log("relay: device name %q is %d bytes, truncating to %d", dev.Name, len(dev.Name), codec.MaxNameLen)
		}
		resp.Device = &codec.DeviceInfo{Addr: codec.Addr(dev.Addr.MAC), Name: dev.Name}
	}

	buf := make([]byte, resp.SizeNeeded())
	resp.Marshal(buf)
	if _, err := o.radioC.TryTransmit(buf); err != nil {
		o.log("relay: tx of QueryDeviceByMacResponse failed: %s", err)
	}
}

func (o *Orchestrator) handleSetNameMapKey(req codec.SetNameMapKey) {
	o.nameMapKey.Store(uint32(req.Key))
	if err := o.cfg.SetNameMapKey(req.Key); err != nil {
		o.log("relay: persisting name map key failed: %s", err)
	}
}
