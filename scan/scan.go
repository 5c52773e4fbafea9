// Package scan drives the BLE central role: discovering, connecting to, and
// subscribing the single paired heart-rate monitor. It is built on
// tinygo.org/x/bluetooth the way several central-role clients in the
// retrieval pack are (toitlang/jaguar's device_ble.go, arnnvv/bluetalk's
// bluetooth.go, AzaOne/bledom-controller), adapted to the spec's state
// machine and scan cadence instead of those projects' own protocols.
package scan

import (
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// heartRateServiceUUID is the standard Bluetooth Heart Rate service, 0x180D.
var heartRateServiceUUID = bluetooth.New16BitUUID(0x180D)
var heartRateMeasurementCharUUID = bluetooth.New16BitUUID(0x2A37)

// ScanWindow and ScanSleep implement the spec's "scan 750ms, sleep
// 250ms" cadence so BLE scanning does not starve other radio activity.
const (
	ScanWindow = 750 * time.Millisecond
	ScanSleep  = 250 * time.Millisecond
)

// State is a state in the per-target state machine described in the spec.
type State int

const (
	NoTarget State = iota
	Scanning
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case NoTarget:
		return "no-target"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// DiscoveredDevice is the record kept after a successful subscription.
type DiscoveredDevice struct {
	Addr bluetooth.Address
	Name string // truncated to 31 bytes by the caller before wire use
}

// LogPrintf matches the pluggable logging hook used throughout this module.
type LogPrintf func(format string, v ...interface{})

// Manager implements the scan manager (C4). The zero value is not usable;
// construct with New.
type Manager struct {
	adapter *bluetooth.Adapter
	log     LogPrintf

	mu      sync.Mutex
	state   State
	target  *bluetooth.Address
	device  *DiscoveredDevice
	conn    bluetooth.Device
	hasConn bool

	onResult func(name string, addr bluetooth.Address)
	onData   func(device DiscoveredDevice, value []byte)

	started bool
}

// New returns a Manager bound to adapter, initially with no paired target.
func New(adapter *bluetooth.Adapter, log LogPrintf) *Manager {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Manager{adapter: adapter, log: log, state: NoTarget}
}

// SetCallbacks installs the orchestrator's event callbacks. onResult fires
// once per transition into Subscribed; onData fires on every Heart Rate
// Measurement notification.
func (m *Manager) SetCallbacks(onResult func(name string, addr bluetooth.Address), onData func(device DiscoveredDevice, value []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = onResult
	m.onData = onData
}

// GetTargetAddr returns the currently configured paired target, if any.
func (m *Manager) GetTargetAddr() *bluetooth.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == nil {
		return nil
	}
	addr := *m.target
	return &addr
}

// GetDevice returns the last discovered device info, if currently
// subscribed.
func (m *Manager) GetDevice() *DiscoveredDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	dev := *m.device
	return &dev
}

// SetTargetAddr retargets the scan manager. It is idempotent: if addr
// equals the current target, it is a no-op (an existing Subscribed
// connection is left undisturbed). If addr differs, any connection is torn
// down and the manager (re-)enters Scanning, or NoTarget if addr is nil.
func (m *Manager) SetTargetAddr(addr *bluetooth.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addrEqual(m.target, addr) {
		m.log("scan: set_target_addr no-op, already targeting %v", addr)
		return
	}

	m.teardownLocked()
	m.target = addr
	m.device = nil
	if addr == nil {
		m.state = NoTarget
		m.log("scan: target cleared, now idle")
	} else {
		m.state = Scanning
		m.log("scan: new target %v, scanning", *addr)
	}
}

func (m *Manager) teardownLocked() {
	if m.hasConn {
		m.conn.Disconnect()
		m.hasConn = false
	}
}

func addrEqual(a, b *bluetooth.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// StartScanningTask launches the background activity that advances the
// state machine: periodic scan/sleep cycles while NoTarget has not been
// set, and reconnect-on-disconnect while Subscribed.
func (m *Manager) StartScanningTask() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop()
}

func (m *Manager) loop() {
	for {
		m.mu.Lock()
		state, target := m.state, m.target
		m.mu.Unlock()

		switch state {
		case NoTarget:
			time.Sleep(ScanSleep)
		case Scanning:
			if target != nil {
				m.scanOnce(*target)
			}
			time.Sleep(ScanSleep)
		case Connecting, Subscribed:
			// Connecting is driven synchronously inside scanOnce; Subscribed
			// waits on the connection's own disconnect handler to re-arm
			// Scanning (installed in connectAndSubscribe).
			time.Sleep(ScanSleep)
		}
	}
}

// scanOnce runs one active-scan window looking for target, connecting and
// subscribing on a match.
func (m *Manager) scanOnce(target bluetooth.Address) {
	found := make(chan bluetooth.ScanResult, 1)
	deadline := time.Now().Add(ScanWindow)

	err := m.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.Address.String() == target.String() {
			a.StopScan()
			select {
			case found <- result:
			default:
			}
		}
		if time.Now().After(deadline) {
			a.StopScan()
		}
	})
	if err != nil {
		m.log("scan: Scan() failed: %s", err)
		return
	}

	select {
	case result := <-found:
		m.connectAndSubscribe(target, result)
	case <-time.After(ScanWindow):
		m.adapter.StopScan()
	}
}

func (m *Manager) connectAndSubscribe(target bluetooth.Address, result bluetooth.ScanResult) {
	m.mu.Lock()
	if !addrEqual(m.target, &target) {
		m.mu.Unlock()
		return // retargeted while this scan was in flight
	}
	m.state = Connecting
	m.mu.Unlock()

	dev, err := m.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		m.log("scan: connect to %s failed: %s", target, err)
		m.mu.Lock()
		if addrEqual(m.target, &target) {
			m.state = Scanning
		}
		m.mu.Unlock()
		return
	}

	services, err := dev.DiscoverServices([]bluetooth.UUID{heartRateServiceUUID})
	if err != nil || len(services) == 0 {
		m.log("scan: discover services on %s failed: %v", target, err)
		dev.Disconnect()
		m.backToScanning(target)
		return
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{heartRateMeasurementCharUUID})
	if err != nil || len(chars) == 0 {
		m.log("scan: discover characteristics on %s failed: %v", target, err)
		dev.Disconnect()
		m.backToScanning(target)
		return
	}
	hrChar := chars[0]

	name := result.LocalName()
	device := DiscoveredDevice{Addr: target, Name: name}

	err = hrChar.EnableNotifications(func(value []byte) {
		m.mu.Lock()
		cb := m.onData
		m.mu.Unlock()
		if cb != nil {
			buf := make([]byte, len(value))
			copy(buf, value)
			cb(device, buf)
		}
	})
	if err != nil {
		m.log("scan: enable notifications on %s failed: %s", target, err)
		dev.Disconnect()
		m.backToScanning(target)
		return
	}

	m.mu.Lock()
	if !addrEqual(m.target, &target) {
		m.mu.Unlock()
		dev.Disconnect()
		return
	}
	m.state = Subscribed
	m.device = &device
	m.conn = dev
	m.hasConn = true
	cb := m.onResult
	m.mu.Unlock()

	m.log("scan: subscribed to %s (%s)", target, name)
	if cb != nil {
		cb(name, target)
	}

	m.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if connected || d.Address.String() != target.String() {
			return
		}
		m.log("scan: %s disconnected", target)
		m.backToScanning(target)
	})
}

func (m *Manager) backToScanning(target bluetooth.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !addrEqual(m.target, &target) {
		return // a different target has since been set
	}
	m.hasConn = false
	m.device = nil
	m.state = Scanning
}
