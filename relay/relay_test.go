package relay

import (
	"sync"
	"testing"

	"tinygo.org/x/bluetooth"

	"github.com/tve/lora-hr-relay/codec"
	"github.com/tve/lora-hr-relay/config"
	"github.com/tve/lora-hr-relay/radio"
	"github.com/tve/lora-hr-relay/scan"
)

// fakeTransceiver is a radio.Transceiver double that records every
// transmitted frame instead of touching real hardware.
type fakeTransceiver struct {
	mu       sync.Mutex
	txFrames [][]byte
}

func (f *fakeTransceiver) Begin(radio.Params) error { return nil }
func (f *fakeTransceiver) Standby() error           { return nil }
func (f *fakeTransceiver) StartReceive() error      { return nil }
func (f *fakeTransceiver) Transmit(buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.txFrames = append(f.txFrames, cp)
	return nil
}
func (f *fakeTransceiver) ReceiveInto([]byte) (int, radio.RxStats, error) {
	return 0, radio.RxStats{}, nil
}

func (f *fakeTransceiver) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txFrames) == 0 {
		return nil
	}
	return f.txFrames[len(f.txFrames)-1]
}

func (f *fakeTransceiver) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txFrames)
}

// fakeScan is a scanDriver test double.
type fakeScan struct {
	mu             sync.Mutex
	target         *bluetooth.Address
	device         *scan.DiscoveredDevice
	setTargetCalls int
	startedTask    bool
}

func (f *fakeScan) SetCallbacks(func(name string, addr bluetooth.Address), func(device scan.DiscoveredDevice, value []byte)) {
}
func (f *fakeScan) StartScanningTask() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedTask = true
}
func (f *fakeScan) SetTargetAddr(addr *bluetooth.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setTargetCalls++
	f.target = addr
}
func (f *fakeScan) GetTargetAddr() *bluetooth.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}
func (f *fakeScan) GetDevice() *scan.DiscoveredDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device
}

// fakeGatt is a gattCallbackSink test double.
type fakeGatt struct {
	onRequestAddress func() *[6]byte
	onDisconnect     func()
	onAddress        func(addr *[6]byte)

	hrNotifies        [][]byte
	whitelistNotifies []*[6]byte
	deviceNotifies    int
}

func (f *fakeGatt) Start() error                           { return nil }
func (f *fakeGatt) NotifyHr(raw []byte)                    { f.hrNotifies = append(f.hrNotifies, raw) }
func (f *fakeGatt) NotifyWhitelist(addr *[6]byte)          { f.whitelistNotifies = append(f.whitelistNotifies, addr) }
func (f *fakeGatt) NotifyDevice(addr [6]byte, name string) { f.deviceNotifies++ }
func (f *fakeGatt) SetOnRequestAddress(fn func() *[6]byte) { f.onRequestAddress = fn }
func (f *fakeGatt) SetOnDisconnect(fn func())              { f.onDisconnect = fn }
func (f *fakeGatt) SetOnAddress(fn func(addr *[6]byte))    { f.onAddress = fn }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeTransceiver, *fakeScan, *fakeGatt) {
	t.Helper()
	cfg := config.New(t.TempDir() + "/cfg.toml")
	if err := cfg.Init(); err != nil {
		t.Fatalf("cfg.Init: %v", err)
	}
	tc := &fakeTransceiver{}
	rc := radio.NewController(tc, nil)
	sm := &fakeScan{}
	gs := &fakeGatt{}
	myAddr := codec.Addr{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	o := New(cfg, rc, sm, gs, myAddr, nil)
	return o, tc, sm, gs
}

func TestHrNotificationParsing(t *testing.T) {
	cases := map[string]struct {
		value  []byte
		wantTx bool
		wantHr byte
	}{
		"8-bit value":        {value: []byte{0x00, 0x42}, wantTx: true, wantHr: 0x42},
		"16-bit value clamp": {value: []byte{0x01, 0x34, 0x01}, wantTx: true, wantHr: 0xFF},
		"too short, dropped": {value: []byte{0x00}, wantTx: false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			o, transceiver, _, gs := newTestOrchestrator(t)
			device := scan.DiscoveredDevice{Name: "Polar H10"}
			o.handleHrNotification(device, tc.value)

			if tc.wantTx && transceiver.frameCount() != 1 {
				t.Fatalf("expected 1 tx frame, got %d", transceiver.frameCount())
			}
			if !tc.wantTx {
				if transceiver.frameCount() != 0 {
					t.Fatalf("expected no tx frame, got %d", transceiver.frameCount())
				}
				if len(gs.hrNotifies) != 0 {
					t.Fatalf("expected no gatt notify on drop")
				}
				return
			}

			frame := transceiver.lastFrame()
			got, ok := codec.UnmarshalHrData(frame)
			if !ok {
				t.Fatalf("could not decode transmitted frame %v", frame)
			}
			if got.Hr != tc.wantHr {
				t.Fatalf("hr = %#x, want %#x", got.Hr, tc.wantHr)
			}
			if len(gs.hrNotifies) != 1 {
				t.Fatalf("expected 1 gatt hr notify, got %d", len(gs.hrNotifies))
			}
		})
	}
}

func TestSetNameMapKeyPersistsAndAffectsNextHr(t *testing.T) {
	o, transceiver, _, _ := newTestOrchestrator(t)

	o.handleSetNameMapKey(codec.SetNameMapKey{Key: 9})
	if o.currentNameMapKey() != 9 {
		t.Fatalf("in-memory key = %d, want 9", o.currentNameMapKey())
	}

	o.handleHrNotification(scan.DiscoveredDevice{}, []byte{0x00, 0x50})
	frame := transceiver.lastFrame()
	got, ok := codec.UnmarshalHrData(frame)
	if !ok {
		t.Fatalf("could not decode frame %v", frame)
	}
	if got.Key != 9 {
		t.Fatalf("key in HrData = %d, want 9", got.Key)
	}

	persisted, err := o.cfg.GetNameMapKey()
	if err != nil {
		t.Fatalf("GetNameMapKey: %v", err)
	}
	if persisted != 9 {
		t.Fatalf("persisted key = %d, want 9", persisted)
	}
}

func TestQueryBroadcastNoDeviceRespondsWithNoDevice(t *testing.T) {
	o, transceiver, _, _ := newTestOrchestrator(t)

	o.handleQueryDeviceByMac(codec.QueryDeviceByMac{Addr: codec.Broadcast})

	if transceiver.frameCount() != 1 {
		t.Fatalf("expected 1 tx frame, got %d", transceiver.frameCount())
	}
	resp, ok := codec.UnmarshalQueryDeviceByMacResponse(transceiver.lastFrame())
	if !ok {
		t.Fatalf("could not decode response frame")
	}
	if resp.RepeaterAddr != o.myAddr {
		t.Fatalf("repeater addr = %v, want %v", resp.RepeaterAddr, o.myAddr)
	}
	if resp.Device != nil {
		t.Fatalf("expected no device, got %v", resp.Device)
	}
}

func TestQueryByMacForOtherNodeIgnored(t *testing.T) {
	o, transceiver, _, _ := newTestOrchestrator(t)
	other := codec.Addr{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}

	o.handleQueryDeviceByMac(codec.QueryDeviceByMac{Addr: other})

	if transceiver.frameCount() != 0 {
		t.Fatalf("expected no response for a query addressed to another node, got %d frames", transceiver.frameCount())
	}
}

func TestWhitelistWritePersistsPairAndUnpair(t *testing.T) {
	o, _, sm, gs := newTestOrchestrator(t)
	addr := [6]byte{1, 2, 3, 4, 5, 6}

	o.handleWhitelistWrite(&addr)
	if sm.setTargetCalls != 1 {
		t.Fatalf("first write: setTargetCalls = %d, want 1", sm.setTargetCalls)
	}

	persisted, err := o.cfg.GetAddr()
	if err != nil {
		t.Fatalf("GetAddr: %v", err)
	}
	if persisted != addr {
		t.Fatalf("persisted addr = %v, want %v", persisted, addr)
	}

	if len(gs.whitelistNotifies) != 1 || *gs.whitelistNotifies[0] != addr {
		t.Fatalf("expected 1 whitelist notify with %v, got %v", addr, gs.whitelistNotifies)
	}

	o.handleWhitelistWrite(nil)
	if sm.setTargetCalls != 2 {
		t.Fatalf("unpair: setTargetCalls = %d, want 2", sm.setTargetCalls)
	}
	if _, err := o.cfg.GetAddr(); err == nil {
		t.Fatalf("expected addr cleared after unpair")
	}

	if len(gs.whitelistNotifies) != 2 || gs.whitelistNotifies[1] != nil {
		t.Fatalf("expected 2nd whitelist notify to be nil (unpaired), got %v", gs.whitelistNotifies)
	}
}

func TestStartNotifiesWhitelistOfRestoredPairing(t *testing.T) {
	o, _, sm, gs := newTestOrchestrator(t)
	addr := [6]byte{9, 8, 7, 6, 5, 4}
	if err := o.cfg.SetAddr(addr); err != nil {
		t.Fatalf("SetAddr: %v", err)
	}

	if err := o.Start(radio.DefaultParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !sm.startedTask {
		t.Fatalf("expected scan manager to be started")
	}
	if len(gs.whitelistNotifies) != 1 || gs.whitelistNotifies[0] == nil || *gs.whitelistNotifies[0] != addr {
		t.Fatalf("expected boot-time whitelist notify of restored addr %v, got %v", addr, gs.whitelistNotifies)
	}
}
