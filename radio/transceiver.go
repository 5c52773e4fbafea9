// Package radio serializes access to the half-duplex LoRa transceiver. The
// SPI/GPIO wiring and the chip's register-level modulation programming are
// external collaborators (out of scope per the spec); this package only
// owns the Idle/Receiving/Transmitting state machine and the mutex that
// makes the chip safe to drive from more than one goroutine, the same
// separation of concerns the teacher's sx1276.Radio keeps between its
// worker() loop (state machine) and its SPI register accessors.
package radio

import (
	"time"

	"github.com/pkg/errors"
)

// State is one of the three states the half-duplex radio can be in.
type State int

const (
	Idle State = iota
	Receiving
	Transmitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Receiving:
		return "receiving"
	case Transmitting:
		return "transmitting"
	default:
		return "unknown"
	}
}

// Params are the modulation parameters programmed into the transceiver at
// Begin. The canonical deployment values are the spec's §6 constants.
type Params struct {
	FreqHz          uint32
	BandwidthHz     uint32
	SpreadingFactor uint8
	CodingRateDenom uint8 // e.g. 7 for "4/7"
	SyncWord        byte
	PowerDBm        int8
	PreambleLen     uint16
	TcxoDelay       time.Duration
}

// DefaultParams returns the canonical modulation parameters this system was
// designed against: 434 MHz, 500 kHz BW, SF7, CR4/7, private sync word,
// +22 dBm, preamble 8, TCXO 1.6 ms.
func DefaultParams() Params {
	return Params{
		FreqHz:          434_000_000,
		BandwidthHz:     500_000,
		SpreadingFactor: 7,
		CodingRateDenom: 7,
		SyncWord:        0x12, // private sync word, must match peers
		PowerDBm:        22,
		PreambleLen:     8,
		TcxoDelay:       1600 * time.Microsecond,
	}
}

// RxStats carries signal-quality metrics alongside a received frame, the
// way the teacher's sx1276.RxPacket carries Snr/Rssi/Fei. These are surfaced
// for field diagnostics only and never affect routing decisions.
type RxStats struct {
	RssiDBm int
	SnrDB   int
}

// Transceiver is the boundary to the actual LoRa chip driver and its
// SPI/GPIO hardware abstraction. A mismatch of Params between peers simply
// means no traffic flows; it is not detectable by this interface.
type Transceiver interface {
	// Begin configures the chip for the given parameters and leaves it in
	// standby.
	Begin(p Params) error
	// Standby transitions the chip to its idle/standby state.
	Standby() error
	// StartReceive arms the packet-received interrupt and puts the chip in
	// continuous receive mode.
	StartReceive() error
	// Transmit pushes buf into the chip's FIFO and starts a transmission.
	// It blocks until the chip signals TX-done or the driver-level TX
	// timeout fires.
	Transmit(buf []byte) error
	// ReceiveInto copies the pending received packet into buf and returns
	// its length (0 if nothing is pending) along with the frame's signal
	// quality.
	ReceiveInto(buf []byte) (int, RxStats, error)
}

// ModemConfig names one entry in Configs: a bandwidth/spreading-factor/
// coding-rate triple the controller has been tested against, the same
// shape as the teacher's sx1276.Config entries.
type ModemConfig struct {
	BandwidthHz     uint32
	SpreadingFactor uint8
	CodingRateDenom uint8
	Info            string
}

// Configs is the table of named modem configurations this system was tested
// against, analogous to sx1276.Configs. The cmd binary lets operators pick
// one by name in its TOML config instead of specifying the three values
// individually.
var Configs = map[string]ModemConfig{
	"bw500sf7cr7":  {BandwidthHz: 500_000, SpreadingFactor: 7, CodingRateDenom: 7, Info: "500kHz/SF7/CR4-7, default: short range, fast"},
	"bw125sf9cr8":  {BandwidthHz: 125_000, SpreadingFactor: 9, CodingRateDenom: 8, Info: "125kHz/SF9/CR4-8: medium range"},
	"bw125sf12cr8": {BandwidthHz: 125_000, SpreadingFactor: 12, CodingRateDenom: 8, Info: "125kHz/SF12/CR4-8: long range, slow"},
}

// ApplyConfig overrides base's bandwidth/spreading-factor/coding-rate with
// the named entry from Configs, leaving frequency, power, sync word,
// preamble and TCXO delay untouched. ok is false if name is not in Configs.
func ApplyConfig(base Params, name string) (p Params, ok bool) {
	c, found := Configs[name]
	if !found {
		return base, false
	}
	base.BandwidthHz = c.BandwidthHz
	base.SpreadingFactor = c.SpreadingFactor
	base.CodingRateDenom = c.CodingRateDenom
	return base, true
}

// Sentinel error causes. Wrap with errors.Wrap for logging context; compare
// with errors.Is against these values.
var (
	ErrTxTimeout = errors.New("radio: tx timeout")
	ErrHwRadio   = errors.New("radio: hardware error")
	ErrBadState  = errors.New("radio: operation not valid in current state")
)

// LogPrintf matches the teacher's pluggable logging hook shape.
type LogPrintf func(format string, v ...interface{})
