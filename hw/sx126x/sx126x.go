// Package sx126x is the concrete SPI/GPIO-backed implementation of
// radio.Transceiver for a Semtech SX126x LoRa radio, the external
// collaborator the spec deliberately leaves unspecified beyond its
// interface (SPI/GPIO hardware abstraction, register-level chip
// programming). It opens the bus and control pins the same way
// cmd/mqttradio/raw.go does for the teacher's own SX127x/SX1231 radios
// (periph.io/x/periph spireg.Open / gpioreg.ByName), then issues the
// handful of SX126x opcodes this relay needs.
package sx126x

import (
	"time"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"

	"github.com/tve/lora-hr-relay/radio"
)

// SX126x command opcodes used by this driver (Semtech AN1200.xx command
// set). Only the commands needed to drive the relay's receive/transmit
// cycle are listed; this is not a general-purpose SX126x driver.
const (
	cmdSetStandby          = 0x80
	cmdSetRx               = 0x82
	cmdSetTx               = 0x83
	cmdSetRfFrequency      = 0x86
	cmdSetPacketType       = 0x8A
	cmdSetModulationParams = 0x8B
	cmdSetPacketParams     = 0x8C
	cmdSetTxParams         = 0x8E
	cmdWriteBuffer         = 0x0E
	cmdReadBuffer          = 0x1E
	cmdGetIrqStatus        = 0x12
	cmdClearIrqStatus      = 0x02
	cmdGetRxBufferStatus   = 0x13
	cmdGetPacketStatus     = 0x14

	packetTypeLoRa = 0x01

	irqTxDone  = 1 << 0
	irqRxDone  = 1 << 1
	irqTimeout = 1 << 9
)

// Pins names the SPI port and the three control lines this driver uses
// (BUSY, RST, DIO1), each opened through periph.io's gpioreg. DIO2 is not
// used.
type Pins struct {
	SPIPort string // e.g. "SPI0.0"
	Busy    string
	Reset   string
	DIO1    string
}

// Transceiver drives one SX126x radio over SPI.
type Transceiver struct {
	conn  spi.Conn
	busy  gpio.PinIO
	reset gpio.PinIO
	dio1  gpio.PinIO

	txTimeout time.Duration
}

// Open acquires the SPI connection and GPIO lines named by pins. The SPI
// port and pins must already be registered with periph.io's host drivers
// (periph.io/x/periph/host.Init) by the caller.
func Open(pins Pins) (*Transceiver, error) {
	port, err := spireg.Open(pins.SPIPort)
	if err != nil {
		return nil, errors.Wrapf(err, "sx126x: open spi port %s", pins.SPIPort)
	}
	conn, err := port.DevParams(8*1000*1000, spi.Mode0, 8)
	if err != nil {
		return nil, errors.Wrap(err, "sx126x: configure spi connection")
	}

	busy := gpioreg.ByName(pins.Busy)
	if busy == nil {
		return nil, errors.Errorf("sx126x: cannot open busy pin %s", pins.Busy)
	}
	reset := gpioreg.ByName(pins.Reset)
	if reset == nil {
		return nil, errors.Errorf("sx126x: cannot open reset pin %s", pins.Reset)
	}
	dio1 := gpioreg.ByName(pins.DIO1)
	if dio1 == nil {
		return nil, errors.Errorf("sx126x: cannot open dio1 pin %s", pins.DIO1)
	}
	if err := busy.In(gpio.Float, gpio.NoEdge); err != nil {
		return nil, errors.Wrap(err, "sx126x: configure busy pin")
	}
	if err := reset.Out(gpio.High); err != nil {
		return nil, errors.Wrap(err, "sx126x: configure reset pin")
	}
	if err := dio1.In(gpio.Float, gpio.RisingEdge); err != nil {
		return nil, errors.Wrap(err, "sx126x: configure dio1 pin")
	}

	return &Transceiver{conn: conn, busy: busy, reset: reset, dio1: dio1}, nil
}

var _ radio.Transceiver = (*Transceiver)(nil)

// waitNotBusy blocks until BUSY deasserts or timeout elapses.
func (t *Transceiver) waitNotBusy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for t.busy.Read() == gpio.High {
		if time.Now().After(deadline) {
			return errors.Wrap(radio.ErrHwRadio, "sx126x: busy timeout")
		}
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}

func (t *Transceiver) cmd(opcode byte, payload ...byte) error {
	if err := t.waitNotBusy(100 * time.Millisecond); err != nil {
		return err
	}
	w := append([]byte{opcode}, payload...)
	r := make([]byte, len(w))
	return t.conn.Tx(w, r)
}

// Begin hard-resets the radio and programs the packet type, RF frequency,
// modulation (SF/BW/CR), packet and TX parameters. p.SyncWord is not
// written, so the chip keeps its reset-default sync word; p.TcxoDelay is
// only the wait after reset, and no TCXO control command is issued.
func (t *Transceiver) Begin(p radio.Params) error {
	if err := t.reset.Out(gpio.Low); err != nil {
		return errors.Wrap(err, "sx126x: assert reset")
	}
	time.Sleep(time.Millisecond)
	if err := t.reset.Out(gpio.High); err != nil {
		return errors.Wrap(err, "sx126x: release reset")
	}
	time.Sleep(p.TcxoDelay)
	t.txTimeout = 4 * time.Second

	if err := t.cmd(cmdSetStandby, 0x00); err != nil {
		return errors.Wrap(err, "sx126x: set standby")
	}
	if err := t.cmd(cmdSetPacketType, packetTypeLoRa); err != nil {
		return errors.Wrap(err, "sx126x: set packet type")
	}

	freq := encodeFrequency(p.FreqHz)
	if err := t.cmd(cmdSetRfFrequency, byte(freq>>24), byte(freq>>16), byte(freq>>8), byte(freq)); err != nil {
		return errors.Wrap(err, "sx126x: set rf frequency")
	}

	bw := encodeBandwidth(p.BandwidthHz)
	if err := t.cmd(cmdSetModulationParams, p.SpreadingFactor, bw, p.CodingRateDenom-4, 0x00); err != nil {
		return errors.Wrap(err, "sx126x: set modulation params")
	}
	if err := t.cmd(cmdSetPacketParams, byte(p.PreambleLen>>8), byte(p.PreambleLen), 0x00, 0xFF, 0x01, 0x00); err != nil {
		return errors.Wrap(err, "sx126x: set packet params")
	}
	if err := t.cmd(cmdSetTxParams, byte(p.PowerDBm), 0x04); err != nil {
		return errors.Wrap(err, "sx126x: set tx params")
	}
	return nil
}

// Standby puts the chip in standby mode (RC oscillator).
func (t *Transceiver) Standby() error {
	return errors.Wrap(t.cmd(cmdSetStandby, 0x00), "sx126x: standby")
}

// StartReceive arms continuous receive mode.
func (t *Transceiver) StartReceive() error {
	if err := t.cmd(cmdClearIrqStatus, 0xFF, 0xFF); err != nil {
		return errors.Wrap(err, "sx126x: clear irq")
	}
	return errors.Wrap(t.cmd(cmdSetRx, 0xFF, 0xFF, 0xFF), "sx126x: set rx continuous")
}

// Transmit writes buf to the FIFO and starts a transmission, blocking until
// TxDone or the configured timeout.
func (t *Transceiver) Transmit(buf []byte) error {
	if err := t.cmd(cmdWriteBuffer, append([]byte{0x00}, buf...)...); err != nil {
		return errors.Wrap(err, "sx126x: write buffer")
	}
	if err := t.cmd(cmdClearIrqStatus, 0xFF, 0xFF); err != nil {
		return errors.Wrap(err, "sx126x: clear irq")
	}
	if err := t.cmd(cmdSetTx, 0x00, 0x00, 0x00); err != nil {
		return errors.Wrap(err, "sx126x: set tx")
	}

	if !t.dio1.WaitForEdge(t.txTimeout) {
		return radio.ErrTxTimeout
	}
	return nil
}

// ReceiveInto reads a pending packet's FIFO bytes into buf, along with its
// RSSI/SNR.
func (t *Transceiver) ReceiveInto(buf []byte) (int, radio.RxStats, error) {
	status := make([]byte, 4)
	if err := t.conn.Tx(append([]byte{cmdGetIrqStatus, 0x00}, make([]byte, 2)...), status); err != nil {
		return 0, radio.RxStats{}, errors.Wrap(err, "sx126x: get irq status")
	}
	irq := uint16(status[2])<<8 | uint16(status[3])
	if irq&irqRxDone == 0 {
		return 0, radio.RxStats{}, nil
	}
	if err := t.cmd(cmdClearIrqStatus, 0xFF, 0xFF); err != nil {
		return 0, radio.RxStats{}, errors.Wrap(err, "sx126x: clear irq")
	}

	bufStatus := make([]byte, 4)
	if err := t.conn.Tx(append([]byte{cmdGetRxBufferStatus, 0x00}, make([]byte, 2)...), bufStatus); err != nil {
		return 0, radio.RxStats{}, errors.Wrap(err, "sx126x: get rx buffer status")
	}
	n := int(bufStatus[2])
	if n > len(buf) {
		n = len(buf)
	}
	if n > 0 {
		w := append([]byte{cmdReadBuffer, bufStatus[3], 0x00}, make([]byte, n)...)
		r := make([]byte, len(w))
		if err := t.conn.Tx(w, r); err != nil {
			return 0, radio.RxStats{}, errors.Wrap(err, "sx126x: read buffer")
		}
		copy(buf, r[3:3+n])
	}

	pktStatus := make([]byte, 4)
	if err := t.conn.Tx(append([]byte{cmdGetPacketStatus, 0x00}, make([]byte, 2)...), pktStatus); err != nil {
		return n, radio.RxStats{}, errors.Wrap(err, "sx126x: get packet status")
	}
	stats := radio.RxStats{
		RssiDBm: -int(pktStatus[2]) / 2,
		SnrDB:   int(int8(pktStatus[3])) / 4,
	}
	return n, stats, nil
}

// encodeFrequency converts a frequency in Hz to the SX126x 32-bit RF
// frequency register value, PLL step 32e6/2^25 Hz.
func encodeFrequency(hz uint32) uint32 {
	const fXtal = 32_000_000
	return uint32((uint64(hz) << 25) / fXtal)
}

// encodeBandwidth maps a bandwidth in Hz to the nearest SX126x LoRa
// bandwidth enum value.
func encodeBandwidth(hz uint32) byte {
	switch {
	case hz <= 125_000:
		return 0x04
	case hz <= 250_000:
		return 0x05
	default:
		return 0x06 // 500 kHz
	}
}
