package radio

import (
	"sync"

	"github.com/pkg/errors"
)

// Signal is a lock-free, ISR-safe 1-bit event, the Go equivalent of the
// event-group bit the spec's ISR contract (§4.3) sets. NotifyFromISR never
// blocks and is safe to call with no goroutine scheduled to receive -- the
// buffered channel of capacity 1 coalesces back-to-back interrupts into a
// single pending wakeup, same as an event-group bit that is already set.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns a ready-to-use Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// NotifyFromISR sets the signal. Safe to call from an interrupt handler:
// it never allocates and never blocks.
func (s *Signal) NotifyFromISR() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is set, then clears it. This is the relay
// task's unbounded wait on RecvEvt.
func (s *Signal) Wait() {
	<-s.ch
}

// Controller serializes access to a Transceiver and enforces the
// half-duplex invariant: the chip is in exactly one of Idle/Receiving/
// Transmitting, and only one caller touches it at a time. The relay task
// is not the only caller: HR notifications arrive on the scan manager's
// goroutine and transmit from there, so a mutex guards every transition
// here rather than relying on single-task ownership alone.
type Controller struct {
	t   Transceiver
	log LogPrintf

	mu    sync.Mutex
	state State

	recv *Signal
}

// NewController wraps t with half-duplex serialization. A nil logger
// disables logging, matching the teacher's RadioOpts.Logger default.
func NewController(t Transceiver, log LogPrintf) *Controller {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Controller{t: t, log: log, state: Idle, recv: NewSignal()}
}

// Signal returns the packet-received event the relay task waits on.
func (c *Controller) Signal() *Signal { return c.recv }

// NotifyPacketReceived is called from the packet-received ISR. It does not
// touch the radio, only the event signal, per the ISR contract.
func (c *Controller) NotifyPacketReceived() { c.recv.NotifyFromISR() }

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin configures the transceiver and leaves it in Idle.
func (c *Controller) Begin(p Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.t.Begin(p); err != nil {
		return errors.Wrap(err, "radio: begin failed")
	}
	c.state = Idle
	return nil
}

// Standby transitions the radio to Idle from any state.
func (c *Controller) Standby() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.standbyLocked()
}

func (c *Controller) standbyLocked() error {
	if err := c.t.Standby(); err != nil {
		return errors.Wrap(err, "radio: standby failed")
	}
	c.state = Idle
	return nil
}

// StartReceive arms reception, transitioning Idle -> Receiving.
func (c *Controller) StartReceive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startReceiveLocked()
}

func (c *Controller) startReceiveLocked() error {
	if err := c.t.StartReceive(); err != nil {
		return errors.Wrap(err, "radio: start receive failed")
	}
	c.state = Receiving
	return nil
}

// TxOutcome is the result of a TryTransmit call.
type TxOutcome int

const (
	TxOK TxOutcome = iota
	TxTimedOut
	TxHwError
)

// TryTransmit requires the radio be Idle or Receiving, transitions through
// Transmitting, blocks on the transceiver until it reports completion or
// timeout, then returns to Idle and re-arms Receiving. The half-duplex
// mutex is held for the whole call, bounded by the transceiver's own TX
// timeout.
func (c *Controller) TryTransmit(buf []byte) (TxOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle && c.state != Receiving {
		return TxHwError, errors.Wrapf(ErrBadState, "cannot transmit from state %s", c.state)
	}

	// RX -> TX passes through Idle (standby).
	if err := c.standbyLocked(); err != nil {
		return TxHwError, err
	}
	c.state = Transmitting
	err := c.t.Transmit(buf)
	switch {
	case err == nil:
		c.log("radio: tx complete, %d bytes", len(buf))
	case errors.Is(err, ErrTxTimeout):
		c.log("radio: tx timeout")
	default:
		c.log("radio: tx hw error: %s", err)
	}

	// Always attempt to return to Receiving, per spec: TxTimeout is a warn-
	// and-continue condition, and a steady-state HwRadioError still tries
	// to get back to RX. TX -> RX passes through Idle (standby).
	if serr := c.standbyLocked(); serr != nil {
		c.log("radio: standby after tx failed: %s", serr)
	}
	if rerr := c.startReceiveLocked(); rerr != nil {
		c.log("radio: failed to re-arm receive after tx: %s", rerr)
		c.state = Idle
	}

	switch {
	case err == nil:
		return TxOK, nil
	case errors.Is(err, ErrTxTimeout):
		return TxTimedOut, nil
	default:
		return TxHwError, errors.Wrap(err, "radio: transmit failed")
	}
}

// ReceiveInto reads a pending packet into buf, returning its length (0 if
// none is pending) and the frame's signal-quality stats.
func (c *Controller) ReceiveInto(buf []byte) (int, RxStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, stats, err := c.t.ReceiveInto(buf)
	if err != nil {
		return 0, RxStats{}, errors.Wrap(err, "radio: receive failed")
	}
	return n, stats, nil
}
