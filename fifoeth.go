// Package fifoeth provides a driver that exposes a pair of byte-wide hardware
// FIFOs as an Ethernet network device.
//
// The FIFOs live in a memory-mapped register block on an interconnect bus
// (for example the AXI side of a USB ECM/NCM gadget implemented in an FPGA).
// Every 32-bit access to the data register moves one payload byte together
// with two status bits: an empty flag and an end-of-frame tag that marks the
// last byte of a frame. The driver turns inbound bytes into frames, pushes
// outbound frames into the FIFO byte by byte and applies interrupt-driven flow
// control to the transmit queue of the network stack it feeds.
//
// Three contexts touch a bound [Device]: the interrupt handler installed on the
// [Bus], a dedicated receive worker goroutine and the network stack's transmit
// calls. Use [Bind] to attach the driver to a discovered [Bus] and a [NetDevice].
package fifoeth

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// DefaultMTU is the receive buffer size and transmit headroom threshold used
// when [Config.MTU] is zero. It covers an Ethernet frame without FCS plus slack.
const DefaultMTU = 1536

var (
	// ErrUnknownFirmware is returned by [Bind] when the firmware code read
	// from the register block matches no known [Variant].
	ErrUnknownFirmware = errors.New("fifoeth: unknown firmware variant")
	// ErrBusy is returned when the register region is already reserved.
	ErrBusy = errors.New("fifoeth: region busy")
	// ErrNotBound is returned by lifecycle calls on an unbound device.
	ErrNotBound = errors.New("fifoeth: device not bound")
	// ErrBadConfig is returned by [Bind] for invalid configuration values.
	ErrBadConfig = errors.New("fifoeth: bad config")
)

// Config holds the configuration parameters used by [Bind].
type Config struct {
	// MTU is the largest frame accepted from the receive FIFO and the amount of
	// transmit space below which the transmit queue is stopped. Defaults to [DefaultMTU].
	MTU int
	// Logger receives driver diagnostics. Nil disables logging.
	Logger *slog.Logger
	// AllocRx allocates receive buffers of the given size. A nil return or a
	// buffer with insufficient capacity drops the frame being received.
	// If nil, buffers are allocated with make.
	AllocRx func(size int) []byte
	// Layout locates the registers inside the mapped window.
	// The zero value selects [DefaultLayout].
	Layout Layout
}

// Bus is the bus side of one discovered hardware instance. It hands out the
// resources [Bind] acquires, in the order [Bind] acquires them.
type Bus interface {
	// ReserveRegion claims exclusive use of the register window.
	// It returns an error wrapping [ErrBusy] if another party holds it.
	ReserveRegion(size int) error
	// ReleaseRegion drops the reservation made by ReserveRegion.
	ReleaseRegion()
	// MapRegion maps the reserved register window for 32-bit access.
	MapRegion(size int) (Mapping, error)
	// RequestIRQ installs isr on the device's interrupt line. The line may be
	// shared, isr reports whether the interrupt belonged to this device.
	RequestIRQ(isr func() IRQResult) (IRQ, error)
}

// Mapping is a mapped register window.
type Mapping interface {
	RegisterBlock
	Unmap() error
}

// IRQ is an installed interrupt handler.
type IRQ interface {
	// Free uninstalls the handler. It does not return while the handler runs.
	Free() error
	// Synchronize waits for a handler invocation in progress to return.
	Synchronize()
}

// IRQResult classifies an interrupt as seen by the handler.
type IRQResult uint8

const (
	IRQNone    IRQResult = iota // not raised by this device
	IRQHandled                  // serviced
)

func (r IRQResult) String() string {
	switch r {
	case IRQNone:
		return "none"
	case IRQHandled:
		return "handled"
	}
	return "IRQResult(?)"
}

// NetDevice is the network stack side of a bound [Device]. The driver feeds
// received frames into it and reports carrier and transmit-queue transitions.
// The stack in turn calls [Device.Open], [Device.Close] and [Device.Transmit].
type NetDevice interface {
	// Attach registers the device with the stack. It is the last step of [Bind].
	Attach(dev *Device) error
	// Detach unregisters the device. After Detach returns the stack must not
	// call into the device.
	Detach()
	// Receive hands over a complete inbound frame. The callee owns frame.
	// Receive is called from the receive worker and may block briefly.
	Receive(frame []byte)
	// SetCarrier reports the link state.
	SetCarrier(up bool)
	// WakeQueue resumes transmission. It is called from interrupt context and
	// must neither block nor call back into the device.
	WakeQueue()
	// StopQueue pauses transmission until the next WakeQueue.
	StopQueue()
}

// Stats holds the traffic counters of a device. Counters are read without
// locking and are consistent per counter, not across counters.
type Stats struct {
	RxPackets    uint64
	RxBytes      uint64
	RxDropped    uint64
	RxFIFOErrors uint64
	TxPackets    uint64
	TxBytes      uint64
	TxDropped    uint64
	TxErrors     uint64
	TxTimeouts   uint64
}

// counters backs Stats. Each direction has a single writer.
type counters struct {
	rxPackets    atomic.Uint64
	rxBytes      atomic.Uint64
	rxDropped    atomic.Uint64
	rxFIFOErrors atomic.Uint64
	txPackets    atomic.Uint64
	txBytes      atomic.Uint64
	txDropped    atomic.Uint64
	txErrors     atomic.Uint64
	txTimeouts   atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		RxPackets:    c.rxPackets.Load(),
		RxBytes:      c.rxBytes.Load(),
		RxDropped:    c.rxDropped.Load(),
		RxFIFOErrors: c.rxFIFOErrors.Load(),
		TxPackets:    c.txPackets.Load(),
		TxBytes:      c.txBytes.Load(),
		TxDropped:    c.txDropped.Load(),
		TxErrors:     c.txErrors.Load(),
		TxTimeouts:   c.txTimeouts.Load(),
	}
}
