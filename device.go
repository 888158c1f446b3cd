package fifoeth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type devState uint8

const (
	stateUnbound devState = iota
	stateBound
	stateOpen
	stateClosed
)

func (s devState) String() string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateBound:
		return "bound"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	}
	return "devState(?)"
}

// Device is a FIFO network device bound to one hardware instance.
// Create it with [Bind] and release it with [Device.Unbind].
type Device struct {
	mu     sync.Mutex // serializes lifecycle calls
	state  devState
	bus    Bus
	netdev NetDevice
	log    *slog.Logger
	mtu    int
	alloc  func(size int) []byte
	lay    Layout

	// Resources in acquisition order. Teardown releases them in reverse.
	reserved bool
	mapping  Mapping
	regs     *Registers
	irq      IRQ
	worker   *rxWorker
	attached bool

	// rxmu is held while the receive FIFO is read: by the worker's drain and by Close's flush.
	rxmu      sync.Mutex
	open      atomic.Bool
	txStopped atomic.Bool
	stats     counters
}

// Bind attaches the driver to the hardware instance behind bus and registers
// it with netdev. Resources are acquired in order: region reservation,
// register mapping, firmware detection, interrupt handler, receive worker and
// network device registration. If any step fails everything acquired so far
// is released and the error is returned.
//
// Interrupt sources stay disabled until [Device.Open].
func Bind(bus Bus, netdev NetDevice, cfg Config) (*Device, error) {
	if bus == nil || netdev == nil {
		return nil, fmt.Errorf("%w: nil bus or network device", ErrBadConfig)
	}
	if cfg.MTU < 0 {
		return nil, fmt.Errorf("%w: negative MTU", ErrBadConfig)
	} else if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout()
	}
	if cfg.Layout.Size <= 0 {
		return nil, fmt.Errorf("%w: register window size %d", ErrBadConfig, cfg.Layout.Size)
	}
	if cfg.AllocRx == nil {
		cfg.AllocRx = func(size int) []byte { return make([]byte, size) }
	}
	d := &Device{
		bus:    bus,
		netdev: netdev,
		log:    cfg.Logger,
		mtu:    cfg.MTU,
		alloc:  cfg.AllocRx,
		lay:    cfg.Layout,
	}
	err := d.bind()
	if err != nil {
		d.logerr("bind failed", slog.String("err", err.Error()))
		d.teardown()
		return nil, err
	}
	d.info("bound",
		slog.String("firmware", d.regs.Variant().String()),
		slog.Int("txfifo", d.regs.TxCapacity()),
		slog.Int("rxfifo", d.regs.RxCapacity()),
		slog.Int("mtu", d.mtu),
	)
	return d, nil
}

func (d *Device) bind() (err error) {
	err = d.bus.ReserveRegion(d.lay.Size)
	if err != nil {
		return fmt.Errorf("fifoeth: reserve region: %w", err)
	}
	d.reserved = true

	mapping, err := d.bus.MapRegion(d.lay.Size)
	if err != nil {
		return fmt.Errorf("fifoeth: map region: %w", err)
	}
	d.mapping = mapping

	d.regs, err = NewRegisters(d.mapping, d.lay)
	if err != nil {
		return fmt.Errorf("fifoeth: detect firmware: %w", err)
	}
	d.regs.DisableInterrupts(irqMask)

	// The worker must exist before the handler can kick it.
	d.worker = newRxWorker(d.drainRx)
	irq, err := d.bus.RequestIRQ(d.handleIRQ)
	if err != nil {
		return fmt.Errorf("fifoeth: request irq: %w", err)
	}
	d.irq = irq

	d.worker.start()

	err = d.netdev.Attach(d)
	if err != nil {
		return fmt.Errorf("fifoeth: attach network device: %w", err)
	}
	d.attached = true
	d.state = stateBound
	return nil
}

// Unbind releases the device: interrupt sources are disabled, the receive
// worker is stopped (waiting for an in-flight drain to finish), the network
// device is detached, then the interrupt handler, register mapping and region
// reservation are released. Unbind on an unbound device does nothing.
func (d *Device) Unbind() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateUnbound {
		return
	}
	d.teardown()
	d.info("unbound")
}

// teardown releases whatever bind acquired, in reverse order. It is safe to
// call after a partial bind.
func (d *Device) teardown() {
	// Under rxmu so a drain finishing now cannot re-enable the receive interrupt.
	d.rxmu.Lock()
	wasOpen := d.open.Swap(false)
	if d.regs != nil {
		d.regs.DisableInterrupts(irqMask)
	}
	d.rxmu.Unlock()
	if d.worker != nil {
		d.worker.stop()
	}
	if d.attached {
		d.netdev.Detach()
		d.attached = false
	}
	if wasOpen {
		d.regs.SetCarrier(false)
	}
	if d.irq != nil {
		err := d.irq.Free()
		if err != nil {
			d.logerr("free irq", slog.String("err", err.Error()))
		}
		d.irq = nil
	}
	if d.mapping != nil {
		err := d.mapping.Unmap()
		if err != nil {
			d.logerr("unmap", slog.String("err", err.Error()))
		}
		d.mapping = nil
	}
	if d.reserved {
		d.bus.ReleaseRegion()
		d.reserved = false
	}
	d.state = stateUnbound
}

// Open enables both interrupt sources, starts the transmit queue and asserts
// carrier. Opening an open device does nothing.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stateUnbound:
		return ErrNotBound
	case stateOpen:
		return nil
	}
	d.open.Store(true)
	d.regs.EnableInterrupts(IRQRx | IRQTx)
	d.wakeQueue()
	d.regs.SetCarrier(true)
	d.netdev.SetCarrier(true)
	d.state = stateOpen
	d.debug("open")
	return nil
}

// Close disables both interrupt sources, flushes the receive FIFO, deasserts
// carrier and stops the transmit queue. The interrupt handler stays installed
// so the device can be opened again.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stateUnbound:
		return ErrNotBound
	case stateBound, stateClosed:
		return nil
	}
	// Taking rxmu waits out a drain in progress. Later drains see !open and return.
	d.rxmu.Lock()
	d.open.Store(false)
	d.regs.DisableInterrupts(irqMask)
	flushed := d.regs.flushRx()
	d.rxmu.Unlock()
	// A handler that read the status before the disable may still be waking the queue.
	d.irq.Synchronize()

	d.regs.SetCarrier(false)
	d.stopQueue()
	d.netdev.SetCarrier(false)

	d.state = stateClosed
	d.debug("closed", slog.Int("flushed", flushed))
	return nil
}

// Stats returns a snapshot of the traffic counters.
func (d *Device) Stats() Stats { return d.stats.snapshot() }

// MTU returns the configured MTU.
func (d *Device) MTU() int { return d.mtu }

// CarrierUp reports whether the device is open with carrier asserted.
func (d *Device) CarrierUp() bool { return d.open.Load() }

// QueueStopped reports whether the driver has stopped the transmit queue.
func (d *Device) QueueStopped() bool { return d.txStopped.Load() }

// Variant returns the firmware variant detected at bind.
func (d *Device) Variant() Variant { return d.regs.Variant() }

// TxCapacity returns the transmit FIFO size in bytes.
func (d *Device) TxCapacity() int { return d.regs.TxCapacity() }

// RxCapacity returns the receive FIFO size in bytes.
func (d *Device) RxCapacity() int { return d.regs.RxCapacity() }

// Registers returns the register accessor for diagnostics.
func (d *Device) Registers() *Registers { return d.regs }

// wakeQueue resumes the transmit queue. A closed device keeps it stopped.
func (d *Device) wakeQueue() {
	if !d.open.Load() {
		return
	}
	d.txStopped.Store(false)
	d.netdev.WakeQueue()
}

func (d *Device) stopQueue() {
	d.txStopped.Store(true)
	d.netdev.StopQueue()
}

func (d *Device) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}

func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.log != nil {
		d.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
