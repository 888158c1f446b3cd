// Package fifosim models the FIFO register block and its bus in software so the
// driver can be exercised without hardware.
//
// The model follows the firmware: the receive and transmit FIFOs hold
// byte-plus-tag entries, interrupt status is level triggered and masked by the
// enable register, and the TxFill register carries FIFO sizes, the firmware
// code and a variant-encoded fill level. Interrupts are delivered explicitly
// with [Device.Interrupt] so tests control interleaving.
package fifosim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/soypat/fifoeth"
)

// Config configures a simulated device.
type Config struct {
	// Variant is the firmware code reported in the TxFill register. Defaults to ECM.
	// Unknown codes are reported as is.
	Variant fifoeth.Variant
	// TxLog2 and RxLog2 are log2 of the FIFO sizes. Default 12 (4096 bytes).
	TxLog2 uint8
	RxLog2 uint8
	// NCMReserve is subtracted from the space reported by NCM firmware,
	// which can make it negative.
	NCMReserve int
	// TxIRQThreshold is the free space at or above which the transmit interrupt
	// condition is raised. Defaults to fifoeth.DefaultMTU+1.
	TxIRQThreshold int
	// Layout defaults to fifoeth.DefaultLayout().
	Layout fifoeth.Layout
}

// Device is a simulated FIFO device. It implements [fifoeth.Bus].
type Device struct {
	mu     sync.Mutex
	cfg    Config
	lay    fifoeth.Layout
	txCap  int
	rxCap  int
	rx     []uint32
	frames int
	tx     []uint32
	enable uint32
	ctl0   uint32
	ctl1   uint32
	txOver int

	calls    []string
	reserved bool
	mapped   bool
	isr      func() fifoeth.IRQResult
	irqmu    sync.Mutex // held while the handler runs
	popHook  func()
	wrHook   func(off uintptr, v uint32)
	late     int // register accesses through a mapping after Unmap

	// Errors returned by the matching bus call when set.
	FailReserve error
	FailMap     error
	FailIRQ     error
}

// New returns a simulated device.
func New(cfg Config) *Device {
	if cfg.Variant == 0 {
		cfg.Variant = fifoeth.VariantECM
	}
	if cfg.TxLog2 == 0 {
		cfg.TxLog2 = 12
	}
	if cfg.RxLog2 == 0 {
		cfg.RxLog2 = 12
	}
	if cfg.TxIRQThreshold == 0 {
		cfg.TxIRQThreshold = fifoeth.DefaultMTU + 1
	}
	if cfg.Layout == (fifoeth.Layout{}) {
		cfg.Layout = fifoeth.DefaultLayout()
	}
	return &Device{
		cfg:   cfg,
		lay:   cfg.Layout,
		txCap: 1 << cfg.TxLog2,
		rxCap: 1 << cfg.RxLog2,
	}
}

// Bus implementation.

func (d *Device) ReserveRegion(size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "reserve")
	if d.FailReserve != nil {
		return d.FailReserve
	}
	if d.reserved {
		return fifoeth.ErrBusy
	}
	if size < d.lay.Size {
		return fmt.Errorf("fifosim: region size %#x too small", size)
	}
	d.reserved = true
	return nil
}

func (d *Device) ReleaseRegion() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "release")
	d.reserved = false
}

func (d *Device) MapRegion(size int) (fifoeth.Mapping, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "map")
	if d.FailMap != nil {
		return nil, d.FailMap
	}
	if !d.reserved {
		return nil, errors.New("fifosim: map before reserve")
	}
	d.mapped = true
	return mapping{d}, nil
}

func (d *Device) RequestIRQ(isr func() fifoeth.IRQResult) (fifoeth.IRQ, error) {
	d.mu.Lock()
	d.calls = append(d.calls, "request_irq")
	fail := d.FailIRQ
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	d.irqmu.Lock()
	d.isr = isr
	d.irqmu.Unlock()
	return irqLine{d}, nil
}

type mapping struct{ d *Device }

func (m mapping) Read32(off uintptr) uint32 {
	m.checkMapped()
	return m.d.Read32(off)
}

func (m mapping) Write32(off uintptr, v uint32) {
	m.d.mu.Lock()
	hook := m.d.wrHook
	m.d.mu.Unlock()
	if hook != nil {
		hook(off, v)
	}
	m.checkMapped()
	m.d.Write32(off, v)
}

func (m mapping) checkMapped() {
	m.d.mu.Lock()
	if !m.d.mapped {
		m.d.late++
	}
	m.d.mu.Unlock()
}

func (m mapping) Unmap() error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	m.d.calls = append(m.d.calls, "unmap")
	m.d.mapped = false
	return nil
}

type irqLine struct{ d *Device }

func (l irqLine) Synchronize() {
	l.d.irqmu.Lock()
	l.d.irqmu.Unlock()
}

func (l irqLine) Free() error {
	l.d.irqmu.Lock()
	l.d.isr = nil
	l.d.irqmu.Unlock()
	l.d.Record("free_irq")
	return nil
}

// Register access.

// Read32 reads a register. Reading the data register pops the receive FIFO.
func (d *Device) Read32(off uintptr) uint32 {
	if off == d.lay.Data {
		return d.pop()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch off {
	case d.lay.TxFill:
		v := uint32(d.cfg.TxLog2)<<fifoeth.TxFillSizeShift |
			uint32(d.cfg.RxLog2)<<fifoeth.RxFillSizeShift |
			uint32(d.cfg.Variant&0x7)<<fifoeth.FirmwareShift
		if d.cfg.Variant == fifoeth.VariantNCM {
			v |= uint32(uint16(int16(d.txSpace())))
		} else {
			v |= uint32(len(d.tx)) & 0xffff
		}
		return v
	case d.lay.RxFill:
		return uint32(d.frames)<<fifoeth.RxFillFramesShift | uint32(min(len(d.rx), 0xffff))
	case d.lay.IRQStatus:
		return d.status()
	case d.lay.IRQEnable:
		return d.enable
	case d.lay.Control0:
		return d.ctl0
	case d.lay.Control1:
		return d.ctl1
	}
	return 0
}

// Write32 writes a register. Writing the data register pushes into the transmit FIFO.
func (d *Device) Write32(off uintptr, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch off {
	case d.lay.Data:
		if len(d.tx) >= d.txCap {
			d.txOver++
			return
		}
		d.tx = append(d.tx, v&(0xff|fifoeth.DataLast))
	case d.lay.IRQEnable:
		d.enable = v
	case d.lay.Control0:
		d.ctl0 = v
	case d.lay.Control1:
		d.ctl1 = v
	}
}

func (d *Device) pop() uint32 {
	d.mu.Lock()
	hook := d.popHook
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rx) == 0 {
		return fifoeth.DataEmpty
	}
	e := d.rx[0]
	d.rx = d.rx[1:]
	if e&fifoeth.DataLast != 0 && d.frames > 0 {
		d.frames--
	}
	return e
}

func (d *Device) txSpace() int {
	space := d.txCap - len(d.tx)
	if d.cfg.Variant == fifoeth.VariantNCM {
		space -= d.cfg.NCMReserve
	}
	return space
}

func (d *Device) status() uint32 {
	var raw uint32
	if d.frames > 0 {
		raw |= fifoeth.IRQRx
	}
	if d.txSpace() >= d.cfg.TxIRQThreshold {
		raw |= fifoeth.IRQTx
	}
	return raw & d.enable
}

// Interrupt delivers an interrupt to the installed handler, as a shared line
// would, whether or not the device asserts it. It returns IRQNone if no handler
// is installed.
func (d *Device) Interrupt() fifoeth.IRQResult {
	d.irqmu.Lock()
	defer d.irqmu.Unlock()
	if d.isr == nil {
		return fifoeth.IRQNone
	}
	return d.isr()
}

// Asserted reports whether the device drives its interrupt line.
func (d *Device) Asserted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status() != 0
}

// Poll delivers an interrupt if the line is asserted and reports whether it did.
func (d *Device) Poll() bool {
	if !d.Asserted() {
		return false
	}
	d.Interrupt()
	return true
}

// Test helpers.

// InjectFrame appends frame to the receive FIFO with the last byte tagged.
func (d *Device) InjectFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range frame {
		e := uint32(b)
		if i == len(frame)-1 {
			e |= fifoeth.DataLast
		}
		d.rx = append(d.rx, e)
	}
	d.frames++
}

// SkewFrameCount adds delta to the receive frame counter without touching the
// FIFO, modelling a counter that disagrees with the FIFO contents.
func (d *Device) SkewFrameCount(delta int) {
	d.mu.Lock()
	d.frames = max(0, d.frames+delta)
	d.mu.Unlock()
}

// RxLen returns the number of entries in the receive FIFO.
func (d *Device) RxLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rx)
}

// RxFrames returns the receive frame counter.
func (d *Device) RxFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// FillTx occupies n entries of the transmit FIFO as if the host had not yet consumed them.
func (d *Device) FillTx(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n && len(d.tx) < d.txCap; i++ {
		d.tx = append(d.tx, 0)
	}
}

// TxLen returns the number of entries in the transmit FIFO.
func (d *Device) TxLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tx)
}

// TxSpace returns the free transmit space as the firmware would report it.
func (d *Device) TxSpace() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txSpace()
}

// TxEntries returns a copy of the raw transmit FIFO entries.
func (d *Device) TxEntries() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.tx...)
}

// DrainTx removes the whole transmit FIFO as the host side would consume it and
// returns the complete frames found in it. Bytes not followed by a tag are discarded.
func (d *Device) DrainTx() [][]byte {
	d.mu.Lock()
	entries := d.tx
	d.tx = nil
	d.mu.Unlock()
	var frames [][]byte
	var cur []byte
	for _, e := range entries {
		cur = append(cur, byte(e))
		if e&fifoeth.DataLast != 0 {
			frames = append(frames, cur)
			cur = nil
		}
	}
	return frames
}

// TxOverflows returns the number of pushes refused because the FIFO was full.
func (d *Device) TxOverflows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txOver
}

// Enabled returns the interrupt enable register.
func (d *Device) Enabled() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enable
}

// Carrier reports the carrier bit of the Control0 register.
func (d *Device) Carrier() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctl0&fifoeth.CarrierOn != 0
}

// SetPopHook installs fn to run before every receive FIFO pop, outside the model's lock.
func (d *Device) SetPopHook(fn func()) {
	d.mu.Lock()
	d.popHook = fn
	d.mu.Unlock()
}

// SetWriteHook installs fn to run before every register write made through
// the mapping, outside the model's lock.
func (d *Device) SetWriteHook(fn func(off uintptr, v uint32)) {
	d.mu.Lock()
	d.wrHook = fn
	d.mu.Unlock()
}

// AccessesAfterUnmap returns the number of register accesses made through the
// mapping after it was unmapped.
func (d *Device) AccessesAfterUnmap() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.late
}

// Record appends an event to the call log.
func (d *Device) Record(event string) {
	d.mu.Lock()
	d.calls = append(d.calls, event)
	d.mu.Unlock()
}

// Calls returns the call log: bus calls and recorded events in order.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Reserved reports whether the region is reserved.
func (d *Device) Reserved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserved
}

// Mapped reports whether the region is mapped.
func (d *Device) Mapped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapped
}

// IRQInstalled reports whether a handler is installed.
func (d *Device) IRQInstalled() bool {
	d.irqmu.Lock()
	defer d.irqmu.Unlock()
	return d.isr != nil
}
