package fifoeth

import (
	"fmt"
	"sync"
)

// RegisterBlock provides 32-bit access to a register window. Offsets are in bytes.
type RegisterBlock interface {
	Read32(off uintptr) uint32
	Write32(off uintptr, v uint32)
}

// Layout holds register offsets relative to the start of the mapped window.
type Layout struct {
	TxFill    uintptr // outbound fill/space, FIFO sizes and firmware code (R)
	RxFill    uintptr // inbound frame and byte counts (R)
	IRQStatus uintptr // pending interrupts (R)
	Control0  uintptr // carrier enable (RW)
	Control1  uintptr // reserved for firmware tuning (RW)
	IRQEnable uintptr // interrupt enable mask (RW)
	Data      uintptr // FIFO data, one byte plus status per access (RW)
	// Size is the length of the register window to reserve and map.
	Size int
}

// DefaultLayout returns the register layout of the Usb2Example FIFO firmware.
func DefaultLayout() Layout {
	return Layout{
		TxFill:    0x40,
		RxFill:    0x44,
		IRQStatus: 0x50,
		Control0:  0x80,
		Control1:  0x84,
		IRQEnable: 0x90,
		Data:      0xc0,
		Size:      0x1000,
	}
}

// Interrupt status and enable bits.
const (
	IRQRx   uint32 = 1 << 0 // inbound frames available
	IRQTx   uint32 = 1 << 1 // outbound space available
	irqMask        = IRQRx | IRQTx
)

// Data register bits.
const (
	DataEmpty uint32 = 1 << 8 // receive FIFO empty, data bits are invalid
	DataLast  uint32 = 1 << 9 // byte is the last of its frame
	dataByte  uint32 = 0xff
)

// CarrierOn is the carrier enable bit of the Control0 register.
const CarrierOn uint32 = 1 << 31

// TxFill register fields. The low 16 bits hold the fill level, decoded per [Variant].
const (
	TxFillSizeShift = 28 // log2 of transmit FIFO size, 4 bits
	RxFillSizeShift = 24 // log2 of receive FIFO size, 4 bits
	FirmwareShift   = 21 // firmware code, 3 bits

	fillSizeMask = 0xf
	firmwareMask = 0x7
)

// RxFill register fields.
const (
	RxFillFramesShift = 16 // frames available, 16 bits

	rxFillFramesMask = 0xffff
	rxFillBytesMask  = 0xffff
)

// Registers is the typed accessor over a device's register block. Every
// read-modify-write of the interrupt enable and control registers happens
// under one lock since the interrupt handler, the receive worker and the
// transmit path all toggle enable bits.
type Registers struct {
	mu      sync.Mutex
	rb      RegisterBlock
	lay     Layout
	variant Variant
	decode  spaceDecoder
	txCap   int
	rxCap   int
}

// NewRegisters returns an accessor over rb. The firmware variant and FIFO
// capacities are read once here and stay fixed for the lifetime of the accessor.
func NewRegisters(rb RegisterBlock, lay Layout) (*Registers, error) {
	r := &Registers{rb: rb, lay: lay}
	fill := rb.Read32(lay.TxFill)
	r.variant = Variant((fill >> FirmwareShift) & firmwareMask)
	decode, ok := r.variant.decoder()
	if !ok {
		return nil, fmt.Errorf("%w: code %d", ErrUnknownFirmware, uint8(r.variant))
	}
	r.decode = decode
	r.txCap = 1 << ((fill >> TxFillSizeShift) & fillSizeMask)
	r.rxCap = 1 << ((fill >> RxFillSizeShift) & fillSizeMask)
	return r, nil
}

// Variant returns the firmware variant detected by NewRegisters.
func (r *Registers) Variant() Variant { return r.variant }

// TxCapacity returns the transmit FIFO size in bytes.
func (r *Registers) TxCapacity() int { return r.txCap }

// RxCapacity returns the receive FIFO size in bytes.
func (r *Registers) RxCapacity() int { return r.rxCap }

// Status returns the pending interrupt bits.
func (r *Registers) Status() uint32 {
	return r.rb.Read32(r.lay.IRQStatus)
}

// InterruptsEnabled returns the interrupt enable mask.
func (r *Registers) InterruptsEnabled() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rb.Read32(r.lay.IRQEnable)
}

// EnableInterrupts sets the enable bits in mask. Bits other than [IRQRx] and [IRQTx] are ignored.
func (r *Registers) EnableInterrupts(mask uint32) {
	mask &= irqMask
	r.mu.Lock()
	v := r.rb.Read32(r.lay.IRQEnable)
	r.rb.Write32(r.lay.IRQEnable, v|mask)
	r.mu.Unlock()
}

// DisableInterrupts clears the enable bits in mask. Bits other than [IRQRx] and [IRQTx] are ignored.
func (r *Registers) DisableInterrupts(mask uint32) {
	mask &= irqMask
	r.mu.Lock()
	v := r.rb.Read32(r.lay.IRQEnable)
	r.rb.Write32(r.lay.IRQEnable, v&^mask)
	r.mu.Unlock()
}

// SetCarrier sets or clears the carrier enable bit.
func (r *Registers) SetCarrier(on bool) {
	r.mu.Lock()
	v := r.rb.Read32(r.lay.Control0)
	if on {
		v |= CarrierOn
	} else {
		v &^= CarrierOn
	}
	r.rb.Write32(r.lay.Control0, v)
	r.mu.Unlock()
}

// Carrier reports the carrier enable bit.
func (r *Registers) Carrier() bool {
	return r.rb.Read32(r.lay.Control0)&CarrierOn != 0
}

// RxFramesAvailable returns the number of complete frames in the receive FIFO.
func (r *Registers) RxFramesAvailable() int {
	return int((r.rb.Read32(r.lay.RxFill) >> RxFillFramesShift) & rxFillFramesMask)
}

// RxBytesAvailable returns the number of bytes in the receive FIFO.
func (r *Registers) RxBytesAvailable() int {
	return int(r.rb.Read32(r.lay.RxFill) & rxFillBytesMask)
}

// TxSpaceAvailable returns the number of bytes that can be pushed into the
// transmit FIFO. It may be negative on firmware that reserves space.
func (r *Registers) TxSpaceAvailable() int {
	return r.decode(r.rb.Read32(r.lay.TxFill), r.txCap)
}

// Pop reads one entry from the receive FIFO. If empty is true the FIFO had
// no data and b and last carry no meaning. Callers establish availability
// through RxFramesAvailable before popping.
func (r *Registers) Pop() (b byte, last, empty bool) {
	d := r.rb.Read32(r.lay.Data)
	if d&DataEmpty != 0 {
		return 0, false, true
	}
	return byte(d & dataByte), d&DataLast != 0, false
}

// Push writes one byte into the transmit FIFO, tagged as the end of frame if last is set.
// Callers check TxSpaceAvailable before pushing.
func (r *Registers) Push(b byte, last bool) {
	d := uint32(b)
	if last {
		d |= DataLast
	}
	r.rb.Write32(r.lay.Data, d)
}

// flushRx pops until the receive FIFO reports empty and returns the number of
// entries discarded.
func (r *Registers) flushRx() (n int) {
	for r.rb.Read32(r.lay.Data)&DataEmpty == 0 {
		n++
	}
	return n
}
