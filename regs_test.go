package fifoeth

import (
	"errors"
	"testing"
)

// memRegs is a plain register file. Reads of the data register pop rxq,
// writes append to txq.
type memRegs struct {
	lay  Layout
	regs map[uintptr]uint32
	rxq  []uint32
	txq  []uint32
}

func newMemRegs(fill uint32) *memRegs {
	lay := DefaultLayout()
	return &memRegs{lay: lay, regs: map[uintptr]uint32{lay.TxFill: fill}}
}

func (m *memRegs) Read32(off uintptr) uint32 {
	if off == m.lay.Data {
		if len(m.rxq) == 0 {
			return DataEmpty
		}
		v := m.rxq[0]
		m.rxq = m.rxq[1:]
		return v
	}
	return m.regs[off]
}

func (m *memRegs) Write32(off uintptr, v uint32) {
	if off == m.lay.Data {
		m.txq = append(m.txq, v)
		return
	}
	m.regs[off] = v
}

func txFill(txlog2, rxlog2 uint32, v Variant, field uint16) uint32 {
	return txlog2<<TxFillSizeShift | rxlog2<<RxFillSizeShift | uint32(v)<<FirmwareShift | uint32(field)
}

func TestNewRegisters(t *testing.T) {
	tests := []struct {
		fill    uint32
		variant Variant
		txcap   int
		rxcap   int
		wantErr error
	}{
		{fill: txFill(12, 11, VariantECM, 0), variant: VariantECM, txcap: 4096, rxcap: 2048},
		{fill: txFill(15, 15, VariantNCM, 0x1234), variant: VariantNCM, txcap: 1 << 15, rxcap: 1 << 15},
		{fill: txFill(12, 12, 0, 0), wantErr: ErrUnknownFirmware},
		{fill: txFill(12, 12, 3, 0), wantErr: ErrUnknownFirmware},
		{fill: txFill(12, 12, 7, 0), wantErr: ErrUnknownFirmware},
	}
	for _, tt := range tests {
		r, err := NewRegisters(newMemRegs(tt.fill), DefaultLayout())
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("fill %#x: want error %v, got %v", tt.fill, tt.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("fill %#x: %v", tt.fill, err)
		}
		if r.Variant() != tt.variant {
			t.Errorf("fill %#x: want variant %v, got %v", tt.fill, tt.variant, r.Variant())
		}
		if r.TxCapacity() != tt.txcap || r.RxCapacity() != tt.rxcap {
			t.Errorf("fill %#x: want capacities %d/%d, got %d/%d", tt.fill, tt.txcap, tt.rxcap, r.TxCapacity(), r.RxCapacity())
		}
	}
}

func TestTxSpaceAvailable(t *testing.T) {
	tests := []struct {
		variant Variant
		field   uint16
		want    int
	}{
		{VariantECM, 0, 4096},
		{VariantECM, 100, 3996},
		{VariantECM, 4096, 0},
		{VariantNCM, 4000, 4000},
		{VariantNCM, 0, 0},
		{VariantNCM, 0xffff, -1},
		{VariantNCM, 0xff00, -256},
	}
	for _, tt := range tests {
		m := newMemRegs(txFill(12, 12, tt.variant, tt.field))
		r, err := NewRegisters(m, m.lay)
		if err != nil {
			t.Fatal(err)
		}
		got := r.TxSpaceAvailable()
		if got != tt.want {
			t.Errorf("%v field %#x: want space %d, got %d", tt.variant, tt.field, tt.want, got)
		}
	}
}

func TestInterruptEnableIdempotent(t *testing.T) {
	m := newMemRegs(txFill(12, 12, VariantECM, 0))
	r, err := NewRegisters(m, m.lay)
	if err != nil {
		t.Fatal(err)
	}
	r.EnableInterrupts(IRQRx | IRQTx)
	r.DisableInterrupts(IRQRx)
	r.DisableInterrupts(IRQRx)
	if got := r.InterruptsEnabled(); got != IRQTx {
		t.Fatalf("want only TX enabled, got %#x", got)
	}
	r.EnableInterrupts(IRQTx)
	if got := r.InterruptsEnabled(); got != IRQTx {
		t.Fatalf("enabling twice changed mask: %#x", got)
	}
	// Bits outside the interrupt sources are never touched.
	m.regs[m.lay.IRQEnable] |= 1 << 7
	r.DisableInterrupts(0xffffffff)
	if got := r.InterruptsEnabled(); got != 1<<7 {
		t.Fatalf("want foreign bit kept, got %#x", got)
	}
	r.EnableInterrupts(1 << 5)
	if got := r.InterruptsEnabled(); got != 1<<7 {
		t.Fatalf("want foreign bit ignored, got %#x", got)
	}
}

func TestCarrier(t *testing.T) {
	m := newMemRegs(txFill(12, 12, VariantECM, 0))
	r, _ := NewRegisters(m, m.lay)
	m.regs[m.lay.Control0] = 0x55
	r.SetCarrier(true)
	if !r.Carrier() || m.regs[m.lay.Control0] != 0x55|CarrierOn {
		t.Fatalf("carrier on: control0=%#x", m.regs[m.lay.Control0])
	}
	r.SetCarrier(false)
	if r.Carrier() || m.regs[m.lay.Control0] != 0x55 {
		t.Fatalf("carrier off: control0=%#x", m.regs[m.lay.Control0])
	}
}

func TestRxFill(t *testing.T) {
	m := newMemRegs(txFill(12, 12, VariantECM, 0))
	r, _ := NewRegisters(m, m.lay)
	m.regs[m.lay.RxFill] = 3<<RxFillFramesShift | 200
	if got := r.RxFramesAvailable(); got != 3 {
		t.Errorf("want 3 frames, got %d", got)
	}
	if got := r.RxBytesAvailable(); got != 200 {
		t.Errorf("want 200 bytes, got %d", got)
	}
}

func TestPopPush(t *testing.T) {
	m := newMemRegs(txFill(12, 12, VariantECM, 0))
	r, _ := NewRegisters(m, m.lay)
	m.rxq = []uint32{'x', 'y' | DataLast, 0x1ff}
	b, last, empty := r.Pop()
	if b != 'x' || last || empty {
		t.Fatalf("first pop: %q %v %v", b, last, empty)
	}
	b, last, empty = r.Pop()
	if b != 'y' || !last || empty {
		t.Fatalf("second pop: %q %v %v", b, last, empty)
	}
	// Empty bit wins over data bits.
	_, _, empty = r.Pop()
	if !empty {
		t.Fatal("want empty")
	}
	_, _, empty = r.Pop()
	if !empty {
		t.Fatal("want empty on drained FIFO")
	}

	r.Push(0xaa, false)
	r.Push(0xbb, true)
	if len(m.txq) != 2 || m.txq[0] != 0xaa || m.txq[1] != 0xbb|DataLast {
		t.Fatalf("unexpected pushes %#x", m.txq)
	}
}

func TestFlushRx(t *testing.T) {
	m := newMemRegs(txFill(12, 12, VariantECM, 0))
	r, _ := NewRegisters(m, m.lay)
	m.rxq = []uint32{1, 2, 3 | DataLast, 4}
	if n := r.flushRx(); n != 4 {
		t.Fatalf("want 4 flushed, got %d", n)
	}
	if n := r.flushRx(); n != 0 {
		t.Fatalf("want 0 flushed on empty FIFO, got %d", n)
	}
}
