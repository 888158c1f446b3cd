package fifoeth

import "log/slog"

// Transmit pushes frame into the transmit FIFO and tags its last byte as the
// end of frame. The driver keeps no transmit buffer: a frame larger than the
// free FIFO space is dropped and counted as both an error and a drop, leaving
// queuing to the stack. When less than MTU+1 bytes remain after a push the
// transmit queue is stopped and the transmit interrupt armed so the handler
// wakes the queue once the hardware has drained.
//
// Transmit must not be called concurrently with itself.
func (d *Device) Transmit(frame []byte) {
	if len(frame) == 0 || !d.open.Load() {
		d.stats.txDropped.Add(1)
		return
	}
	avail := d.regs.TxSpaceAvailable()
	if len(frame) > avail {
		d.stats.txErrors.Add(1)
		d.stats.txDropped.Add(1)
		d.debug("tx: no space, frame dropped", slog.Int("plen", len(frame)), slog.Int("space", avail))
		return
	}
	last := len(frame) - 1
	for _, b := range frame[:last] {
		d.regs.Push(b, false)
	}
	d.regs.Push(frame[last], true)
	d.stats.txPackets.Add(1)
	d.stats.txBytes.Add(uint64(len(frame)))

	if d.regs.TxSpaceAvailable() < d.mtu+1 {
		d.stopQueue()
		d.regs.EnableInterrupts(IRQTx)
	} else if d.txStopped.Load() {
		d.wakeQueue()
	}
}

// TxTimeout is called by the stack when the transmit queue has been stopped
// for too long. That means the transmit interrupt never fired, which is a
// driver or firmware bug. The queue is woken so traffic can resume.
// On a device that is not open it is only counted.
func (d *Device) TxTimeout() {
	d.stats.txTimeouts.Add(1)
	if !d.open.Load() {
		d.debug("tx: timeout on closed device ignored")
		return
	}
	d.logerr("tx: transmit timeout, interrupt did not resume queue",
		slog.Int("space", d.regs.TxSpaceAvailable()),
		slog.Uint64("irqen", uint64(d.regs.InterruptsEnabled())),
	)
	d.wakeQueue()
}
