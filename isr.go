package fifoeth

// handleIRQ is the interrupt handler installed on the bus. It must not block
// or allocate. Pending sources are disabled before being serviced: they are
// level triggered and stay asserted until the worker or the hardware clears
// the condition.
func (d *Device) handleIRQ() IRQResult {
	pending := d.regs.Status() & irqMask
	if pending == 0 {
		return IRQNone // shared line
	}
	d.regs.DisableInterrupts(pending)
	if pending&IRQRx != 0 {
		d.worker.kick()
	}
	if pending&IRQTx != 0 {
		d.wakeQueue()
	}
	return IRQHandled
}
