package fifoeth

import "log/slog"

// rxWorker runs the receive drain on its own goroutine. Kicks coalesce: at
// most one run is pending and at most one run executes at a time.
type rxWorker struct {
	work    func()
	pending chan struct{}
	quit    chan struct{}
	done    chan struct{}
	started bool
}

func newRxWorker(work func()) *rxWorker {
	return &rxWorker{
		work:    work,
		pending: make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *rxWorker) start() {
	w.started = true
	go w.run()
}

func (w *rxWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case <-w.pending:
			w.work()
		}
	}
}

// kick schedules a run of the work function. It never blocks.
func (w *rxWorker) kick() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

// stop waits for a run in progress to finish and terminates the worker.
// Kicks after stop are dropped.
func (w *rxWorker) stop() {
	if !w.started {
		return
	}
	close(w.quit)
	<-w.done
	w.started = false
}

// drainRx moves every complete frame in the receive FIFO to the network
// device, then re-enables the receive interrupt.
func (d *Device) drainRx() {
	d.rxmu.Lock()
	defer d.rxmu.Unlock()
	if !d.open.Load() {
		return // Closed or unbinding. Open re-enables the interrupt.
	}
	for d.regs.RxFramesAvailable() > 0 {
		if !d.receiveFrame() {
			break
		}
	}
	d.regs.EnableInterrupts(IRQRx)
}

// receiveFrame reads one frame. The hardware reports frame counts but not
// lengths, so bytes are read into an MTU sized buffer until the end-of-frame
// tag. It returns false if the FIFO ran empty before the tag, which means the
// frame counter disagrees with the FIFO contents.
func (d *Device) receiveFrame() bool {
	mtu := d.mtu
	buf := d.alloc(mtu)
	if cap(buf) < mtu {
		if buf == nil {
			d.logerr("rx: no memory, frame dropped")
		} else {
			d.logerr("rx: buffer too small, frame dropped", slog.Int("cap", cap(buf)), slog.Int("want", mtu))
		}
		d.stats.rxDropped.Add(1)
		return d.discardFrame()
	}
	buf = buf[:mtu]
	for n := 0; n < mtu; {
		b, last, empty := d.regs.Pop()
		if empty {
			d.stats.rxDropped.Add(1)
			d.rxUnderrun(n)
			return false
		}
		buf[n] = b
		n++
		if last {
			d.stats.rxPackets.Add(1)
			d.stats.rxBytes.Add(uint64(n))
			d.netdev.Receive(buf[:n])
			return true
		}
	}
	d.logerr("rx: frame exceeds MTU, dropped", slog.Int("mtu", mtu))
	d.stats.rxDropped.Add(1)
	return d.discardFrame()
}

// discardFrame pops the rest of the current frame. The empty bit bounds the
// loop so a missing tag cannot spin forever.
func (d *Device) discardFrame() bool {
	for n := 0; ; n++ {
		_, last, empty := d.regs.Pop()
		if empty {
			d.rxUnderrun(n)
			return false
		}
		if last {
			return true
		}
	}
}

func (d *Device) rxUnderrun(popped int) {
	d.stats.rxFIFOErrors.Add(1)
	d.logerr("rx: FIFO empty before end of frame, frame counter out of sync",
		slog.Int("popped", popped),
		slog.Int("frames", d.regs.RxFramesAvailable()),
	)
}
