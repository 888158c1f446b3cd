package fifosim

import (
	"sync"

	"github.com/soypat/fifoeth"
)

// Recorder is a [fifoeth.NetDevice] that stores what the driver reports.
type Recorder struct {
	// AttachErr is returned by Attach when set.
	AttachErr error
	// Trace, when set, is called with the name of every callback as it happens.
	Trace func(event string)
	// OnReceive, when set, is called for every received frame after it is stored.
	OnReceive func(frame []byte)
	// OnStopQueue, when set, is called after every StopQueue is recorded.
	OnStopQueue func()

	mu      sync.Mutex
	dev     *fifoeth.Device
	frames  [][]byte
	carrier bool
	stopped bool
	wakes   int
	stops   int
}

func (r *Recorder) trace(event string) {
	if r.Trace != nil {
		r.Trace(event)
	}
}

func (r *Recorder) Attach(dev *fifoeth.Device) error {
	r.trace("attach")
	if r.AttachErr != nil {
		return r.AttachErr
	}
	r.mu.Lock()
	r.dev = dev
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Detach() {
	r.trace("detach")
	r.mu.Lock()
	r.dev = nil
	r.mu.Unlock()
}

func (r *Recorder) Receive(frame []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	fn := r.OnReceive
	r.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func (r *Recorder) SetCarrier(up bool) {
	r.mu.Lock()
	r.carrier = up
	r.mu.Unlock()
}

func (r *Recorder) WakeQueue() {
	r.mu.Lock()
	r.stopped = false
	r.wakes++
	r.mu.Unlock()
}

func (r *Recorder) StopQueue() {
	r.mu.Lock()
	r.stopped = true
	r.stops++
	fn := r.OnStopQueue
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Device returns the attached device or nil.
func (r *Recorder) Device() *fifoeth.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dev
}

// Frames returns the frames received so far.
func (r *Recorder) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

// NumFrames returns the number of frames received so far.
func (r *Recorder) NumFrames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Carrier returns the last reported link state.
func (r *Recorder) Carrier() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.carrier
}

// Stopped reports whether the queue is stopped.
func (r *Recorder) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// QueueEvents returns how many times the queue was woken and stopped.
func (r *Recorder) QueueEvents() (wakes, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wakes, r.stops
}
