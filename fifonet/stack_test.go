package fifonet

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/soypat/fifoeth"
	"github.com/soypat/fifoeth/internal/fifosim"
)

type node struct {
	sim   *fifosim.Device
	stack *Stack
	dev   *fifoeth.Device
}

func newNode(t *testing.T, cfg StackConfig) node {
	t.Helper()
	stack, err := NewStack(cfg)
	if err != nil {
		t.Fatal(err)
	}
	sim := fifosim.New(fifosim.Config{})
	dev, err := fifoeth.Bind(sim, stack, fifoeth.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dev.Unbind)
	if stack.Device() != dev {
		t.Fatal("stack not attached")
	}
	err = dev.Open()
	if err != nil {
		t.Fatal(err)
	}
	return node{sim: sim, stack: stack, dev: dev}
}

// wire moves frames between the transmit FIFO of one node and the receive
// FIFO of the other and delivers pending interrupts, until ctx is done.
func wire(ctx context.Context, a, b node) {
	for ctx.Err() == nil {
		for _, f := range a.sim.DrainTx() {
			b.sim.InjectFrame(f)
		}
		for _, f := range b.sim.DrainTx() {
			a.sim.InjectFrame(f)
		}
		a.sim.Poll()
		b.sim.Poll()
		time.Sleep(time.Millisecond)
	}
}

func TestResolveOverFIFO(t *testing.T) {
	addrA := netip.AddrFrom4([4]byte{10, 0, 0, 1})
	addrB := netip.AddrFrom4([4]byte{10, 0, 0, 2})
	a := newNode(t, StackConfig{StaticAddress: addrA, RandSeed: 1, Hostname: "a"})
	b := newNode(t, StackConfig{StaticAddress: addrB, RandSeed: 2, Hostname: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go wire(ctx, a, b)
	go a.stack.Run(ctx, time.Millisecond)
	go b.stack.Run(ctx, time.Millisecond)

	hw, err := a.stack.ResolveHardwareAddr(ctx, addrB, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := hw, b.stack.LnetoStack().HardwareAddress(); got != want {
		t.Fatalf("want %x, got %x", want, got)
	}
	if st := a.dev.Stats(); st.TxPackets == 0 || st.RxPackets == 0 {
		t.Fatalf("no traffic through device: %+v", st)
	}
}

func TestRuntDropped(t *testing.T) {
	n := newNode(t, StackConfig{RandSeed: 1})
	n.sim.Poll() // service the initial transmit interrupt
	n.sim.InjectFrame(make([]byte, 10))
	if !n.sim.Poll() {
		t.Fatal("receive interrupt not asserted")
	}
	deadline := time.Now().Add(5 * time.Second)
	for n.stack.Runts() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("runt never processed")
		}
		n.stack.RecvAndSend()
		time.Sleep(time.Millisecond)
	}
	if n.dev.Stats().RxPackets != 1 {
		t.Fatal("runt not delivered by driver")
	}
}

func TestRxQueueOverflow(t *testing.T) {
	stack, err := NewStack(StackConfig{RxQueueLen: 2, RandSeed: 1})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		stack.Receive(make([]byte, 60))
	}
	if got := stack.RxOverflows(); got != 1 {
		t.Fatalf("want 1 overflow, got %d", got)
	}
}

func TestQueueFlags(t *testing.T) {
	n := newNode(t, StackConfig{RandSeed: 1})
	if n.stack.QueueStopped() || !n.stack.CarrierUp() {
		t.Fatal("open device should run the queue with carrier up")
	}
	if err := n.dev.Close(); err != nil {
		t.Fatal(err)
	}
	if !n.stack.QueueStopped() || n.stack.CarrierUp() {
		t.Fatal("closed device should stop the queue and drop carrier")
	}
	n.dev.Unbind()
	if n.stack.Device() != nil {
		t.Fatal("stack still attached after unbind")
	}
	if _, _, err := n.stack.RecvAndSend(); err == nil {
		t.Fatal("want error without a device")
	}
}

func TestTxWatchdog(t *testing.T) {
	n := newNode(t, StackConfig{RandSeed: 1, TxTimeout: 10 * time.Millisecond})
	n.stack.StopQueue()
	n.stack.RecvAndSend()
	if n.dev.Stats().TxTimeouts != 0 {
		t.Fatal("watchdog fired early")
	}
	time.Sleep(20 * time.Millisecond)
	n.stack.RecvAndSend()
	if n.dev.Stats().TxTimeouts != 1 {
		t.Fatal("watchdog did not fire")
	}
	if n.stack.QueueStopped() {
		t.Fatal("queue not resumed by device")
	}
}

// Unbinding while a frame is being pushed waits for the push to finish
// before the register window goes away.
func TestDetachWaitsForTransmit(t *testing.T) {
	n := newNode(t, StackConfig{StaticAddress: netip.AddrFrom4([4]byte{10, 0, 0, 1}), RandSeed: 1})
	n.sim.Poll()
	data := fifoeth.DefaultLayout().Data
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	n.sim.SetWriteHook(func(off uintptr, v uint32) {
		if off == data {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})
	// Queue an ARP request so the stack has a frame to send.
	err := n.stack.LnetoStack().StartResolveHardwareAddress6(netip.AddrFrom4([4]byte{10, 0, 0, 2}))
	if err != nil {
		t.Fatal(err)
	}
	ran := make(chan error, 1)
	go func() { ran <- n.stack.Run(context.Background(), time.Millisecond) }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no frame transmitted")
	}

	unbound := make(chan struct{})
	go func() {
		n.dev.Unbind()
		close(unbound)
	}()
	select {
	case <-unbound:
		t.Fatal("unbind returned while a frame was being pushed")
	case <-time.After(50 * time.Millisecond):
	}
	if !n.sim.Mapped() {
		t.Fatal("register window unmapped during transmit")
	}
	close(release)
	<-unbound
	if err := <-ran; !errors.Is(err, errDetached) {
		t.Fatalf("want errDetached from Run, got %v", err)
	}
	if late := n.sim.AccessesAfterUnmap(); late != 0 {
		t.Fatalf("%d register accesses after unmap", late)
	}
	if st := n.dev.Stats(); st.TxPackets != 1 {
		t.Fatalf("want one frame transmitted, got %+v", st)
	}
}

func TestRandomHardwareAddr(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		mac := RandomHardwareAddr(rng)
		if mac[0]&0x01 != 0 || mac[0]&0x02 == 0 {
			t.Fatalf("%x is not a locally administered unicast address", mac)
		}
	}
	stack, err := NewStack(StackConfig{RandSeed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if hw := stack.HardwareAddr(); hw[0]&0x03 != 0x02 {
		t.Fatalf("default address %s not locally administered", hw)
	}
}
