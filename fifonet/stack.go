// Package fifonet runs lneto's networking stack over a fifoeth device.
//
// A [Stack] is the [fifoeth.NetDevice] handed to [fifoeth.Bind]: the driver's
// receive worker queues frames into it and its transmit-queue callbacks gate
// outbound traffic. [Stack.RecvAndSend] moves one frame each way and is meant to
// be called in a loop, see [Stack.Run].
package fifonet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/fifoeth"
	"github.com/soypat/lneto/ethernet"
	"github.com/soypat/lneto/x/xnet"
)

const (
	// MTU is the IP MTU configured on the stack.
	MTU = 1500
	// MFU is the largest frame handed to the device. It matches the driver's default MTU.
	MFU = fifoeth.DefaultMTU
)

var (
	errDetached = errors.New("fifonet: no device attached")
	errAttached = errors.New("fifonet: device already attached")
)

// Stack wraps a fifoeth device with lneto's networking stack.
type Stack struct {
	s xnet.StackAsync
	// mu is held by RecvAndSend while it uses dev. Detach takes it so no call
	// reaches the device after Detach returns.
	mu      sync.Mutex
	dev     atomic.Pointer[fifoeth.Device]
	log     *slog.Logger
	sendbuf []byte
	rxq     chan []byte

	carrier   atomic.Bool
	stopped   atomic.Bool
	stoppedAt atomic.Int64 // unix nanoseconds
	txTimeout time.Duration

	rxOverflows atomic.Uint64
	runts       atomic.Uint64

	// pcap fields for packet capture printing.
	pcap         xnet.CapturePrinter
	enableRxPcap bool
	enableTxPcap bool
}

type StackConfig struct {
	StaticAddress netip.Addr
	Hostname      string
	// HardwareAddress is the interface MAC. The zero value selects a random
	// locally administered unicast address.
	HardwareAddress [6]byte
	MaxTCPPorts     int
	RandSeed        int64
	// RxQueueLen bounds frames received but not yet demuxed. Default 16.
	RxQueueLen int
	// TxTimeout is how long the transmit queue may stay stopped before the
	// device is told with [fifoeth.Device.TxTimeout]. Default 5s, negative disables.
	TxTimeout time.Duration
	Logger    *slog.Logger
	// PcapWriter receives packet breakdowns when pcap printing is enabled.
	PcapWriter        io.Writer
	EnableRxPcapPrint bool
	EnableTxPcapPrint bool
}

// NewStack configures a stack. Pass it to [fifoeth.Bind] to attach a device.
func NewStack(cfg StackConfig) (*Stack, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "fifoeth"
	}
	if cfg.RxQueueLen <= 0 {
		cfg.RxQueueLen = 16
	}
	if cfg.TxTimeout == 0 {
		cfg.TxTimeout = 5 * time.Second
	}
	seed := time.Now().UnixNano() ^ cfg.RandSeed
	if seed == 0 {
		seed = 1
	}
	if cfg.HardwareAddress == ([6]byte{}) {
		cfg.HardwareAddress = RandomHardwareAddr(rand.New(rand.NewSource(seed)))
	}
	stack := &Stack{
		log:       cfg.Logger,
		sendbuf:   make([]byte, MFU),
		rxq:       make(chan []byte, cfg.RxQueueLen),
		txTimeout: cfg.TxTimeout,
	}
	if cfg.PcapWriter != nil && (cfg.EnableRxPcapPrint || cfg.EnableTxPcapPrint) {
		stack.enableRxPcap = cfg.EnableRxPcapPrint
		stack.enableTxPcap = cfg.EnableTxPcapPrint
		stack.pcap.Configure(cfg.PcapWriter, xnet.CapturePrinterConfig{
			TimePrecision: 3,
			Now:           time.Now,
		})
	}
	stack.stopped.Store(true) // until the device opens

	// Frames over the FIFO carry no FCS so no CRC hook is configured.
	err := stack.s.Reset(xnet.StackConfig{
		StaticAddress:   cfg.StaticAddress,
		Hostname:        cfg.Hostname,
		MaxTCPConns:     cfg.MaxTCPPorts,
		RandSeed:        seed,
		HardwareAddress: cfg.HardwareAddress,
		MTU:             MTU,
	})
	if err != nil {
		return nil, err
	}
	return stack, nil
}

// RandomHardwareAddr returns a random locally administered unicast MAC.
func RandomHardwareAddr(rng *rand.Rand) (mac [6]byte) {
	rng.Read(mac[:])
	mac[0] &^= 0x01 // unicast
	mac[0] |= 0x02  // locally administered
	return mac
}

// Attach implements [fifoeth.NetDevice].
func (stack *Stack) Attach(dev *fifoeth.Device) error {
	if !stack.dev.CompareAndSwap(nil, dev) {
		return errAttached
	}
	stack.debug("attached",
		slog.String("firmware", dev.Variant().String()),
		slog.String("mac", stack.HardwareAddr().String()),
	)
	return nil
}

// Detach implements [fifoeth.NetDevice]. It waits for a RecvAndSend in progress.
func (stack *Stack) Detach() {
	stack.mu.Lock()
	stack.dev.Store(nil)
	stack.mu.Unlock()
	stack.carrier.Store(false)
	stack.stopped.Store(true)
}

// Receive implements [fifoeth.NetDevice]. Frames that do not fit in the
// receive queue are dropped.
func (stack *Stack) Receive(frame []byte) {
	select {
	case stack.rxq <- frame:
	default:
		stack.rxOverflows.Add(1)
	}
}

// SetCarrier implements [fifoeth.NetDevice].
func (stack *Stack) SetCarrier(up bool) {
	stack.carrier.Store(up)
	stack.debug("carrier", slog.Bool("up", up))
}

// WakeQueue implements [fifoeth.NetDevice].
func (stack *Stack) WakeQueue() {
	stack.stopped.Store(false)
}

// StopQueue implements [fifoeth.NetDevice].
func (stack *Stack) StopQueue() {
	stack.stoppedAt.Store(time.Now().UnixNano())
	stack.stopped.Store(true)
}

func (stack *Stack) Hostname() string {
	return stack.s.Hostname()
}

// HardwareAddr returns the interface MAC.
func (stack *Stack) HardwareAddr() net.HardwareAddr {
	hw := stack.s.HardwareAddress()
	return net.HardwareAddr(hw[:])
}

// Device returns the attached device or nil.
func (stack *Stack) Device() *fifoeth.Device {
	return stack.dev.Load()
}

func (stack *Stack) LnetoStack() *xnet.StackAsync {
	return &stack.s
}

// QueueStopped reports whether the device has stopped the transmit queue.
func (stack *Stack) QueueStopped() bool { return stack.stopped.Load() }

// CarrierUp reports the link state last reported by the device.
func (stack *Stack) CarrierUp() bool { return stack.carrier.Load() }

// RxOverflows returns the number of frames dropped because the receive queue was full.
func (stack *Stack) RxOverflows() uint64 { return stack.rxOverflows.Load() }

// Runts returns the number of frames dropped for being shorter than an Ethernet header.
func (stack *Stack) Runts() uint64 { return stack.runts.Load() }

// RecvAndSend demuxes at most one received frame and transmits at most one
// outbound frame. It returns the sizes of the frames processed.
func (stack *Stack) RecvAndSend() (send, recv int, err error) {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	dev := stack.dev.Load()
	if dev == nil {
		return 0, 0, errDetached
	}

	select {
	case frame := <-stack.rxq:
		recv = len(frame)
		stack.demux(frame)
	default:
	}

	if !stack.carrier.Load() {
		return send, recv, nil
	}
	if stack.stopped.Load() {
		stalled := time.Since(time.Unix(0, stack.stoppedAt.Load()))
		if stack.txTimeout > 0 && stalled > stack.txTimeout {
			stack.logerr("RecvAndSend:tx queue stalled", slog.Duration("stalled", stalled))
			dev.TxTimeout()
		}
		return send, recv, nil
	}

	// Check if there's data to send.
	send, err = stack.s.Encapsulate(stack.sendbuf, -1, 0)
	if err != nil {
		stack.logerr("RecvAndSend:Encapsulate", slog.Int("plen", send), slog.String("err", err.Error()))
		return send, recv, err
	}
	if send == 0 {
		return send, recv, nil
	}
	if stack.enableTxPcap {
		stack.pcap.PrintPacket("TX", stack.sendbuf[:send])
	}
	dev.Transmit(stack.sendbuf[:send])
	return send, recv, nil
}

func (stack *Stack) demux(frame []byte) {
	if _, err := ethernet.NewFrame(frame); err != nil {
		stack.runts.Add(1)
		stack.debug("RecvAndSend:runt", slog.Int("plen", len(frame)))
		return
	}
	if stack.enableRxPcap {
		stack.pcap.PrintPacket("RX", frame)
	}
	err := stack.s.Demux(frame, 0)
	if err != nil {
		stack.logerr("RecvAndSend:Demux", slog.Int("plen", len(frame)), slog.String("err", err.Error()))
	}
}

// Run calls RecvAndSend until ctx is done, sleeping idle whenever there was
// nothing to do.
func (stack *Stack) Run(ctx context.Context, idle time.Duration) error {
	for ctx.Err() == nil {
		send, recv, err := stack.RecvAndSend()
		if errors.Is(err, errDetached) {
			return err
		}
		if send == 0 && recv == 0 {
			time.Sleep(idle)
		}
	}
	return ctx.Err()
}

// DoDHCP requests an address, retrying every timeout, until it succeeds or ctx
// is done. On success the results are applied to the stack and the router's
// hardware address is resolved and set as gateway. Run must be active.
func (stack *Stack) DoDHCP(ctx context.Context, request [4]byte, timeout time.Duration) (*xnet.DHCPResults, error) {
	results, err := stack.dhcp(ctx, request, timeout)
	if err != nil {
		return nil, err
	}
	err = stack.s.AssimilateDHCPResults(results)
	if err != nil {
		return nil, err
	}
	gwhw, err := stack.ResolveHardwareAddr(ctx, results.Router, timeout)
	if err != nil {
		return results, err
	}
	stack.s.SetGateway6(gwhw)
	return results, nil
}

func (stack *Stack) dhcp(ctx context.Context, request [4]byte, timeout time.Duration) (*xnet.DHCPResults, error) {
	const poll = 5 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := stack.s.StartDHCPv4Request(request)
		if err != nil {
			return nil, err
		}
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			results, err := stack.s.ResultDHCP()
			if err == nil {
				return results, nil
			}
			if err := sleepCtx(ctx, poll); err != nil {
				return nil, err
			}
		}
		stack.debug("DoDHCP:retry", slog.Int("attempt", attempt))
	}
}

// ResolveHardwareAddr resolves the MAC of an IPv4 address on the link,
// re-sending the query every timeout until ctx is done. Run must be active.
func (stack *Stack) ResolveHardwareAddr(ctx context.Context, ip netip.Addr, timeout time.Duration) ([6]byte, error) {
	const poll = 2 * time.Millisecond
	for {
		err := stack.s.StartResolveHardwareAddress6(ip)
		if err != nil {
			return [6]byte{}, err
		}
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			hw, err := stack.s.ResultResolveHardwareAddress6(ip)
			if err == nil {
				return hw, nil
			}
			if err := sleepCtx(ctx, poll); err != nil {
				stack.s.DiscardResolveHardwareAddress6(ip)
				return [6]byte{}, err
			}
		}
		stack.s.DiscardResolveHardwareAddress6(ip)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (stack *Stack) logerr(msg string, attrs ...slog.Attr) {
	if stack.log != nil {
		stack.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
	}
}

func (stack *Stack) debug(msg string, attrs ...slog.Attr) {
	if stack.log != nil {
		stack.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
