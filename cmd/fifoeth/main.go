// fifoeth binds a FIFO network bridge exposed through Linux UIO and runs an
// lneto stack over it.
//
// Usage:
//
//	go run ./cmd/fifoeth -uio fifo_eth
//	go run ./cmd/fifoeth -uio /dev/uio0 -addr 192.168.7.2 -pcap
//	go run ./cmd/fifoeth -uio fifo_eth -dhcp-req 192.168.7.99 -stats 10s
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soypat/fifoeth"
	"github.com/soypat/fifoeth/fifonet"
)

func main() {
	uio := flag.String("uio", "fifo_eth", "UIO device name as listed in sysfs, or device path")
	mapIdx := flag.Int("map", 0, "UIO memory map holding the register window")
	addr := flag.String("addr", "", "static IPv4 address, empty to use DHCP")
	dhcpReq := flag.String("dhcp-req", "", "IPv4 address to request over DHCP")
	hostname := flag.String("hostname", "fifoeth", "hostname sent over DHCP")
	mac := flag.String("mac", "", "interface MAC address, random locally administered if empty")
	mtu := flag.Int("mtu", fifoeth.DefaultMTU, "driver MTU: receive buffer size and transmit headroom")
	pcap := flag.Bool("pcap", false, "print packet breakdowns to stdout")
	verbose := flag.Bool("v", false, "debug logging")
	statsEvery := flag.Duration("stats", 0, "log device counters at this interval, 0 disables")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nRun a network stack over a FIFO network bridge.\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	err := run(logger, config{
		uio:        *uio,
		mapIdx:     *mapIdx,
		addr:       *addr,
		dhcpReq:    *dhcpReq,
		hostname:   *hostname,
		mac:        *mac,
		mtu:        *mtu,
		pcap:       *pcap,
		statsEvery: *statsEvery,
	})
	if err != nil {
		logger.Error("fifoeth", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

type config struct {
	uio        string
	mapIdx     int
	addr       string
	dhcpReq    string
	hostname   string
	mac        string
	mtu        int
	pcap       bool
	statsEvery time.Duration
}

func run(logger *slog.Logger, cfg config) error {
	scfg := fifonet.StackConfig{
		Hostname:          cfg.hostname,
		Logger:            logger,
		EnableRxPcapPrint: cfg.pcap,
		EnableTxPcapPrint: cfg.pcap,
	}
	if cfg.pcap {
		scfg.PcapWriter = os.Stdout
	}
	if cfg.addr != "" {
		a, err := netip.ParseAddr(cfg.addr)
		if err != nil {
			return fmt.Errorf("bad -addr: %w", err)
		}
		scfg.StaticAddress = a
	}
	var request [4]byte
	if cfg.dhcpReq != "" {
		a, err := netip.ParseAddr(cfg.dhcpReq)
		if err != nil || !a.Is4() {
			return fmt.Errorf("bad -dhcp-req %q", cfg.dhcpReq)
		}
		request = a.As4()
	}
	if cfg.mac != "" {
		hw, err := net.ParseMAC(cfg.mac)
		if err != nil || len(hw) != 6 {
			return fmt.Errorf("bad -mac %q", cfg.mac)
		}
		scfg.HardwareAddress = [6]byte(hw)
	}

	bus, err := fifoeth.OpenUIO(cfg.uio, cfg.mapIdx)
	if err != nil {
		return err
	}
	defer bus.Close()

	stack, err := fifonet.NewStack(scfg)
	if err != nil {
		return err
	}
	dev, err := fifoeth.Bind(bus, stack, fifoeth.Config{
		MTU:    cfg.mtu,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer dev.Unbind()
	err = dev.Open()
	if err != nil {
		return err
	}
	defer dev.Close()
	logger.Info("device up",
		slog.String("uio", bus.Name()),
		slog.String("firmware", dev.Variant().String()),
		slog.String("mac", stack.HardwareAddr().String()),
		slog.Int("txfifo", dev.TxCapacity()),
		slog.Int("rxfifo", dev.RxCapacity()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		stack.Run(ctx, time.Millisecond)
	}()
	// Deferred last so it runs first: the stack loop is gone before Close and Unbind.
	defer func() {
		stop()
		<-runDone
	}()
	if cfg.statsEvery > 0 {
		go logStats(ctx, logger, stack, cfg.statsEvery)
	}

	if !scfg.StaticAddress.IsValid() {
		results, err := stack.DoDHCP(ctx, request, time.Second)
		if err != nil {
			return fmt.Errorf("DHCP: %w", err)
		}
		logger.Info("DHCP complete",
			slog.String("hostname", stack.Hostname()),
			slog.String("ourIP", results.AssignedAddr.String()),
			slog.String("subnet", results.Subnet.String()),
			slog.String("router", results.Router.String()),
			slog.String("server", results.ServerAddr.String()),
			slog.Uint64("lease[seconds]", uint64(results.TLease)),
			slog.Any("DNS-servers", results.DNSServers),
		)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func logStats(ctx context.Context, logger *slog.Logger, stack *fifonet.Stack, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		dev := stack.Device()
		if dev == nil {
			return
		}
		st := dev.Stats()
		logger.Info("stats",
			slog.Uint64("rx_packets", st.RxPackets),
			slog.Uint64("rx_bytes", st.RxBytes),
			slog.Uint64("rx_dropped", st.RxDropped),
			slog.Uint64("rx_fifo_errors", st.RxFIFOErrors),
			slog.Uint64("tx_packets", st.TxPackets),
			slog.Uint64("tx_bytes", st.TxBytes),
			slog.Uint64("tx_dropped", st.TxDropped),
			slog.Uint64("tx_errors", st.TxErrors),
			slog.Uint64("tx_timeouts", st.TxTimeouts),
			slog.Uint64("rx_overflows", stack.RxOverflows()),
			slog.Uint64("runts", stack.Runts()),
			slog.Bool("queue_stopped", dev.QueueStopped()),
		)
	}
}
