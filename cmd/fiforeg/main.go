// fiforeg reads and writes the FIFO bridge registers through Linux UIO for
// bring-up and debugging. It does not reserve the region so it can inspect a
// device the driver is using.
//
// Usage:
//
//	go run ./cmd/fiforeg dump
//	go run ./cmd/fiforeg -uio /dev/uio0 peek 0x40
//	go run ./cmd/fiforeg poke 0x90 0x3
//	go run ./cmd/fiforeg wait 5
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/soypat/fifoeth"
)

func main() {
	uio := flag.String("uio", "fifo_eth", "UIO device name as listed in sysfs, or device path")
	mapIdx := flag.Int("map", 0, "UIO memory map holding the register window")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\nInspect FIFO bridge registers.\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  dump              Print every register, raw and decoded\n")
		fmt.Fprintf(os.Stderr, "  peek <off>        Read the 32-bit register at byte offset off\n")
		fmt.Fprintf(os.Stderr, "  poke <off> <val>  Write val to the register at byte offset off\n")
		fmt.Fprintf(os.Stderr, "  wait [n]          Wait for n interrupts (default 1), print status for each\n")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	err := run(*uio, *mapIdx, flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fiforeg:", err)
		os.Exit(1)
	}
}

func run(uio string, mapIdx int, args []string) error {
	lay := fifoeth.DefaultLayout()
	bus, err := fifoeth.OpenUIO(uio, mapIdx)
	if err != nil {
		return err
	}
	defer bus.Close()
	m, err := bus.MapRegion(lay.Size)
	if err != nil {
		return err
	}
	defer m.Unmap()

	switch cmd := args[0]; cmd {
	case "dump":
		return dump(m, lay)
	case "peek":
		if len(args) != 2 {
			return fmt.Errorf("peek takes one offset")
		}
		off, err := parseOffset(args[1], lay)
		if err != nil {
			return err
		}
		fmt.Printf("%#04x: %#08x\n", off, m.Read32(off))
	case "poke":
		if len(args) != 3 {
			return fmt.Errorf("poke takes an offset and a value")
		}
		off, err := parseOffset(args[1], lay)
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(args[2], 0, 32)
		if err != nil {
			return err
		}
		m.Write32(off, uint32(v))
		fmt.Printf("%#04x: %#08x\n", off, m.Read32(off))
	case "wait":
		n := 1
		if len(args) > 1 {
			n, err = strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("bad interrupt count %q", args[1])
			}
		}
		return wait(bus, m, lay, n)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func dump(m fifoeth.RegisterBlock, lay fifoeth.Layout) error {
	regs := []struct {
		name string
		off  uintptr
	}{
		{"txfill", lay.TxFill},
		{"rxfill", lay.RxFill},
		{"irqstatus", lay.IRQStatus},
		{"control0", lay.Control0},
		{"control1", lay.Control1},
		{"irqenable", lay.IRQEnable},
	}
	for _, r := range regs {
		fmt.Printf("%-10s %#04x: %#08x\n", r.name, r.off, m.Read32(r.off))
	}
	// The data register is not read: a read pops the receive FIFO.
	r, err := fifoeth.NewRegisters(m, lay)
	if err != nil {
		return err
	}
	fmt.Printf("firmware=%v txfifo=%d rxfifo=%d txspace=%d rxframes=%d rxbytes=%d carrier=%v status=%#x enabled=%#x\n",
		r.Variant(), r.TxCapacity(), r.RxCapacity(), r.TxSpaceAvailable(),
		r.RxFramesAvailable(), r.RxBytesAvailable(), r.Carrier(), r.Status(), r.InterruptsEnabled())
	return nil
}

// wait prints the first n interrupts. Sources are level triggered, so each
// pending source is masked once seen; re-enable with poke to see it again.
func wait(bus *fifoeth.UIO, m fifoeth.RegisterBlock, lay fifoeth.Layout, n int) error {
	r, err := fifoeth.NewRegisters(m, lay)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(n)
	irq, err := bus.RequestIRQ(maskingHandler(r, n, func(count int, status uint32) {
		fmt.Printf("irq %d: status=%#x enabled=%#x rxfill=%#08x txfill=%#08x\n",
			count, status, r.InterruptsEnabled(), m.Read32(lay.RxFill), m.Read32(lay.TxFill))
		wg.Done()
	}))
	if err != nil {
		return err
	}
	wg.Wait()
	return irq.Free()
}

// maskingHandler returns an interrupt handler that disables every pending
// source it sees and calls report for the first n interrupts.
func maskingHandler(r *fifoeth.Registers, n int, report func(count int, status uint32)) func() fifoeth.IRQResult {
	count := 0
	return func() fifoeth.IRQResult {
		status := r.Status()
		pending := status & (fifoeth.IRQRx | fifoeth.IRQTx)
		if pending == 0 {
			return fifoeth.IRQNone
		}
		r.DisableInterrupts(pending)
		if count < n {
			count++
			report(count, status)
		}
		return fifoeth.IRQHandled
	}
}

func parseOffset(s string, lay fifoeth.Layout) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	if v%4 != 0 || v >= uint64(lay.Size) {
		return 0, fmt.Errorf("offset %#x not a 32-bit register inside the %#x byte window", v, lay.Size)
	}
	return uintptr(v), nil
}
