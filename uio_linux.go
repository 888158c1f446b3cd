//go:build linux && !baremetal

package fifoeth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uioSysfs is where the kernel lists UIO devices.
var uioSysfs = "/sys/class/uio"

// UIO is a [Bus] backed by a Linux userspace I/O device such as one created by
// uio_pdrv_genirq from a device tree node. The register window is one of the
// device's memory maps. Interrupts are armed by writing a 32-bit 1 to the
// device file and waited for by reading 4 bytes from it.
type UIO struct {
	f       *os.File
	name    string
	mapIdx  int
	mapSize int
}

// OpenUIO opens the UIO device given by path (for example /dev/uio0) or by the
// name the kernel reports in sysfs. mapIndex selects the memory map holding
// the register window. Close the returned UIO after unbinding.
func OpenUIO(nameOrPath string, mapIndex int) (*UIO, error) {
	dev, err := resolveUIO(nameOrPath)
	if err != nil {
		return nil, err
	}
	size, err := uioMapSize(filepath.Base(dev), mapIndex)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("fifoeth: open uio: %w", err)
	}
	return &UIO{f: f, name: dev, mapIdx: mapIndex, mapSize: size}, nil
}

// Name returns the device file path.
func (u *UIO) Name() string { return u.name }

// MapSize returns the size of the selected memory map as reported by sysfs.
func (u *UIO) MapSize() int { return u.mapSize }

// Close closes the device file, dropping any reservation.
func (u *UIO) Close() error {
	return u.f.Close()
}

// ReserveRegion takes an exclusive advisory lock on the device file.
func (u *UIO) ReserveRegion(size int) error {
	if size > u.mapSize {
		return fmt.Errorf("fifoeth: region size %#x exceeds uio map size %#x", size, u.mapSize)
	}
	err := u.control(func(fd int) error {
		return unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	})
	if errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%w: %s", ErrBusy, u.name)
	}
	return err
}

// ReleaseRegion drops the lock taken by ReserveRegion.
func (u *UIO) ReleaseRegion() {
	// Unlocking a held flock cannot fail on an open descriptor, and Close drops it regardless.
	_ = u.control(func(fd int) error {
		return unix.Flock(fd, unix.LOCK_UN)
	})
}

// MapRegion maps size bytes of the selected memory map. UIO selects map N
// through an mmap offset of N pages.
func (u *UIO) MapRegion(size int) (Mapping, error) {
	pagesz := os.Getpagesize()
	length := (size + pagesz - 1) &^ (pagesz - 1)
	var mem []byte
	err := u.control(func(fd int) (err error) {
		mem, err = unix.Mmap(fd, int64(u.mapIdx*pagesz), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fifoeth: mmap %s: %w", u.name, err)
	}
	return &uioMapping{mem: mem}, nil
}

// RequestIRQ starts a goroutine that waits on the device file for interrupts
// and calls isr for each one. The UIO interrupt is re-armed after isr returns.
func (u *UIO) RequestIRQ(isr func() IRQResult) (IRQ, error) {
	line := &uioIRQ{f: u.f, isr: isr, done: make(chan struct{})}
	err := line.arm()
	if err != nil {
		return nil, err
	}
	go line.run()
	return line, nil
}

func (u *UIO) control(fn func(fd int) error) error {
	rc, err := u.f.SyscallConn()
	if err != nil {
		return err
	}
	var ferr error
	err = rc.Control(func(fd uintptr) {
		ferr = fn(int(fd))
	})
	if err != nil {
		return err
	}
	return ferr
}

type uioMapping struct {
	mem []byte
}

func (m *uioMapping) Read32(off uintptr) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.mem[off])))
}

func (m *uioMapping) Write32(off uintptr, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.mem[off])), v)
}

func (m *uioMapping) Unmap() error {
	mem := m.mem
	m.mem = nil
	return unix.Munmap(mem)
}

type uioIRQ struct {
	f        *os.File
	isr      func() IRQResult
	mu       sync.Mutex // held while isr runs
	done     chan struct{}
	stopping atomic.Bool
}

func (l *uioIRQ) arm() error {
	var one [4]byte
	*(*uint32)(unsafe.Pointer(&one[0])) = 1 // host byte order
	_, err := l.f.Write(one[:])
	if err != nil {
		return fmt.Errorf("fifoeth: arm uio irq: %w", err)
	}
	return nil
}

func (l *uioIRQ) run() {
	defer close(l.done)
	var buf [4]byte
	for {
		_, err := l.f.Read(buf[:])
		if err != nil || l.stopping.Load() {
			return
		}
		// buf holds the kernel's interrupt count. A shared line may report IRQNone.
		l.mu.Lock()
		l.isr()
		l.mu.Unlock()
		if l.arm() != nil {
			return
		}
	}
}

// Synchronize waits for a running handler to return.
func (l *uioIRQ) Synchronize() {
	l.mu.Lock()
	l.mu.Unlock()
}

// Free unblocks the waiting read and waits for the interrupt goroutine to exit.
func (l *uioIRQ) Free() error {
	l.stopping.Store(true)
	err := l.f.SetReadDeadline(time.Now())
	<-l.done
	l.f.SetReadDeadline(time.Time{})
	return err
}

func resolveUIO(nameOrPath string) (string, error) {
	if strings.HasPrefix(nameOrPath, "/") {
		return nameOrPath, nil
	}
	entries, err := os.ReadDir(uioSysfs)
	if err != nil {
		return "", fmt.Errorf("fifoeth: list uio devices: %w", err)
	}
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(uioSysfs, e.Name(), "name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) == nameOrPath {
			return "/dev/" + e.Name(), nil
		}
	}
	return "", fmt.Errorf("fifoeth: no uio device named %q", nameOrPath)
}

func uioMapSize(uio string, mapIndex int) (int, error) {
	p := filepath.Join(uioSysfs, uio, "maps", "map"+strconv.Itoa(mapIndex), "size")
	b, err := os.ReadFile(p)
	if err != nil {
		return 0, fmt.Errorf("fifoeth: uio map size: %w", err)
	}
	size, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("fifoeth: uio map size %q: %w", p, err)
	}
	return int(size), nil
}
