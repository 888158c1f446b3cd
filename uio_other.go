//go:build !linux || baremetal

package fifoeth

import "errors"

// UIO is a [Bus] backed by a Linux userspace I/O device. It is unsupported on this platform.
type UIO struct{}

func OpenUIO(nameOrPath string, mapIndex int) (*UIO, error) {
	return nil, errors.ErrUnsupported
}

func (u *UIO) Name() string { return "" }

func (u *UIO) MapSize() int { return 0 }

func (u *UIO) Close() error {
	return errors.ErrUnsupported
}

func (u *UIO) ReserveRegion(size int) error {
	return errors.ErrUnsupported
}

func (u *UIO) ReleaseRegion() {}

func (u *UIO) MapRegion(size int) (Mapping, error) {
	return nil, errors.ErrUnsupported
}

func (u *UIO) RequestIRQ(isr func() IRQResult) (IRQ, error) {
	return nil, errors.ErrUnsupported
}
