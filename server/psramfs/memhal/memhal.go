// Package memhal provides an in-memory hal.Device for unit tests and the
// bundled simulator. It is not a port of any external test harness — the
// real host-side fuzz/unit-test harness remains an external collaborator
// per spec.md §1; this is just enough of a block device to exercise the
// core without real flash.
package memhal

import (
	"context"
	"fmt"

	"github.com/zhukovaskychina/psramfs/server/psramfs/hal"
)

// FaultFunc is consulted before every Write/Erase call; returning a
// non-nil error aborts that call without mutating memory, simulating a
// power loss mid-operation (installed with SetFault).
type FaultFunc func(op string, addr uint32, n int) error

// Device is a flat byte slice standing in for the whole volume.
type Device struct {
	mem       []byte
	blockSize uint32
	fault     FaultFunc

	Reads, Writes, Erases int
	ReadBytes, WriteBytes int
}

// New allocates a Device of totalSize bytes, initialised to all-ones
// (the erased state), with erase blocks of blockSize.
func New(totalSize, blockSize uint32) *Device {
	mem := make([]byte, totalSize)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &Device{mem: mem, blockSize: blockSize}
}

// SetFault installs (or clears, with nil) a fault-injection hook.
func (d *Device) SetFault(f FaultFunc) { d.fault = f }

func (d *Device) Read(ctx context.Context, addr uint32, dst []byte) error {
	if err := d.bounds(addr, len(dst)); err != nil {
		return err
	}
	d.Reads++
	d.ReadBytes += len(dst)
	copy(dst, d.mem[addr:int(addr)+len(dst)])
	return nil
}

func (d *Device) Write(ctx context.Context, addr uint32, src []byte) error {
	if err := d.bounds(addr, len(src)); err != nil {
		return err
	}
	if d.fault != nil {
		if err := d.fault("write", addr, len(src)); err != nil {
			return err
		}
	}
	d.Writes++
	d.WriteBytes += len(src)
	for i, b := range src {
		// Flash semantics: a write can only clear bits.
		d.mem[int(addr)+i] &= b
	}
	return nil
}

func (d *Device) Erase(ctx context.Context, addr uint32, n uint32) error {
	if err := d.bounds(addr, int(n)); err != nil {
		return err
	}
	if n != d.blockSize {
		return fmt.Errorf("memhal: erase length %d != block size %d", n, d.blockSize)
	}
	if addr%d.blockSize != 0 {
		return fmt.Errorf("memhal: erase address %d not block-aligned", addr)
	}
	if d.fault != nil {
		if err := d.fault("erase", addr, int(n)); err != nil {
			return err
		}
	}
	d.Erases++
	for i := addr; i < addr+n; i++ {
		d.mem[i] = 0xFF
	}
	return nil
}

func (d *Device) bounds(addr uint32, n int) error {
	if n < 0 || int(addr)+n > len(d.mem) {
		return fmt.Errorf("memhal: access [%d,%d) out of bounds (size %d)", addr, int(addr)+n, len(d.mem))
	}
	return nil
}

var _ hal.Device = (*Device)(nil)
