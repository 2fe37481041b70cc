// Package platform abstracts the services a guest-side virtio driver
// needs from its execution environment but must never implement
// itself: physically-contiguous allocation, guest-physical ⇄
// DMA-address translation, and timers. The virtio core only ever
// drives a Platform through this interface, so it stays testable
// without real hardware.
package platform

import (
	"errors"
	"time"
)

var (
	// ErrOutOfMemory is returned when no free region satisfies a
	// requested size/alignment.
	ErrOutOfMemory = errors.New("platform: out of memory")

	// ErrOutOfRange is returned when an address/length pair falls
	// outside a Pool's backing region.
	ErrOutOfRange = errors.New("platform: address out of range")
)

// Platform is the DMA-mapper/allocator collaborator external to the
// virtio core. Bus discovery, interrupt dispatch and the allocator's
// own backing store are all out of the core's scope; only this
// narrow surface is consumed.
type Platform interface {
	// AllocAligned reserves size bytes of physically-contiguous,
	// zeroed memory aligned to align bytes, returning its
	// guest-physical address and a Pool over the backing bytes.
	AllocAligned(size int, align int) (pa uint64, pool *Pool, err error)

	// FreeAligned releases a Pool obtained from AllocAligned.
	FreeAligned(pool *Pool)

	// DMAMapIn prepares a physically-contiguous region for device
	// access, returning the address the device should be
	// programmed with. On platforms without an IOMMU this is the
	// identity mapping.
	DMAMapIn(pa uint64, length int, cacheable bool) (uint64, error)

	// DMAMapOut reverses DMAMapIn once the device is done with a
	// region.
	DMAMapOut(pa uint64, length int) error

	// MSleep and USleep are the platform's timer services. No code in
	// this module calls them: the virtqueue fast path never sleeps,
	// and transport Reset checks the status register once without
	// waiting or retrying.
	MSleep(d time.Duration)
	USleep(d time.Duration)
}

// Pool is a guest-physically-contiguous region of memory, addressed
// by guest-physical address and backed by ordinary Go bytes for this
// software model of guest memory.
type Pool struct {
	base uint64
	buf  []byte
}

// Base returns the guest-physical address of the first byte in the
// pool.
func (p *Pool) Base() uint64 {
	return p.base
}

// Bytes returns the entire backing slice, base-relative.
func (p *Pool) Bytes() []byte {
	return p.buf
}

// Contains reports whether the half-open range [addr, addr+length) is
// entirely within the pool. It stands in for a CHERI-style capability
// check narrowing every guest-physical address a descriptor carries
// before the driver dereferences it.
func (p *Pool) Contains(addr uint64, length uint32) bool {
	end := addr + uint64(length)
	if end < addr {
		return false
	}
	return addr >= p.base && end <= p.base+uint64(len(p.buf))
}

// Slice returns the bytes backing [addr, addr+length), or
// ErrOutOfRange if the range escapes the pool.
func (p *Pool) Slice(addr uint64, length uint32) ([]byte, error) {
	if !p.Contains(addr, length) {
		return nil, ErrOutOfRange
	}
	off := addr - p.base
	return p.buf[off : off+uint64(length) : off+uint64(length)], nil
}
