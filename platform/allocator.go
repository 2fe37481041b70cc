package platform

import (
	"container/list"
	"sync"
	"time"
)

// block is one entry of the free list: a guest-physical address and
// size, never a live Pool (those live only in the used map while
// allocated).
type block struct {
	addr uint64
	size int
}

// Allocator is a first-fit allocator over a fixed arena of guest
// memory, reserved up front with NewAllocator. It doubles as the
// RAM-backed test double for Platform: there is no real
// physically-contiguous memory in this software model, so the same
// implementation serves both a bare-metal deployment's platform glue
// and a test's fake hypervisor-visible memory.
type Allocator struct {
	mu    sync.Mutex
	base  uint64
	arena []byte
	free  *list.List
	used  map[uint64]int // addr -> size, for FreeAligned
}

// NewAllocator reserves an arena of size bytes starting at guest-
// physical address base.
func NewAllocator(base uint64, size int) *Allocator {
	a := &Allocator{
		base:  base,
		arena: make([]byte, size),
		free:  list.New(),
		used:  make(map[uint64]int),
	}
	a.free.PushBack(&block{addr: base, size: size})
	return a
}

// AllocAligned implements Platform.
func (a *Allocator) AllocAligned(size int, align int) (uint64, *Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size <= 0 {
		return 0, nil, ErrOutOfMemory
	}
	if align <= 0 {
		align = 1
	}

	want := size
	if align > 1 {
		want += align
	}

	var e *list.Element
	for e = a.free.Front(); e != nil; e = e.Next() {
		if e.Value.(*block).size >= want {
			break
		}
	}
	if e == nil {
		return 0, nil, ErrOutOfMemory
	}

	b := e.Value.(*block)
	a.free.Remove(e)

	addr := b.addr
	if r := addr % uint64(align); r != 0 {
		offset := uint64(align) - r

		a.free.PushBack(&block{addr: b.addr, size: int(offset)})

		addr += offset
		b.size -= int(offset)
		b.addr = addr
	}

	if remaining := b.size - size; remaining > 0 {
		a.free.PushBack(&block{addr: addr + uint64(size), size: remaining})
	}

	off := addr - a.base
	buf := a.arena[off : off+uint64(size) : off+uint64(size)]
	for i := range buf {
		buf[i] = 0
	}

	a.used[addr] = size
	a.defrag()

	return addr, &Pool{base: addr, buf: buf}, nil
}

// FreeAligned implements Platform.
func (a *Allocator) FreeAligned(pool *Pool) {
	if pool == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.used[pool.base]
	if !ok {
		return
	}
	delete(a.used, pool.base)

	a.free.PushBack(&block{addr: pool.base, size: size})
	a.defrag()
}

// defrag merges adjacent free blocks, the same pass the reference
// first-fit allocator runs after every free.
func (a *Allocator) defrag() {
	merged := true

	for merged {
		merged = false

		for e := a.free.Front(); e != nil; e = e.Next() {
			b := e.Value.(*block)

			for f := e.Next(); f != nil; {
				next := f.Next()
				o := f.Value.(*block)

				if b.addr+uint64(b.size) == o.addr {
					b.size += o.size
					a.free.Remove(f)
					merged = true
				} else if o.addr+uint64(o.size) == b.addr {
					b.addr = o.addr
					b.size += o.size
					a.free.Remove(f)
					merged = true
				}

				f = next
			}
		}
	}
}

// DMAMapIn implements Platform as an identity mapping: this software
// model has no IOMMU to program.
func (a *Allocator) DMAMapIn(pa uint64, length int, cacheable bool) (uint64, error) {
	return pa, nil
}

// DMAMapOut implements Platform as a no-op, the counterpart of the
// identity DMAMapIn.
func (a *Allocator) DMAMapOut(pa uint64, length int) error {
	return nil
}

// MSleep and USleep are no-ops: a software loopback device never
// requires the caller to actually wait.
func (a *Allocator) MSleep(d time.Duration) {}
func (a *Allocator) USleep(d time.Duration) {}
