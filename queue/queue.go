// Package queue implements the guest side of a virtio split virtqueue:
// a descriptor table plus an available ring (guest-produced) and a
// used ring (host-produced), sharing one physically-contiguous buffer
// pool with a concurrent hypervisor.
//
// Descriptor allocation is deterministic rather than free-list based:
// a chain of K descriptors is always carved at
// (avail.idx * K) mod Q, which requires Q to be a multiple of K and
// forbids out-of-order completion. AllocChain rejects a chain length
// that does not divide Q; out-of-order completion does not arise
// because both drivers in this module submit and drain a queue
// serially.
package queue

import (
	"errors"

	"github.com/tamago-virtio/virtio-core/byteorder"
	"github.com/tamago-virtio/virtio-core/internal/barrier"
	"github.com/tamago-virtio/virtio-core/platform"
	"github.com/tamago-virtio/virtio-core/transport"
)

// Descriptor flags. Indirect descriptors (bit 2) are out of scope.
const (
	DescNext  uint16 = 1 << 0
	DescWrite uint16 = 1 << 1
)

// AvailNoInterrupt is the available-ring flag a queue sets when it
// never wants a used-buffer notification (the net device's TX queue).
const AvailNoInterrupt uint16 = 1

const descSize = 16

var (
	// ErrQueueInit is returned when the device reports a zero
	// maximum queue size.
	ErrQueueInit = errors.New("queue: device reports zero queue size")

	// ErrChainSize is returned when a chain length does not evenly
	// divide the queue size, which the deterministic allocation
	// policy requires.
	ErrChainSize = errors.New("queue: chain length does not evenly divide queue size")
)

type layout struct {
	size                       uint16
	descOff, availOff, usedOff int
	total                      int
}

// computeLayout lays descriptors, then the available ring, then (4-
// byte aligned) the used ring, all within one contiguous buffer.
func computeLayout(size uint16) layout {
	q := int(size)

	descLen := q * descSize
	availLen := 4 + q*2 + 2
	pad := (4 - (descLen+availLen)%4) % 4
	usedLen := 4 + q*8 + 2

	return layout{
		size:     size,
		descOff:  0,
		availOff: descLen,
		usedOff:  descLen + availLen + pad,
		total:    descLen + availLen + pad + usedLen,
	}
}

// VirtQueue is one initialized split virtqueue.
type VirtQueue struct {
	order byteorder.Order
	pool  *platform.Pool
	l     layout

	descPA, availPA, usedPA uint64

	localAvailIdx   uint16
	lastSeenUsedIdx uint16
}

// Init selects queue index on tr, reads its maximum size, allocates
// and zeroes its backing buffer through pf, and publishes the
// resulting ring addresses back to the device.
func Init(tr transport.Transport, pf platform.Platform, index int, order byteorder.Order) (*VirtQueue, error) {
	tr.QueueSelect(index)

	size := tr.QueueMaxSize()
	if size == 0 {
		return nil, ErrQueueInit
	}

	l := computeLayout(size)

	pa, pool, err := pf.AllocAligned(l.total, 16)
	if err != nil {
		return nil, platform.ErrOutOfMemory
	}

	q := &VirtQueue{
		order:   order,
		pool:    pool,
		l:       l,
		descPA:  pa,
		availPA: pa + uint64(l.availOff),
		usedPA:  pa + uint64(l.usedOff),
	}

	tr.QueueSetAddresses(q.descPA, q.availPA, q.usedPA)
	tr.QueueSetReady()

	return q, nil
}

// Size returns the queue's negotiated size Q.
func (q *VirtQueue) Size() uint16 { return q.l.size }

// DescPA, AvailPA and UsedPA return the guest-physical addresses
// programmed into the device for this queue's three regions.
func (q *VirtQueue) DescPA() uint64  { return q.descPA }
func (q *VirtQueue) AvailPA() uint64 { return q.availPA }
func (q *VirtQueue) UsedPA() uint64  { return q.usedPA }

// Pool returns the buffer pool backing this queue's own ring memory
// (not the data buffers its descriptors point to, which belong to the
// owning driver's own pools).
func (q *VirtQueue) Pool() *platform.Pool { return q.pool }

func (q *VirtQueue) descBytes(id uint16) []byte {
	off := q.l.descOff + int(id)*descSize
	return q.pool.Bytes()[off : off+descSize]
}

// FillDesc writes one descriptor-table entry.
func (q *VirtQueue) FillDesc(id uint16, addr uint64, length uint32, flags uint16, next uint16) {
	b := q.descBytes(id)
	q.order.PutUint64(b[0:8], addr)
	q.order.PutUint32(b[8:12], length)
	q.order.PutUint16(b[12:14], flags)
	q.order.PutUint16(b[14:16], next)
}

// FreeDesc zeroes a descriptor slot. The deterministic allocation
// policy never consults this marker to decide reuse; it exists so a
// freed slot does not retain a stale guest address past the point its
// buffer may be reclaimed.
func (q *VirtQueue) FreeDesc(id uint16) {
	b := q.descBytes(id)
	for i := range b {
		b[i] = 0
	}
}

// Descriptor reads back one descriptor-table entry.
func (q *VirtQueue) Descriptor(id uint16) (addr uint64, length uint32, flags uint16, next uint16) {
	b := q.descBytes(id)
	addr = q.order.Uint64(b[0:8])
	length = q.order.Uint32(b[8:12])
	flags = q.order.Uint16(b[12:14])
	next = q.order.Uint16(b[14:16])
	return
}

// AllocChain carves k contiguous descriptor ids deterministically
// from the current local avail.idx: head = (avail.idx * k) mod Q.
func (q *VirtQueue) AllocChain(k uint16) (head uint16, err error) {
	if k == 0 || q.l.size%k != 0 {
		return 0, ErrChainSize
	}
	head = (q.localAvailIdx * k) % q.l.size
	return head, nil
}

func (q *VirtQueue) availFlagsBytes() []byte { return q.pool.Bytes()[q.l.availOff : q.l.availOff+2] }
func (q *VirtQueue) availIdxBytes() []byte   { return q.pool.Bytes()[q.l.availOff+2 : q.l.availOff+4] }

func (q *VirtQueue) availRingEntryBytes(slot uint16) []byte {
	off := q.l.availOff + 4 + int(slot)*2
	return q.pool.Bytes()[off : off+2]
}

func (q *VirtQueue) usedIdxBytes() []byte {
	return q.pool.Bytes()[q.l.usedOff+2 : q.l.usedOff+4]
}

func (q *VirtQueue) usedEntryBytes(slot uint16) []byte {
	off := q.l.usedOff + 4 + int(slot)*8
	return q.pool.Bytes()[off : off+8]
}

// SetAvailFlags sets the available-ring flags field.
func (q *VirtQueue) SetAvailFlags(flags uint16) { q.order.PutUint16(q.availFlagsBytes(), flags) }

// PublishAvail writes one available-ring slot without advancing the
// producer index. Used for the bulk receive-buffer pre-post at device
// open and for re-posting a consumed receive buffer.
func (q *VirtQueue) PublishAvail(slot uint16, descID uint16) {
	q.order.PutUint16(q.availRingEntryBytes(slot%q.l.size), descID)
}

// ReadAvailEntry reads back one available-ring slot. It is used by
// test harnesses simulating the hypervisor side of a queue.
func (q *VirtQueue) ReadAvailEntry(slot uint16) uint16 {
	return q.order.Uint16(q.availRingEntryBytes(slot % q.l.size))
}

// AdvanceAvailIdx bumps the available-ring producer index by delta,
// preceded by the barrier that makes descriptor writes visible before
// the index publish. The barrier before a hypervisor notification is
// issued separately by Notify.
func (q *VirtQueue) AdvanceAvailIdx(delta uint16) {
	barrier.Fence()
	q.localAvailIdx += delta
	q.order.PutUint16(q.availIdxBytes(), q.localAvailIdx)
}

// AvailIdx returns the local shadow of the available-ring producer
// index.
func (q *VirtQueue) AvailIdx() uint16 { return q.localAvailIdx }

// Submit publishes a single descriptor chain head into the next
// available-ring slot and advances avail.idx by one.
func (q *VirtQueue) Submit(head uint16) {
	q.PublishAvail(q.localAvailIdx%q.l.size, head)
	q.AdvanceAvailIdx(1)
}

// Notify issues the pre-notify barrier (avail.idx visible before
// queue_notify) and kicks the device for the given queue index.
func (q *VirtQueue) Notify(tr transport.Transport, index int) {
	barrier.Fence()
	tr.QueueNotify(index)
}

// UsedIdx reads the used-ring producer index the host has published.
func (q *VirtQueue) UsedIdx() uint16 { return q.order.Uint16(q.usedIdxBytes()) }

// UsedEntry reads one used-ring entry without advancing any cursor.
func (q *VirtQueue) UsedEntry(slot uint16) (id uint32, length uint32) {
	b := q.usedEntryBytes(slot % q.l.size)
	id = q.order.Uint32(b[0:4])
	length = q.order.Uint32(b[4:8])
	return
}

// PollUsed compares used.idx against the queue's own lastSeenUsedIdx
// cursor and, if the host produced a new completion, returns it and
// advances the cursor. The used.idx load is followed by a barrier
// before the used-ring entry it guards is read.
func (q *VirtQueue) PollUsed() (id uint32, length uint32, ok bool) {
	used := q.UsedIdx()
	if used == q.lastSeenUsedIdx {
		return 0, 0, false
	}

	barrier.Fence()

	id, length = q.UsedEntry(q.lastSeenUsedIdx)
	q.lastSeenUsedIdx++

	return id, length, true
}

// WriteUsedEntry lets a test harness simulating the hypervisor side
// produce a used-ring completion for the given slot.
func (q *VirtQueue) WriteUsedEntry(slot uint16, id uint32, length uint32) {
	b := q.usedEntryBytes(slot)
	q.order.PutUint32(b[0:4], id)
	q.order.PutUint32(b[4:8], length)
}

// SetUsedIdx lets a test harness simulating the hypervisor side
// publish the used-ring producer index.
func (q *VirtQueue) SetUsedIdx(idx uint16) { q.order.PutUint16(q.usedIdxBytes(), idx) }
