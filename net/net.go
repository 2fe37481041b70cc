// Package net implements the guest side of a virtio network device:
// negotiation, MAC discovery, pre-posted receive buffers, and
// transmit/receive framing with the virtio-net header.
package net

import (
	"errors"
	"net"
	"sync"

	"github.com/tamago-virtio/virtio-core/byteorder"
	"github.com/tamago-virtio/virtio-core/negotiate"
	"github.com/tamago-virtio/virtio-core/platform"
	"github.com/tamago-virtio/virtio-core/queue"
	"github.com/tamago-virtio/virtio-core/transport"
)

// Header sizes, by device generation: modern devices add a
// num_buffers field.
const (
	HeaderSizeLegacy = 10
	HeaderSizeModern = 12
)

// BufferEntrySize is the payload capacity of one RX/TX buffer slot,
// large enough for a standard 1500-byte Ethernet frame plus headroom.
const BufferEntrySize = 1526

// VIRTIO_NET_F_MAC, the only device-specific feature bit this driver
// negotiates.
const featMAC = 5

const configMAC = 0

// AvailNoInterrupt re-exports queue.AvailNoInterrupt for callers that
// only import this package.
const AvailNoInterrupt = queue.AvailNoInterrupt

var (
	ErrOversizedPayload = errors.New("net: payload exceeds buffer capacity")
	ErrReceiveTruncated = errors.New("net: received frame truncated to caller buffer")
	ErrClosed           = errors.New("net: device is closed")
)

// Device is a negotiated virtio-net device driving an RX and a TX
// virtqueue. Callers construct one with Transport and Platform set,
// then call Open.
type Device struct {
	sync.Mutex

	Transport transport.Transport
	Platform  platform.Platform

	MAC net.HardwareAddr

	HeaderSize int

	order byteorder.Order

	rxQ, txQ *queue.VirtQueue
	rxPool   *platform.Pool
	txPool   *platform.Pool

	txHeaderPool *platform.Pool
	txHeaderPA   uint64
	txPoolPA     uint64

	queueSize      uint16
	lastSeenRxUsed uint16

	closed bool
}

// Open negotiates the device, initializes the RX and TX virtqueues,
// pre-posts Q/2 receive buffers, and reads the device's MAC address.
func (d *Device) Open() error {
	supported := uint64(1)<<negotiate.VersionOne | uint64(1)<<featMAC

	_, err := negotiate.Run(d.Transport, supported, 2, func(i int) error {
		vq, e := queue.Init(d.Transport, d.Platform, i, d.orderFor())
		if e != nil {
			return e
		}
		if i == 0 {
			d.rxQ = vq
		} else {
			d.txQ = vq
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.order = d.orderFor()

	if d.Transport.IsModern() {
		d.HeaderSize = HeaderSizeModern
	} else {
		d.HeaderSize = HeaderSizeLegacy
	}

	d.queueSize = d.rxQ.Size()
	half := d.queueSize / 2

	rxPA, rxPool, err := d.Platform.AllocAligned(int(half)*(BufferEntrySize+d.HeaderSize), 16)
	if err != nil {
		d.fail()
		return platform.ErrOutOfMemory
	}
	d.rxPool = rxPool

	txPA, txPool, err := d.Platform.AllocAligned(int(half)*BufferEntrySize, 16)
	if err != nil {
		d.fail()
		return platform.ErrOutOfMemory
	}
	d.txPool = txPool
	d.txPoolPA = txPA

	txHdrPA, txHdrPool, err := d.Platform.AllocAligned(int(half)*d.HeaderSize, 16)
	if err != nil {
		d.fail()
		return platform.ErrOutOfMemory
	}
	d.txHeaderPool = txHdrPool
	d.txHeaderPA = txHdrPA

	for i := uint16(0); i < half; i++ {
		entry := uint64(BufferEntrySize + d.HeaderSize)
		addr := rxPA + uint64(i)*entry
		id := 2 * i

		d.rxQ.FillDesc(id, addr, uint32(d.HeaderSize), queue.DescWrite|queue.DescNext, id+1)
		d.rxQ.FillDesc(id+1, addr+uint64(d.HeaderSize), BufferEntrySize, queue.DescWrite, 0)
		d.rxQ.PublishAvail(i, id)
	}
	d.rxQ.AdvanceAvailIdx(half)
	d.lastSeenRxUsed = d.rxQ.UsedIdx()

	d.txQ.SetAvailFlags(queue.AvailNoInterrupt)

	d.Transport.QueueNotify(0)

	mac := make([]byte, 6)
	if err := d.Transport.ConfigRead(configMAC, mac); err != nil {
		d.fail()
		return transport.ErrTransportFault
	}
	d.MAC = net.HardwareAddr(mac)

	return nil
}

func (d *Device) orderFor() byteorder.Order {
	if d.Transport.IsModern() {
		return byteorder.Modern()
	}
	return byteorder.Legacy()
}

func (d *Device) fail() {
	d.closed = true
	d.Transport.SetStatus(negotiate.StatusFailed)
}

// Transmit copies buf into the next TX slot, framed with a zeroed
// virtio-net header, and submits and notifies the TX queue.
func (d *Device) Transmit(buf []byte) (int, error) {
	d.Lock()
	defer d.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if len(buf) > BufferEntrySize {
		return 0, ErrOversizedPayload
	}

	half := d.queueSize / 2
	localIdx := d.txQ.AvailIdx()
	slot := localIdx % half
	id := (2 * localIdx) % d.queueSize

	hdrAddr := d.txHeaderPA + uint64(slot)*uint64(d.HeaderSize)
	dataAddr := d.txPoolPA + uint64(slot)*uint64(BufferEntrySize)

	dataBuf, err := d.txPool.Slice(dataAddr, uint32(len(buf)))
	if err != nil {
		return 0, transport.ErrTransportFault
	}
	copy(dataBuf, buf)

	d.txQ.FillDesc(id, hdrAddr, uint32(d.HeaderSize), queue.DescNext, id+1)
	d.txQ.FillDesc(id+1, dataAddr, uint32(len(buf)), 0, 0)

	d.txQ.Submit(id)
	d.txQ.Notify(d.Transport, 1)

	return len(buf), nil
}

// ReceivePeek reports the payload length of the oldest pending
// completed receive, or 0 if nothing is pending.
func (d *Device) ReceivePeek() uint32 {
	d.Lock()
	defer d.Unlock()

	if d.rxQ.UsedIdx() == d.lastSeenRxUsed {
		return 0
	}

	_, length := d.rxQ.UsedEntry(d.lastSeenRxUsed % d.queueSize)
	if uint32(length) < uint32(d.HeaderSize) {
		return 0
	}

	return uint32(length) - uint32(d.HeaderSize)
}

// Receive copies the oldest pending completed receive's payload into
// buf, up to len(buf) bytes, re-posts the consumed buffer, and
// advances the receive cursor. It returns 0 if nothing is pending.
func (d *Device) Receive(buf []byte) (int, error) {
	d.Lock()
	defer d.Unlock()

	if d.rxQ.UsedIdx() == d.lastSeenRxUsed {
		return 0, nil
	}

	idRaw, length := d.rxQ.UsedEntry(d.lastSeenRxUsed % d.queueSize)

	payloadLen := int(length) - d.HeaderSize
	if payloadLen < 0 {
		payloadLen = 0
	}

	payloadDescID := uint16(idRaw+1) % d.queueSize

	addr, _, _, _ := d.rxQ.Descriptor(payloadDescID)

	payload, err := d.rxPool.Slice(addr, uint32(payloadLen))
	if err != nil {
		return 0, transport.ErrTransportFault
	}

	n := copy(buf, payload)

	d.lastSeenRxUsed++

	// Re-post the chain that just completed: it heads at idRaw, the
	// even descriptor id pre-posted at Open.
	d.rxQ.PublishAvail(d.rxQ.AvailIdx()%d.queueSize, uint16(idRaw))
	d.rxQ.AdvanceAvailIdx(1)
	d.rxQ.Notify(d.Transport, 0)

	if n < payloadLen {
		return n, ErrReceiveTruncated
	}

	return n, nil
}

// Poll runs one bounded receive pass into rx and then drains any
// pending TX completions, per the single-threaded cooperative model
// of this driver (spec.md §5: no internal synchronization between
// driver calls, callers serialize access to a device instance). It is
// a convenience wrapper over Receive and a TX-completion drain, not a
// concurrent operation.
func (d *Device) Poll(rx []byte) (received int, err error) {
	received, err = d.Receive(rx)

	d.Lock()
	for {
		if _, _, ok := d.txQ.PollUsed(); !ok {
			break
		}
	}
	d.Unlock()

	return received, err
}

// HandleInterrupt reads and acknowledges the transport's pending
// interrupt-status bits, reporting whether a used-buffer notification
// was pending. Interrupt dispatch (deciding which ISR fires and when)
// remains external to this driver; this only drains the transport
// register.
func (d *Device) HandleInterrupt() (usedBuffer bool) {
	isr := d.Transport.InterruptStatus()
	if isr == 0 {
		return false
	}
	d.Transport.InterruptAck(isr)
	return isr&1 != 0
}

// Close marks the device FAILED, resets it, and releases its buffer
// pools and virtqueues.
func (d *Device) Close() {
	d.Lock()
	defer d.Unlock()

	if d.closed {
		return
	}

	negotiate.Shutdown(d.Transport)
	d.closed = true

	d.Platform.FreeAligned(d.rxPool)
	d.Platform.FreeAligned(d.txPool)
	d.Platform.FreeAligned(d.txHeaderPool)
	d.Platform.FreeAligned(d.rxQ.Pool())
	d.Platform.FreeAligned(d.txQ.Pool())

	d.Transport.QueueTerm(0)
	d.Transport.QueueTerm(1)
}
