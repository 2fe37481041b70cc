// Package block implements the guest side of a virtio block device:
// negotiation, geometry discovery, and 3-descriptor read/write/flush
// request chains over a single virtqueue.
package block

import (
	"errors"

	"github.com/tamago-virtio/virtio-core/byteorder"
	"github.com/tamago-virtio/virtio-core/negotiate"
	"github.com/tamago-virtio/virtio-core/platform"
	"github.com/tamago-virtio/virtio-core/queue"
	"github.com/tamago-virtio/virtio-core/transport"
)

// Request types, per the virtio-blk wire format.
const (
	TypeRead  uint32 = 0
	TypeWrite uint32 = 1
	TypeFlush uint32 = 4
)

// Status trailer values the device writes into the last descriptor of
// a chain.
const (
	StatusOK          uint8 = 0
	StatusIOErr       uint8 = 1
	StatusUnsupported uint8 = 2
)

// SectorSize is the fixed 512-byte unit the sector field and default
// blk_size are expressed in.
const SectorSize = 512

// VIRTIO_BLK_F_BLK_SIZE, the only device-specific feature bit this
// driver negotiates.
const featBlkSize = 6

const (
	configCapacity = 0
	configBlkSize  = 20
)

var (
	ErrOutOfRange       = errors.New("block: request exceeds device capacity")
	ErrInvalidBlockSize = errors.New("block: blk_size is not a multiple of 512")
	ErrInvalidRequest   = errors.New("block: request header or status buffer too small")
	ErrFailed           = errors.New("block: device has been shut down")
)

// Device is a negotiated virtio-blk device driving a single
// virtqueue. Callers construct one with Transport and Platform set,
// then call Init.
type Device struct {
	Transport transport.Transport
	Platform  platform.Platform

	order byteorder.Order
	vq    *queue.VirtQueue

	Capacity  uint64 // 512-byte sectors
	BlockSize uint32

	failed bool
}

// Init negotiates the device, initializes its single virtqueue, and
// reads capacity and block size from the configuration region. It
// returns the effective block size (always a multiple of 512; 512 if
// the device never negotiated VIRTIO_BLK_F_BLK_SIZE).
func (d *Device) Init() (uint32, error) {
	supported := uint64(1)<<negotiate.VersionOne | uint64(1)<<featBlkSize

	negotiated, err := negotiate.Run(d.Transport, supported, 1, func(i int) error {
		vq, e := queue.Init(d.Transport, d.Platform, i, d.orderFor())
		if e != nil {
			return e
		}
		d.vq = vq
		return nil
	})
	if err != nil {
		d.failed = true
		return 0, err
	}

	d.order = d.orderFor()

	cfg := make([]byte, 24)
	if err := d.Transport.ConfigRead(0, cfg); err != nil {
		d.fail()
		return 0, transport.ErrTransportFault
	}

	d.Capacity = d.order.Uint64(cfg[configCapacity:])

	if negotiated&(1<<featBlkSize) != 0 {
		d.BlockSize = d.order.Uint32(cfg[configBlkSize:])
	} else {
		d.BlockSize = SectorSize
	}

	if d.BlockSize%SectorSize != 0 {
		d.fail()
		return 0, ErrInvalidBlockSize
	}

	return d.BlockSize, nil
}

func (d *Device) orderFor() byteorder.Order {
	if d.Transport.IsModern() {
		return byteorder.Modern()
	}
	return byteorder.Legacy()
}

func (d *Device) fail() {
	d.failed = true
	d.Transport.SetStatus(negotiate.StatusFailed)
}

// Request bundles the three DMA buffers backing one block transfer: a
// 16-byte request header, the data payload, and a one-byte status
// trailer, each with its guest-visible bytes and backing
// guest-physical address as obtained from the platform collaborator.
type Request struct {
	Header   []byte
	HeaderPA uint64

	Data   []byte
	DataPA uint64

	Status   []byte
	StatusPA uint64

	chainHead uint16
	submitted bool
}

// Transfer fills req's header, builds the 3-descriptor chain (header,
// data, status), submits it and notifies the device. Completion is
// observed later via Complete.
func (d *Device) Transfer(req *Request, startBlock uint64, count uint32, op uint32) error {
	if d.failed {
		return ErrFailed
	}
	if len(req.Header) < 16 || len(req.Status) < 1 {
		return ErrInvalidRequest
	}
	if count == 0 || startBlock+uint64(count)-1 > d.Capacity {
		return ErrOutOfRange
	}

	d.order.PutUint32(req.Header[0:4], op)
	d.order.PutUint32(req.Header[4:8], 0)
	d.order.PutUint64(req.Header[8:16], startBlock*uint64(d.BlockSize)/SectorSize)

	head, err := d.vq.AllocChain(3)
	if err != nil {
		return err
	}

	dataFlags := queue.DescNext
	if op == TypeRead {
		dataFlags |= queue.DescWrite
	}

	d.vq.FillDesc(head+0, req.HeaderPA, 16, queue.DescNext, head+1)
	d.vq.FillDesc(head+1, req.DataPA, uint32(count)*d.BlockSize, dataFlags, head+2)
	d.vq.FillDesc(head+2, req.StatusPA, 1, queue.DescWrite, 0)

	req.chainHead = head
	req.submitted = true

	d.vq.Submit(head)
	d.vq.Notify(d.Transport, 0)

	return nil
}

// Complete polls the queue's used ring for req's completion. It
// returns done=false if the device has not completed the request yet;
// once done, result holds the decoded status trailer.
func (d *Device) Complete(req *Request) (done bool, result uint8, err error) {
	if !req.submitted {
		return false, 0, ErrInvalidRequest
	}

	_, _, ok := d.vq.PollUsed()
	if !ok {
		return false, 0, nil
	}

	return true, req.Status[0], nil
}

// Shutdown marks the device FAILED and resets it, discarding all
// outstanding requests.
func (d *Device) Shutdown() {
	negotiate.Shutdown(d.Transport)
	d.failed = true
}
