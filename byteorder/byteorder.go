// Package byteorder converts virtqueue and device-config fields between
// guest-native byte order and the wire order a negotiated device
// generation expects.
//
// A legacy (pre-1.0) device exposes its rings in guest-native order; a
// modern (VIRTIO_F_VERSION_1) device is always little-endian, including
// every guest-physical address placed into a descriptor table. The
// distinction is resolved once, at negotiation time, into an Order
// value that every subsequent ring or config access passes through.
// Nothing downstream branches on device generation again.
package byteorder

import "encoding/binary"

// Order adapts integer field access to one device generation's wire
// order.
type Order struct {
	bo binary.ByteOrder
}

// Legacy returns the adapter for a pre-1.0 device.
func Legacy() Order {
	return Order{bo: binary.NativeEndian}
}

// Modern returns the adapter for a VIRTIO_F_VERSION_1 device.
func Modern() Order {
	return Order{bo: binary.LittleEndian}
}

func (o Order) Uint16(b []byte) uint16       { return o.bo.Uint16(b) }
func (o Order) PutUint16(b []byte, v uint16) { o.bo.PutUint16(b, v) }
func (o Order) Uint32(b []byte) uint32       { return o.bo.Uint32(b) }
func (o Order) PutUint32(b []byte, v uint32) { o.bo.PutUint32(b, v) }
func (o Order) Uint64(b []byte) uint64       { return o.bo.Uint64(b) }
func (o Order) PutUint64(b []byte, v uint64) { o.bo.PutUint64(b, v) }
