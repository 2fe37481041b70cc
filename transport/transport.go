// Package transport abstracts register-level access to a virtio
// device, hiding legacy-vs-modern and bus-width differences behind a
// single Transport interface. Bus discovery (locating and mapping the
// device's register window) is an external concern; a Transport value
// always already identifies one probed device instance.
package transport

import "errors"

var (
	// ErrNegotiationFailed names a device clearing FEATURES_OK after it
	// was set. No function in this module returns it; negotiate.Run
	// reports that case as negotiate.ErrNegotiationFailed.
	ErrNegotiationFailed = errors.New("transport: negotiation failed")

	// ErrQueueInit names a selected queue reporting a maximum size of
	// zero. No function in this module returns it; queue.Init reports
	// that case as queue.ErrQueueInit.
	ErrQueueInit = errors.New("transport: queue init failed")

	// ErrTransportFault is returned when a register read returns a
	// value the shim cannot make sense of (bad magic/version, a
	// config read past the mapped window).
	ErrTransportFault = errors.New("transport: register access fault")
)

// Transport is the register-level shim the virtio core drives. A
// single-width implementation (MMIO) is sufficient: the shim hides the
// distinction between bus widths from upper layers, so the core never
// imports a transport implementation package directly.
type Transport interface {
	// IsModern reports whether this device negotiates
	// VIRTIO_F_VERSION_1 (strict little-endian wire format, 64-bit
	// feature negotiation) or behaves as a legacy device.
	IsModern() bool

	// DeviceID returns the virtio device type (2 = block, 1 = net).
	DeviceID() uint32

	// Reset writes zero to the status register and confirms the
	// device observed it, discarding all prior negotiation state.
	Reset() error

	// Status returns the current device status bitfield.
	Status() uint8

	// SetStatus ORs bits into the device status register.
	SetStatus(bits uint8)

	// HostFeatures returns the device-offered feature bitfield.
	HostFeatures() uint64

	// SetGuestFeatures writes the driver's accepted feature subset.
	SetGuestFeatures(features uint64)

	// QueueSelect selects a virtqueue index as the target of the
	// Queue* calls below.
	QueueSelect(index int)

	// QueueMaxSize returns the maximum size the device supports for
	// the selected queue, or zero if the queue does not exist.
	QueueMaxSize() uint16

	// QueueSetAddresses programs the descriptor table, available
	// ring and used ring guest-physical addresses for the selected
	// queue.
	QueueSetAddresses(descPA, availPA, usedPA uint64)

	// QueueSetReady marks the selected queue ready for use.
	QueueSetReady()

	// QueueReady reports whether the selected queue is marked
	// ready.
	QueueReady() bool

	// QueueNotify kicks the device for the given queue index.
	QueueNotify(index int)

	// QueueTerm marks a queue not ready, releasing the device's
	// claim on its rings.
	QueueTerm(index int)

	// ConfigRead copies len(buf) bytes from the device-specific
	// configuration region starting at offset.
	ConfigRead(offset int, buf []byte) error

	// ConfigGeneration returns the configuration generation
	// counter, which increments whenever the device-specific
	// config region changes; callers re-read and compare
	// generations to detect a torn read.
	ConfigGeneration() uint32

	// InterruptStatus returns the pending interrupt-status bits.
	// Interrupt dispatch is out of scope; reading and acknowledging
	// this register is in scope, it is a transport register, not a
	// dispatch fabric.
	InterruptStatus() uint8

	// InterruptAck clears the given interrupt-status bits.
	InterruptAck(mask uint8)
}
