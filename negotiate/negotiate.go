// Package negotiate drives a virtio transport through the device
// status-bit progression every virtio device requires before it may
// be used: RESET, ACKNOWLEDGE, DRIVER, FEATURES_NEGOTIATED (modern
// devices only), QUEUES_READY, DRIVER_OK. Status only ever moves
// forward except on reset or on a FAILED abort.
package negotiate

import (
	"errors"
	"fmt"
	"os"

	"github.com/tamago-virtio/virtio-core/transport"
)

// Debug gates a trace of the status-bit progression to stderr.
var Debug bool

func trace(format string, args ...interface{}) {
	if Debug {
		fmt.Fprintf(os.Stderr, "negotiate: "+format+"\n", args...)
	}
}

// Device status bits, per the virtio specification.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

// VersionOne is VIRTIO_F_VERSION_1, the feature bit every modern
// negotiation offers in addition to the caller's device-specific
// bits.
const VersionOne = 32

// ErrNegotiationFailed is returned when the device clears FEATURES_OK
// after the driver set it, meaning the offered feature subset was
// unacceptable.
var ErrNegotiationFailed = errors.New("negotiate: device cleared FEATURES_OK")

// Run drives tr through RESET, ACKNOWLEDGE, DRIVER, the feature
// handshake (modern devices only), initQueue for each of numQueues
// virtqueue indices, and finally DRIVER_OK. On any error StatusFailed
// is OR'd into status and the device is abandoned; the caller must
// not use it further.
//
// supported is the full feature bitfield this driver understands,
// including VersionOne; the negotiated result is host-offered bits
// masked to supported.
func Run(tr transport.Transport, supported uint64, numQueues int, initQueue func(index int) error) (negotiated uint64, err error) {
	if err = tr.Reset(); err != nil {
		tr.SetStatus(StatusFailed)
		return 0, err
	}
	trace("reset")

	tr.SetStatus(StatusAcknowledge)
	tr.SetStatus(StatusDriver)
	trace("status = %#x (ACK|DRIVER)", tr.Status())

	if tr.IsModern() {
		host := tr.HostFeatures()
		negotiated = host & supported

		tr.SetGuestFeatures(negotiated)
		tr.SetStatus(StatusFeaturesOK)
		trace("negotiated features = %#x", negotiated)

		if tr.Status()&StatusFeaturesOK == 0 {
			tr.SetStatus(StatusFailed)
			trace("device cleared FEATURES_OK, failing")
			return 0, ErrNegotiationFailed
		}
	} else {
		tr.SetGuestFeatures(supported & 0xffffffff)
		negotiated = tr.HostFeatures() & supported & 0xffffffff
		trace("legacy guest features = %#x, negotiated = %#x", supported&0xffffffff, negotiated)
	}

	for i := 0; i < numQueues; i++ {
		if err = initQueue(i); err != nil {
			tr.SetStatus(StatusFailed)
			trace("queue %d init failed: %v", i, err)
			return 0, err
		}
	}

	tr.SetStatus(StatusDriverOK)
	trace("status = %#x (DRIVER_OK)", tr.Status())

	return negotiated, nil
}

// Shutdown tears a device down: OR FAILED into status, then reset,
// voiding all outstanding buffers the device might otherwise still
// believe are posted.
func Shutdown(tr transport.Transport) error {
	tr.SetStatus(StatusFailed)
	return tr.Reset()
}
