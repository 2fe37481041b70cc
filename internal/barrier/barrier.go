// Package barrier marks the cross-domain memory-ordering points the
// split virtqueue engine relies on when a concurrent hypervisor reads
// and writes the same descriptor, available and used rings.
//
// There are exactly three such points: descriptor writes must be
// visible before the available-ring index publish, the available-ring
// index must be visible before queue_notify, and the used-ring index
// load must happen before the used-ring entries it guards are read.
// The ring fields themselves are plain byte-slice reads and writes
// (see the queue package); Fence performs one sync/atomic operation at
// each of these points, which keeps them an explicit, auditable call
// rather than an implicit property of accessor ordering.
package barrier

import "sync/atomic"

// counter is the atomic operation Fence performs to get the
// acquire/release semantics the Go memory model guarantees at an
// atomic access. This driver is single-threaded cooperative (spec.md
// §5: no internal synchronization between driver calls); the counter
// is never read back, only incremented, so there is no genuine
// cross-goroutine contention on it to guard against with cache-line
// padding — the hypervisor peer this barrier actually orders against
// is outside the Go memory model entirely.
var counter uint32

// Fence marks one of the three ordering points in the virtqueue memory
// model.
func Fence() {
	atomic.AddUint32(&counter, 1)
}
