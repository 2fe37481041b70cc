package transport

// Fake is an in-memory Transport double standing in for a hypervisor
// peer in tests. Unlike MMIO it does not model the register-offset
// byte layout (that would require emulating register-write side
// effects no fake needs); it implements the same contract directly
// over plain fields, the same way the reference host-side device
// emulations in the retrieved pack model a virtio device as a plain
// Go struct rather than a byte-accurate register file.
type Fake struct {
	Modern bool
	DevID  uint32
	Host   uint64 // host-offered feature bits
	Config []byte // device-specific configuration region

	status        uint8
	guestFeatures uint64
	selected      int
	isr           uint8
	generation    uint32

	queueMax   map[int]uint16
	queueDesc  map[int]uint64
	queueAvail map[int]uint64
	queueUsed  map[int]uint64
	queueReady map[int]bool

	// Notifications records every QueueNotify call, in order, for
	// tests to assert a notify was issued.
	Notifications []int
}

// NewFake builds a Fake transport advertising hostFeatures and backed
// by the given config region.
func NewFake(modern bool, devID uint32, hostFeatures uint64, config []byte) *Fake {
	return &Fake{
		Modern:     modern,
		DevID:      devID,
		Host:       hostFeatures,
		Config:     config,
		queueMax:   make(map[int]uint16),
		queueDesc:  make(map[int]uint64),
		queueAvail: make(map[int]uint64),
		queueUsed:  make(map[int]uint64),
		queueReady: make(map[int]bool),
	}
}

// SetQueueMaxSize is test setup: it configures what QueueMaxSize
// reports for a given queue index once selected.
func (f *Fake) SetQueueMaxSize(index int, n uint16) {
	f.queueMax[index] = n
}

// BumpConfigGeneration is test setup for simulating a config-region
// update mid-read.
func (f *Fake) BumpConfigGeneration() {
	f.generation++
}

// QueueAddresses exposes what the driver programmed for a queue
// index, so a test harness simulating the hypervisor side can locate
// that queue's rings.
func (f *Fake) QueueAddresses(index int) (descPA, availPA, usedPA uint64) {
	return f.queueDesc[index], f.queueAvail[index], f.queueUsed[index]
}

// GuestFeatures exposes what the driver negotiated, for test
// assertions.
func (f *Fake) GuestFeatures() uint64 { return f.guestFeatures }

// RaiseInterrupt is test setup simulating the device setting the given
// interrupt-status bits (0x01 used buffer, 0x02 config change).
func (f *Fake) RaiseInterrupt(bit uint8) { f.isr |= bit }

func (f *Fake) IsModern() bool   { return f.Modern }
func (f *Fake) DeviceID() uint32 { return f.DevID }

func (f *Fake) Reset() error {
	f.status = 0
	return nil
}

func (f *Fake) Status() uint8      { return f.status }
func (f *Fake) SetStatus(bits uint8) { f.status |= bits }

func (f *Fake) HostFeatures() uint64 {
	if f.Modern {
		return f.Host
	}
	return f.Host & 0xffffffff
}

func (f *Fake) SetGuestFeatures(features uint64) { f.guestFeatures = features }

func (f *Fake) QueueSelect(index int) { f.selected = index }

func (f *Fake) QueueMaxSize() uint16 { return f.queueMax[f.selected] }

func (f *Fake) QueueSetAddresses(descPA, availPA, usedPA uint64) {
	f.queueDesc[f.selected] = descPA
	f.queueAvail[f.selected] = availPA
	f.queueUsed[f.selected] = usedPA
}

func (f *Fake) QueueSetReady() { f.queueReady[f.selected] = true }
func (f *Fake) QueueReady() bool { return f.queueReady[f.selected] }

func (f *Fake) QueueNotify(index int) {
	f.Notifications = append(f.Notifications, index)
}

func (f *Fake) QueueTerm(index int) { f.queueReady[index] = false }

func (f *Fake) ConfigRead(offset int, buf []byte) error {
	if offset < 0 || offset+len(buf) > len(f.Config) {
		return ErrTransportFault
	}
	copy(buf, f.Config[offset:offset+len(buf)])
	return nil
}

func (f *Fake) ConfigGeneration() uint32 { return f.generation }

func (f *Fake) InterruptStatus() uint8   { return f.isr }
func (f *Fake) InterruptAck(mask uint8)  { f.isr &^= mask }
