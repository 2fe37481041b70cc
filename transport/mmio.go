package transport

import "encoding/binary"

// Register offsets within the virtio-mmio window, version 2 (modern).
// Version 1 (legacy) devices reuse the same offsets with only the
// feature-selector windows behaving differently (see HostFeatures/
// SetGuestFeatures below).
const (
	offMagic             = 0x000
	offVersion           = 0x004
	offDeviceID          = 0x008
	offVendorID          = 0x00c
	offDeviceFeatures    = 0x010
	offDeviceFeaturesSel = 0x014
	offDriverFeatures    = 0x020
	offDriverFeaturesSel = 0x024
	offQueueSel          = 0x030
	offQueueNumMax       = 0x034
	offQueueNum          = 0x038
	offQueueReady        = 0x044
	offQueueNotify       = 0x050
	offInterruptStatus   = 0x060
	offInterruptACK      = 0x064
	offStatus            = 0x070
	offQueueDesc         = 0x080
	offQueueDriver       = 0x090
	offQueueDevice       = 0x0a0
	offConfigGeneration  = 0x0fc
	offConfig            = 0x100
)

const magicValue = 0x74726976 // "virt"

// MMIO implements Transport over a byte-addressable register window,
// per the virtio-mmio register map. Real deployments back Regs with a
// slice mapped onto the device's physical register window; tests back
// it with an ordinary make([]byte, ...) buffer passed to NewMMIO.
type MMIO struct {
	// Regs is the mapped register window, offset 0 aligned with
	// Magic. Its length must cover at least the device-specific
	// config region the caller intends to read.
	Regs []byte

	modern bool
}

// NewMMIO validates the magic value and version field at the base of
// regs and returns a Transport bound to it. Version 1 selects legacy
// behavior, version 2 selects modern.
func NewMMIO(regs []byte) (*MMIO, error) {
	if len(regs) < offConfig {
		return nil, ErrTransportFault
	}
	if binary.LittleEndian.Uint32(regs[offMagic:]) != magicValue {
		return nil, ErrTransportFault
	}

	version := binary.LittleEndian.Uint32(regs[offVersion:])
	if version != 1 && version != 2 {
		return nil, ErrTransportFault
	}

	return &MMIO{Regs: regs, modern: version == 2}, nil
}

func (m *MMIO) IsModern() bool { return m.modern }

func (m *MMIO) DeviceID() uint32 {
	return binary.LittleEndian.Uint32(m.Regs[offDeviceID:])
}

func (m *MMIO) Reset() error {
	binary.LittleEndian.PutUint32(m.Regs[offStatus:], 0)

	if binary.LittleEndian.Uint32(m.Regs[offStatus:]) != 0 {
		return ErrTransportFault
	}

	return nil
}

func (m *MMIO) Status() uint8 {
	return uint8(binary.LittleEndian.Uint32(m.Regs[offStatus:]))
}

func (m *MMIO) SetStatus(bits uint8) {
	s := binary.LittleEndian.Uint32(m.Regs[offStatus:])
	s |= uint32(bits)
	binary.LittleEndian.PutUint32(m.Regs[offStatus:], s)
}

// HostFeatures reads both 32-bit feature selector windows for a
// modern device, or only the low window for a legacy one (legacy
// devices never negotiate feature bits above 31).
func (m *MMIO) HostFeatures() (features uint64) {
	binary.LittleEndian.PutUint32(m.Regs[offDeviceFeaturesSel:], 0)
	features = uint64(binary.LittleEndian.Uint32(m.Regs[offDeviceFeatures:]))

	if m.modern {
		binary.LittleEndian.PutUint32(m.Regs[offDeviceFeaturesSel:], 1)
		features |= uint64(binary.LittleEndian.Uint32(m.Regs[offDeviceFeatures:])) << 32
	}

	return
}

func (m *MMIO) SetGuestFeatures(features uint64) {
	binary.LittleEndian.PutUint32(m.Regs[offDriverFeaturesSel:], 0)
	binary.LittleEndian.PutUint32(m.Regs[offDriverFeatures:], uint32(features))

	if m.modern {
		binary.LittleEndian.PutUint32(m.Regs[offDriverFeaturesSel:], 1)
		binary.LittleEndian.PutUint32(m.Regs[offDriverFeatures:], uint32(features>>32))
	}
}

func (m *MMIO) QueueSelect(index int) {
	binary.LittleEndian.PutUint32(m.Regs[offQueueSel:], uint32(index))
}

func (m *MMIO) QueueMaxSize() uint16 {
	return uint16(binary.LittleEndian.Uint32(m.Regs[offQueueNumMax:]))
}

func (m *MMIO) QueueSetAddresses(descPA, availPA, usedPA uint64) {
	binary.LittleEndian.PutUint64(m.Regs[offQueueDesc:], descPA)
	binary.LittleEndian.PutUint64(m.Regs[offQueueDriver:], availPA)
	binary.LittleEndian.PutUint64(m.Regs[offQueueDevice:], usedPA)
}

func (m *MMIO) QueueSetReady() {
	binary.LittleEndian.PutUint32(m.Regs[offQueueReady:], 1)
}

func (m *MMIO) QueueReady() bool {
	return binary.LittleEndian.Uint32(m.Regs[offQueueReady:]) != 0
}

func (m *MMIO) QueueNotify(index int) {
	binary.LittleEndian.PutUint32(m.Regs[offQueueNotify:], uint32(index))
}

func (m *MMIO) QueueTerm(index int) {
	m.QueueSelect(index)
	binary.LittleEndian.PutUint32(m.Regs[offQueueReady:], 0)
}

func (m *MMIO) ConfigRead(offset int, buf []byte) error {
	base := offConfig + offset
	if base < offConfig || base+len(buf) > len(m.Regs) {
		return ErrTransportFault
	}
	copy(buf, m.Regs[base:base+len(buf)])
	return nil
}

func (m *MMIO) ConfigGeneration() uint32 {
	return binary.LittleEndian.Uint32(m.Regs[offConfigGeneration:])
}

func (m *MMIO) InterruptStatus() uint8 {
	return uint8(binary.LittleEndian.Uint32(m.Regs[offInterruptStatus:]))
}

func (m *MMIO) InterruptAck(mask uint8) {
	binary.LittleEndian.PutUint32(m.Regs[offInterruptACK:], uint32(mask))
}
