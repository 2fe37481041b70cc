package transport

import (
	"encoding/binary"
	"testing"
)

// newRegs builds a minimal valid virtio-mmio register window: magic,
// version, and a config region of configLen bytes past offConfig.
func newRegs(version uint32, configLen int) []byte {
	regs := make([]byte, offConfig+configLen)
	binary.LittleEndian.PutUint32(regs[offMagic:], magicValue)
	binary.LittleEndian.PutUint32(regs[offVersion:], version)
	return regs
}

func TestNewMMIOGoodMagicLegacy(t *testing.T) {
	regs := newRegs(1, 8)

	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}
	if m.IsModern() {
		t.Fatalf("IsModern() = true, want false for version 1")
	}
}

func TestNewMMIOGoodMagicModern(t *testing.T) {
	regs := newRegs(2, 8)

	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}
	if !m.IsModern() {
		t.Fatalf("IsModern() = false, want true for version 2")
	}
}

func TestNewMMIOBadMagic(t *testing.T) {
	regs := newRegs(2, 8)
	binary.LittleEndian.PutUint32(regs[offMagic:], 0xdeadbeef)

	if _, err := NewMMIO(regs); err != ErrTransportFault {
		t.Fatalf("err = %v, want ErrTransportFault", err)
	}
}

func TestNewMMIOBadVersion(t *testing.T) {
	regs := newRegs(3, 8)

	if _, err := NewMMIO(regs); err != ErrTransportFault {
		t.Fatalf("err = %v, want ErrTransportFault", err)
	}
}

func TestNewMMIOWindowTooSmall(t *testing.T) {
	regs := make([]byte, offConfig-1)
	binary.LittleEndian.PutUint32(regs[offMagic:], magicValue)

	if _, err := NewMMIO(regs); err != ErrTransportFault {
		t.Fatalf("err = %v, want ErrTransportFault", err)
	}
}

func TestHostFeaturesLegacyOnlyUsesLowWindow(t *testing.T) {
	regs := newRegs(1, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	// Program the low 32-bit feature window directly, as the host
	// side of the register file would.
	binary.LittleEndian.PutUint32(regs[offDeviceFeaturesSel:], 0)
	binary.LittleEndian.PutUint32(regs[offDeviceFeatures:], 0x0000002f)
	// Program the high window too; a legacy device must never read it.
	binary.LittleEndian.PutUint32(regs[offDeviceFeaturesSel:], 1)
	binary.LittleEndian.PutUint32(regs[offDeviceFeatures:], 0xffffffff)

	got := m.HostFeatures()
	if got != 0x0000002f {
		t.Fatalf("HostFeatures() = %#x, want %#x (upper window must be ignored for legacy)", got, 0x2f)
	}
}

func TestHostFeaturesModernUsesBothWindows(t *testing.T) {
	regs := newRegs(2, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	binary.LittleEndian.PutUint32(regs[offDeviceFeaturesSel:], 0)
	binary.LittleEndian.PutUint32(regs[offDeviceFeatures:], 0x0000002f)
	binary.LittleEndian.PutUint32(regs[offDeviceFeaturesSel:], 1)
	binary.LittleEndian.PutUint32(regs[offDeviceFeatures:], 0x00000001)

	want := uint64(0x0000002f) | uint64(0x00000001)<<32
	if got := m.HostFeatures(); got != want {
		t.Fatalf("HostFeatures() = %#x, want %#x", got, want)
	}
}

func TestSetGuestFeaturesLegacyOnlyWritesLowWindow(t *testing.T) {
	regs := newRegs(1, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	// Poison the high window so a stray write would be observable.
	binary.LittleEndian.PutUint32(regs[offDriverFeaturesSel:], 1)
	binary.LittleEndian.PutUint32(regs[offDriverFeatures:], 0xdeadbeef)

	m.SetGuestFeatures(0xffffffffffffffff)

	binary.LittleEndian.PutUint32(regs[offDriverFeaturesSel:], 0)
	low := binary.LittleEndian.Uint32(regs[offDriverFeatures:])
	if low != 0xffffffff {
		t.Fatalf("low feature window = %#x, want 0xffffffff", low)
	}

	binary.LittleEndian.PutUint32(regs[offDriverFeaturesSel:], 1)
	high := binary.LittleEndian.Uint32(regs[offDriverFeatures:])
	if high != 0xdeadbeef {
		t.Fatalf("high feature window = %#x, want untouched 0xdeadbeef for legacy", high)
	}
}

func TestSetGuestFeaturesModernWritesBothWindows(t *testing.T) {
	regs := newRegs(2, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	m.SetGuestFeatures(0x1_00000002)

	binary.LittleEndian.PutUint32(regs[offDriverFeaturesSel:], 0)
	low := binary.LittleEndian.Uint32(regs[offDriverFeatures:])
	if low != 0x00000002 {
		t.Fatalf("low feature window = %#x, want 0x2", low)
	}

	binary.LittleEndian.PutUint32(regs[offDriverFeaturesSel:], 1)
	high := binary.LittleEndian.Uint32(regs[offDriverFeatures:])
	if high != 0x00000001 {
		t.Fatalf("high feature window = %#x, want 0x1", high)
	}
}

func TestConfigReadInRange(t *testing.T) {
	regs := newRegs(2, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	copy(regs[offConfig:], []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})

	buf := make([]byte, 6)
	if err := m.ConfigRead(0, buf); err != nil {
		t.Fatalf("ConfigRead: %v", err)
	}
	want := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("ConfigRead = %v, want %v", buf, want)
		}
	}
}

func TestConfigReadOutOfRange(t *testing.T) {
	regs := newRegs(2, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	buf := make([]byte, 4)
	if err := m.ConfigRead(8, buf); err != ErrTransportFault {
		t.Fatalf("err = %v, want ErrTransportFault (offset 8, len 4 exceeds 8-byte config region)", err)
	}
}

func TestConfigReadNegativeOffsetRejected(t *testing.T) {
	regs := newRegs(2, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	buf := make([]byte, 4)
	if err := m.ConfigRead(-1, buf); err != ErrTransportFault {
		t.Fatalf("err = %v, want ErrTransportFault", err)
	}
}

func TestQueueSetAddressesSplitsAcross32BitRegisters(t *testing.T) {
	regs := newRegs(2, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	desc := uint64(0x0000000123456789)
	avail := uint64(0x00000001a0a0a0a0)
	used := uint64(0x00000001b0b0b0b0)

	m.QueueSetAddresses(desc, avail, used)

	checkSplit := func(name string, base int, want uint64) {
		low := binary.LittleEndian.Uint32(regs[base:])
		high := binary.LittleEndian.Uint32(regs[base+4:])
		got := uint64(low) | uint64(high)<<32
		if got != want {
			t.Fatalf("%s = %#x, want %#x", name, got, want)
		}
	}

	checkSplit("QueueDesc", offQueueDesc, desc)
	checkSplit("QueueDriver", offQueueDriver, avail)
	checkSplit("QueueDevice", offQueueDevice, used)
}

func TestQueueSelectMaxSizeReadyNotify(t *testing.T) {
	regs := newRegs(2, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	m.QueueSelect(3)
	if got := binary.LittleEndian.Uint32(regs[offQueueSel:]); got != 3 {
		t.Fatalf("QueueSel register = %d, want 3", got)
	}

	binary.LittleEndian.PutUint32(regs[offQueueNumMax:], 64)
	if got := m.QueueMaxSize(); got != 64 {
		t.Fatalf("QueueMaxSize() = %d, want 64", got)
	}

	if m.QueueReady() {
		t.Fatalf("QueueReady() = true before SetReady")
	}
	m.QueueSetReady()
	if !m.QueueReady() {
		t.Fatalf("QueueReady() = false after SetReady")
	}

	m.QueueNotify(1)
	if got := binary.LittleEndian.Uint32(regs[offQueueNotify:]); got != 1 {
		t.Fatalf("QueueNotify register = %d, want 1", got)
	}

	m.QueueTerm(3)
	if m.QueueReady() {
		t.Fatalf("QueueReady() = true after QueueTerm")
	}
}

func TestStatusORsInBits(t *testing.T) {
	regs := newRegs(2, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	m.SetStatus(0x01)
	m.SetStatus(0x02)
	if got := m.Status(); got != 0x03 {
		t.Fatalf("Status() = %#x, want 0x3", got)
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := m.Status(); got != 0 {
		t.Fatalf("Status() after Reset = %#x, want 0", got)
	}
}

func TestConfigGenerationAndInterruptRegisters(t *testing.T) {
	regs := newRegs(2, 8)
	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	binary.LittleEndian.PutUint32(regs[offConfigGeneration:], 7)
	if got := m.ConfigGeneration(); got != 7 {
		t.Fatalf("ConfigGeneration() = %d, want 7", got)
	}

	binary.LittleEndian.PutUint32(regs[offInterruptStatus:], 0x01)
	if got := m.InterruptStatus(); got != 0x01 {
		t.Fatalf("InterruptStatus() = %#x, want 0x1", got)
	}

	m.InterruptAck(0x01)
	if got := binary.LittleEndian.Uint32(regs[offInterruptACK:]); got != 0x01 {
		t.Fatalf("InterruptACK register = %#x, want 0x1", got)
	}
}

func TestDeviceIDReadsRegister(t *testing.T) {
	regs := newRegs(2, 8)
	binary.LittleEndian.PutUint32(regs[offDeviceID:], 1)

	m, err := NewMMIO(regs)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	if got := m.DeviceID(); got != 1 {
		t.Fatalf("DeviceID() = %d, want 1", got)
	}
}
