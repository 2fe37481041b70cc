package platform

import "testing"

func TestAllocAlignedRespectsAlignment(t *testing.T) {
	a := NewAllocator(0x1000, 4096)

	pa, pool, err := a.AllocAligned(64, 16)
	if err != nil {
		t.Fatalf("AllocAligned: %v", err)
	}
	if pa%16 != 0 {
		t.Fatalf("pa %#x not 16-byte aligned", pa)
	}
	if len(pool.Bytes()) != 64 {
		t.Fatalf("pool length = %d, want 64", len(pool.Bytes()))
	}
	if !pool.Contains(pa, 64) {
		t.Fatalf("pool does not contain its own range")
	}
	if pool.Contains(pa, 65) {
		t.Fatalf("pool reports containing a range one byte too long")
	}
}

func TestAllocAlignedZeroesMemory(t *testing.T) {
	a := NewAllocator(0, 256)

	_, pool, err := a.AllocAligned(32, 8)
	if err != nil {
		t.Fatalf("AllocAligned: %v", err)
	}
	for i, b := range pool.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
}

func TestAllocAlignedOutOfMemory(t *testing.T) {
	a := NewAllocator(0, 128)

	if _, _, err := a.AllocAligned(256, 16); err != ErrOutOfMemory {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}
}

func TestFreeAlignedReclaims(t *testing.T) {
	a := NewAllocator(0, 128)

	_, pool, err := a.AllocAligned(128, 1)
	if err != nil {
		t.Fatalf("AllocAligned: %v", err)
	}

	if _, _, err := a.AllocAligned(1, 1); err != ErrOutOfMemory {
		t.Fatalf("expected arena to be exhausted before free")
	}

	a.FreeAligned(pool)

	if _, _, err := a.AllocAligned(128, 1); err != nil {
		t.Fatalf("AllocAligned after free: %v", err)
	}
}

func TestPoolSliceOutOfRange(t *testing.T) {
	a := NewAllocator(0x2000, 64)

	pa, pool, err := a.AllocAligned(64, 1)
	if err != nil {
		t.Fatalf("AllocAligned: %v", err)
	}

	if _, err := pool.Slice(pa, 65); err != ErrOutOfRange {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
	if _, err := pool.Slice(pa-1, 1); err != ErrOutOfRange {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
}
