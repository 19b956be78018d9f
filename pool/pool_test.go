package pool

import "testing"

func TestAcquireReturnsBlocksLowestIndexFirst(t *testing.T) {
	p := New(8, 4)
	b0, ok := p.Acquire()
	if !ok {
		t.Fatal("expected a free block")
	}
	if len(b0) != 8 {
		t.Errorf("wrong block size, expected 8 got %d", len(b0))
	}
	// The first acquired block should be block index 0 of the slab.
	if blockOffset(p.slab, b0) != 0 {
		t.Errorf("expected first acquire to be block 0, got offset %d", blockOffset(p.slab, b0))
	}
}

func TestAcquireExhaustion(t *testing.T) {
	p := New(4, 2)
	if _, ok := p.Acquire(); !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := p.Acquire(); !ok {
		t.Fatal("expected second acquire to succeed")
	}
	if _, ok := p.Acquire(); ok {
		t.Error("expected pool exhaustion on the third acquire")
	}
}

func TestReleaseMakesBlockReusable(t *testing.T) {
	p := New(4, 1)
	b, ok := p.Acquire()
	if !ok {
		t.Fatal("expected a free block")
	}
	if _, ok := p.Acquire(); ok {
		t.Fatal("expected pool exhausted before release")
	}
	p.Release(b)
	if _, ok := p.Acquire(); !ok {
		t.Error("expected block to be reusable after release")
	}
}

func TestReleaseForeignPointerIsIgnored(t *testing.T) {
	p := New(4, 1)
	foreign := make([]byte, 4)
	p.Release(foreign) // must not panic or corrupt the free list
	if _, ok := p.Acquire(); !ok {
		t.Fatal("expected the only real block still free")
	}
	if _, ok := p.Acquire(); ok {
		t.Error("foreign release must not have added a spurious free block")
	}
}

func TestReleaseMisalignedOffsetIsIgnored(t *testing.T) {
	p := New(4, 2)
	b, ok := p.Acquire()
	if !ok {
		t.Fatal("expected a free block")
	}
	misaligned := b[1:3]
	p.Release(misaligned)
	// Pool should behave as if nothing was released: one more real block
	// free (index 1), and the misaligned release must not have granted
	// block 0 back.
	first, ok := p.Acquire()
	if !ok {
		t.Fatal("expected block 1 still available")
	}
	if blockOffset(p.slab, first) == 0 {
		t.Error("misaligned release corrupted the free list")
	}
}

func TestReleaseNilIsNoop(t *testing.T) {
	p := New(4, 1)
	p.Release(nil)
	if _, ok := p.Acquire(); !ok {
		t.Error("nil release must not disturb the pool")
	}
}
