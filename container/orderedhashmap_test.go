package container

import "testing"

func TestPushBackAndFrontOrder(t *testing.T) {
	m := New[uint32, string]()
	m.PushBack(1, "a")
	m.PushBack(2, "b")
	m.PushBack(3, "c")

	k, v, ok := m.Front()
	if !ok || k != 1 || v != "a" {
		t.Errorf("expected front (1, a), got (%d, %s, %v)", k, v, ok)
	}
	k, v, ok = m.Back()
	if !ok || k != 3 || v != "c" {
		t.Errorf("expected back (3, c), got (%d, %s, %v)", k, v, ok)
	}
}

func TestPopFrontIsFIFO(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 5; i++ {
		m.PushBack(i, i*10)
	}
	for i := 0; i < 5; i++ {
		k, v, ok := m.PopFront()
		if !ok || k != i || v != i*10 {
			t.Fatalf("expected (%d, %d), got (%d, %d, %v)", i, i*10, k, v, ok)
		}
	}
	if _, _, ok := m.PopFront(); ok {
		t.Error("expected empty container after draining")
	}
}

func TestFindAndErase(t *testing.T) {
	m := New[string, int]()
	m.PushBack("x", 1)
	m.PushBack("y", 2)

	if v, ok := m.Find("x"); !ok || v != 1 {
		t.Errorf("expected to find x=1, got %d, %v", v, ok)
	}

	m.Erase("x")
	if _, ok := m.Find("x"); ok {
		t.Error("expected x to be gone after erase")
	}
	if m.Len() != 1 {
		t.Errorf("expected length 1 after erase, got %d", m.Len())
	}

	// Erasing an absent key is a no-op, not an error.
	m.Erase("absent")
	if m.Len() != 1 {
		t.Errorf("erase of absent key changed length: %d", m.Len())
	}
}

func TestEmptyAndLen(t *testing.T) {
	m := New[int, int]()
	if !m.Empty() {
		t.Error("expected new container to be empty")
	}
	m.PushBack(1, 1)
	if m.Empty() {
		t.Error("expected non-empty container after push")
	}
	if m.Len() != 1 {
		t.Errorf("expected len 1, got %d", m.Len())
	}
}
