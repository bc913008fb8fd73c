package syncmap

import "testing"

func TestPutGetDelete(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)

	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("want (1,true), got (%d,%v)", v, ok)
	}

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("expected key removed")
	}
}

func TestSwapReturnsPrevious(t *testing.T) {
	m := New[string, int]()

	old, existed := m.Swap("k", 1)
	if existed || old != 0 {
		t.Fatalf("want no prior value, got %d existed=%v", old, existed)
	}

	old, existed = m.Swap("k", 2)
	if !existed || old != 1 {
		t.Fatalf("want (1,true), got (%d,%v)", old, existed)
	}
	v, _ := m.Get("k")
	if v != 2 {
		t.Fatalf("want 2, got %d", v)
	}
}

func TestCompareAndDelete(t *testing.T) {
	m := New[string, int]()
	m.Put("k", 1)

	if m.CompareAndDelete("k", func(v int) bool { return v == 2 }) {
		t.Fatal("should not delete on mismatch")
	}
	if _, ok := m.Get("k"); !ok {
		t.Fatal("value should still be present after mismatched compare")
	}

	if !m.CompareAndDelete("k", func(v int) bool { return v == 1 }) {
		t.Fatal("should delete on match")
	}
	if _, ok := m.Get("k"); ok {
		t.Fatal("expected key removed after matching compare")
	}
}

func TestLenAndValues(t *testing.T) {
	m := New[int, string]()
	m.Put(1, "a")
	m.Put(2, "b")
	m.Put(3, "c")

	if m.Len() != 3 {
		t.Fatalf("want len 3, got %d", m.Len())
	}

	vals := m.Values()
	if len(vals) != 3 {
		t.Fatalf("want 3 values, got %d", len(vals))
	}
}
