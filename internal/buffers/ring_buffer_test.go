package buffers

import "testing"

func TestRingBuffer_ReadAllWithFilter_BeforeWrap(t *testing.T) {
	rb := NewRingBuffer[int](4)
	rb.WriteOne(1)
	rb.WriteOne(2)
	rb.WriteOne(3)

	got := rb.ReadAllWithFilter(func(int) bool { return true }, 0)
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRingBuffer_WriteOne_EvictsOldestOnWrap(t *testing.T) {
	rb := NewRingBuffer[int](3)
	rb.WriteOne(1)
	rb.WriteOne(2)
	rb.WriteOne(3)
	rb.WriteOne(4) // evicts 1

	got := rb.ReadAllWithFilter(func(int) bool { return true }, 0)
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRingBuffer_ReadAllWithFilter_AppliesFilterAndLimit(t *testing.T) {
	rb := NewRingBuffer[int](8)
	for _, v := range []int{1, 2, 3, 4, 5, 6} {
		rb.WriteOne(v)
	}

	even := rb.ReadAllWithFilter(func(v int) bool { return v%2 == 0 }, 0)
	if len(even) != 3 || even[0] != 2 || even[1] != 4 || even[2] != 6 {
		t.Fatalf("got %v, want [2 4 6]", even)
	}

	limited := rb.ReadAllWithFilter(func(int) bool { return true }, 2)
	if len(limited) != 2 || limited[0] != 1 || limited[1] != 2 {
		t.Fatalf("got %v, want [1 2]", limited)
	}
}

func TestRingBuffer_ReadAllWithFilter_Empty(t *testing.T) {
	rb := NewRingBuffer[int](4)
	if got := rb.ReadAllWithFilter(func(int) bool { return true }, 0); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}
