package util

import "testing"

func TestTailKeepsInsertionOrder(t *testing.T) {
	tl := NewTail[int](5)
	for i := 1; i <= 3; i++ {
		tl.Add(i)
	}
	if got := tl.Items(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("Items() = %v, want [1 2 3]", got)
	}
	if tl.Len() != 3 {
		t.Errorf("Len() = %d, want 3", tl.Len())
	}
}

func TestTailEvictsOldest(t *testing.T) {
	tl := NewTail[int](3)
	for i := 1; i <= 7; i++ {
		tl.Add(i)
	}
	got := tl.Items()
	want := []int{5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("Items() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Items()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if tl.Len() != 3 {
		t.Errorf("Len() = %d, want 3", tl.Len())
	}
}

func TestTailMinimumWindow(t *testing.T) {
	tl := NewTail[string](0)
	tl.Add("a")
	tl.Add("b")
	if got := tl.Items(); len(got) != 1 || got[0] != "b" {
		t.Errorf("Items() = %v, want [b]", got)
	}
}
