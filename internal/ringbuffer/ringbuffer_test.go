package ringbuffer

import (
	"reflect"
	"testing"
)

func seq(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i + 1)
	}
	return out
}

func TestReadLastWithinCapacity(t *testing.T) {
	rb := New(1.0, 10) // capacity 10
	rb.Write(seq(4))
	got := rb.ReadLast(4)
	want := seq(4)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestReadLastWrapsAround(t *testing.T) {
	rb := New(1.0, 5) // capacity 5
	rb.Write(seq(4))  // [1,2,3,4,_]
	rb.Write([]int16{5, 6, 7})

	got := rb.ReadLast(5)
	want := []int16{3, 4, 5, 6, 7}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestOversizedWriteKeepsTailOnly(t *testing.T) {
	rb := New(1.0, 3)
	rb.Write(seq(10)) // only last 3 retained: 8,9,10
	got := rb.ReadLast(3)
	want := []int16{8, 9, 10}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestReadLastCappedByTotalWritten(t *testing.T) {
	rb := New(1.0, 100)
	rb.Write(seq(3))
	got := rb.ReadLast(50)
	want := seq(3)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestReadLastEmptyBuffer(t *testing.T) {
	rb := New(1.0, 10)
	got := rb.ReadLast(5)
	if len(got) != 0 {
		t.Fatalf("expected empty read, got %v", got)
	}
}

func TestClearResetsState(t *testing.T) {
	rb := New(1.0, 5)
	rb.Write(seq(5))
	rb.Clear()
	if rb.TotalWritten() != 0 {
		t.Fatalf("expected total written reset to 0")
	}
	got := rb.ReadLast(5)
	if len(got) != 0 {
		t.Fatalf("expected empty read after clear, got %v", got)
	}
}
