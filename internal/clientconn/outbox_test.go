package clientconn

import (
	"testing"
	"time"
)

func newTestOutbox(capacity int, ttl time.Duration) (*Outbox, *fakeClock) {
	o := NewOutbox(capacity, ttl)
	clock := &fakeClock{t: time.Unix(0, 0)}
	o.now = clock.Now
	return o, clock
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time  { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestOutboxDrainsInFIFOOrder(t *testing.T) {
	o, _ := newTestOutbox(10, time.Second)
	o.Push(Item{Kind: ItemJSON, Data: []byte("a")})
	o.Push(Item{Kind: ItemJSON, Data: []byte("b")})
	o.Push(Item{Kind: ItemJSON, Data: []byte("c")})

	drained := o.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 items, got %d", len(drained))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(drained[i].Data) != want {
			t.Fatalf("index %d: got %q want %q", i, drained[i].Data, want)
		}
	}
	if o.Len() != 0 {
		t.Fatal("expected outbox emptied after drain")
	}
}

func TestOutboxDropsOldestOnOverflow(t *testing.T) {
	o, _ := newTestOutbox(2, time.Minute)
	o.Push(Item{Data: []byte("1")})
	o.Push(Item{Data: []byte("2")})
	o.Push(Item{Data: []byte("3")})

	drained := o.Drain()
	if len(drained) != 2 || string(drained[0].Data) != "2" || string(drained[1].Data) != "3" {
		t.Fatalf("expected [2 3], got %v", drained)
	}
}

func TestOutboxEvictsExpiredEntriesOnMutation(t *testing.T) {
	o, clock := newTestOutbox(10, time.Second)
	o.Push(Item{Data: []byte("old")})
	clock.Advance(2 * time.Second)
	o.Push(Item{Data: []byte("new")})

	drained := o.Drain()
	if len(drained) != 1 || string(drained[0].Data) != "new" {
		t.Fatalf("expected only the unexpired entry, got %v", drained)
	}
}

func TestOutboxMatchesE5Scenario(t *testing.T) {
	o, _ := newTestOutbox(2, 5*time.Second)
	o.Push(Item{Data: []byte("wake")})
	o.Push(Item{Data: []byte("barge_in")})
	o.Push(Item{Data: []byte("follow_up_timeout")})

	drained := o.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 surviving items, got %d", len(drained))
	}
	if string(drained[0].Data) != "barge_in" || string(drained[1].Data) != "follow_up_timeout" {
		t.Fatalf("expected [barge_in follow_up_timeout], got %v", drained)
	}
}
