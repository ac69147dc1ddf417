package protocol

import (
	"sync"
	"testing"

	"pgregory.net/rapid"
)

func TestEventIDsStartAtOneAndWrap(t *testing.T) {
	g := NewEventIDs(10000)
	for i := 1; i <= 9999; i++ {
		if got := g.Next(); got != i {
			t.Fatalf("Next() #%d = %d, want %d", i, got, i)
		}
	}
	if got := g.Next(); got != 1 {
		t.Fatalf("Next() after 9999 = %d, want 1", got)
	}
}

func TestEventIDsLongSessionNeverReachesBound(t *testing.T) {
	g := NewEventIDs(10000)
	var ids []int
	for i := 0; i < 10050; i++ {
		ids = append(ids, g.Next())
	}
	for i, id := range ids {
		if id < 1 || id >= 10000 {
			t.Fatalf("id[%d] = %d, out of range [1,10000)", i, id)
		}
	}
	if ids[9998] != 9999 {
		t.Fatalf("id #9999 = %d, want 9999", ids[9998])
	}
	if ids[9999] != 1 {
		t.Fatalf("id #10000 = %d, want 1", ids[9999])
	}
	if ids[10049] != 51 {
		t.Fatalf("id #10050 = %d, want 51", ids[10049])
	}
}

func TestEventIDsNextString(t *testing.T) {
	g := NewEventIDs(0)
	if got := g.NextString(); got != "event_1" {
		t.Fatalf("NextString() = %q, want %q", got, "event_1")
	}
}

func TestEventIDsConcurrentUse(t *testing.T) {
	g := NewEventIDs(100)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if id := g.Next(); id < 1 || id >= 100 {
					t.Errorf("Next() = %d, out of range", id)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestEventIDsCycleProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bound := rapid.IntRange(2, 500).Draw(t, "bound")
		n := rapid.IntRange(1, 2000).Draw(t, "n")
		g := NewEventIDs(bound)
		for i := 0; i < n; i++ {
			want := i%(bound-1) + 1
			if got := g.Next(); got != want {
				t.Fatalf("Next() #%d with bound %d = %d, want %d", i, bound, got, want)
			}
		}
	})
}
