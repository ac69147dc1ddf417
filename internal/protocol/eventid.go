package protocol

import (
	"strconv"
	"sync"
)

// DefaultEventIDBound is the wrap bound observed on deployed devices.
const DefaultEventIDBound = 10000

// EventIDs hands out correlation ids 1..bound-1 and wraps back to 1.
// Ids are for debugging only; they carry no ordering guarantee.
type EventIDs struct {
	mu    sync.Mutex
	bound int
	next  int
}

func NewEventIDs(bound int) *EventIDs {
	if bound <= 1 {
		bound = DefaultEventIDBound
	}
	return &EventIDs{bound: bound, next: 1}
}

// Next returns the next numeric id.
func (g *EventIDs) Next() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next++
	if g.next >= g.bound {
		g.next = 1
	}
	return id
}

// NextString returns the next id in wire form, e.g. "event_42".
func (g *EventIDs) NextString() string {
	return "event_" + strconv.Itoa(g.Next())
}
