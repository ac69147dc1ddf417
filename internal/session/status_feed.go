package session

import "sync"

const statusFeedDepth = 16

// statusFeed fans status changes out to subscribers. A subscriber that falls
// statusFeedDepth changes behind loses the oldest ones.
type statusFeed struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Status
}

func (f *statusFeed) subscribe() (<-chan Status, func()) {
	ch := make(chan Status, statusFeedDepth)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]chan Status)
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// publish reads the status under the feed lock so subscribers never see an
// older status after a newer one.
func (f *statusFeed) publish(read func() Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return
	}
	st := read()
	for _, ch := range f.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
