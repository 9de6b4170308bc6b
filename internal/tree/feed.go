package tree

import "sync"

// Snapshot is one published version of a bucket tree.
// Root is a private deep copy and must be treated as read-only.
type Snapshot struct {
	Version       uint64
	Bucket        string
	Root          *TreeNode
	Authoritative bool
	// Speculative holds keys of nodes inserted locally and not yet confirmed by a listing.
	Speculative []string
	Shadowed    []string
}

// Feed fans snapshots out to subscribers. The owning Builder is the only
// producer. Each subscriber sees the latest snapshot; intermediate versions
// may be skipped when a subscriber falls behind.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	last   *Snapshot
	closed bool
}

func newFeed() *Feed {
	return &Feed{subs: make(map[int]chan Snapshot)}
}

// Subscribe registers a consumer. The latest snapshot, if any, is delivered
// immediately. The returned func unsubscribes and closes the channel.
func (f *Feed) Subscribe() (<-chan Snapshot, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	if f.last != nil {
		ch <- *f.last
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Latest returns the most recently published snapshot.
func (f *Feed) Latest() (Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return Snapshot{}, false
	}
	return *f.last, true
}

func (f *Feed) publish(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.last = &s
	for _, ch := range f.subs {
		select {
		case ch <- s:
		default:
			// drop the stale snapshot the subscriber has not read yet
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

func (f *Feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
