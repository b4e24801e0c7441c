package queue

import "sync"

// notifier fans queue events out to any number of subscribers. Callback
// subscribers run on the emitting goroutine; channel subscribers get
// non-blocking delivery and lose events when their buffer is full.
type notifier struct {
	mu    sync.Mutex
	fns   []func(Event)
	chans map[int]chan Event
	next  int
}

func newNotifier() *notifier {
	return &notifier{chans: map[int]chan Event{}}
}

func (n *notifier) subscribe(fn func(Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fns = append(n.fns, fn)
}

func (n *notifier) subscribeChan(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	n.mu.Lock()
	id := n.next
	n.next++
	n.chans[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.chans, id)
			close(ch)
			n.mu.Unlock()
		})
	}
	return ch, cancel
}

func (n *notifier) publish(e Event) {
	n.mu.Lock()
	fns := append(([]func(Event))(nil), n.fns...)
	// Channel sends stay under the lock so an unsubscribe cannot close a
	// channel mid-send.
	for _, ch := range n.chans {
		select {
		case ch <- e:
		default:
		}
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
