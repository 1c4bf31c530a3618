package store

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

type listener[S any] struct {
	id int
	fn func(S)
}

// Observable holds the latest snapshot of a store and pushes every new
// snapshot to its listeners. Listeners run on the publishing goroutine after
// the store has released its own lock, so they may call back into the store.
type Observable[S any] struct {
	mu        sync.Mutex
	state     S
	seq       uint64
	nextID    int
	listeners []listener[S]
	logger    *log.Logger
}

// NewObservable seeds the observable with initial.
func NewObservable[S any](initial S, logger *log.Logger) *Observable[S] {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Observable[S]{state: initial, logger: logger}
}

// Get returns the latest published snapshot.
func (o *Observable[S]) Get() S {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe registers fn and returns a function removing it. Calling the
// returned function more than once is harmless.
func (o *Observable[S]) Subscribe(fn func(S)) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.listeners = append(o.listeners, listener[S]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}
}

func (o *Observable[S]) remove(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, l := range o.listeners {
		if l.id == id {
			o.listeners = append(o.listeners[:i:i], o.listeners[i+1:]...)
			return
		}
	}
}

// Publish replaces the snapshot and delivers it to the current listeners.
func (o *Observable[S]) Publish(state S) {
	o.mu.Lock()
	seq := o.seq + 1
	o.mu.Unlock()
	o.PublishAt(seq, state)
}

// PublishAt is Publish for stores that number their commits. A snapshot
// older than the last one published is discarded, and a listener is skipped
// once a newer snapshot has superseded the one being delivered, so a
// mutation made from inside a listener is never overwritten by the
// snapshot that triggered it.
func (o *Observable[S]) PublishAt(seq uint64, state S) {
	o.mu.Lock()
	if seq < o.seq {
		o.mu.Unlock()
		return
	}
	o.seq = seq
	o.state = state
	current := append([]listener[S](nil), o.listeners...)
	o.mu.Unlock()

	for _, l := range current {
		if o.superseded(seq) {
			return
		}
		o.deliver(l, state)
	}
}

func (o *Observable[S]) superseded(seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq > seq
}

func (o *Observable[S]) deliver(l listener[S], state S) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithField("listener", l.id).Errorf("store listener panicked: %v", r)
		}
	}()
	l.fn(state)
}
