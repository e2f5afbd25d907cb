package device

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StateChange describes one allocation state transition.
type StateChange struct {
	Serial  string
	Stub    bool
	From    AllocationState
	To      AllocationState
	Props   Properties
	Removed bool
	At      time.Time
}

// Observer receives state transitions. Delivery is asynchronous and best-effort.
type Observer interface {
	OnDeviceStateChange(change StateChange)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(change StateChange)

func (f ObserverFunc) OnDeviceStateChange(change StateChange) { f(change) }

type notifier struct {
	events chan StateChange
	done   chan struct{}

	mu        sync.RWMutex
	observers []Observer
	closeOnce sync.Once
	dropped   uint64
}

func newNotifier(size int, observers []Observer) *notifier {
	n := &notifier{
		events:    make(chan StateChange, size),
		done:      make(chan struct{}),
		observers: append([]Observer(nil), observers...),
	}
	go n.run()
	return n
}

func (n *notifier) add(o Observer) {
	if o == nil {
		return
	}
	n.mu.Lock()
	n.observers = append(n.observers, o)
	n.mu.Unlock()
}

// publish never blocks: callers hold the pool lock.
func (n *notifier) publish(change StateChange) {
	select {
	case <-n.done:
		return
	default:
	}
	select {
	case n.events <- change:
	default:
		n.dropped++
		log.Warn().
			Str("serial", change.Serial).
			Str("to", string(change.To)).
			Uint64("dropped", n.dropped).
			Msg("device state notification dropped")
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case change := <-n.events:
			n.deliver(change)
		}
	}
}

func (n *notifier) deliver(change StateChange) {
	n.mu.RLock()
	observers := append([]Observer(nil), n.observers...)
	n.mu.RUnlock()
	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("serial", change.Serial).Msg("device observer panicked")
				}
			}()
			o.OnDeviceStateChange(change)
		}()
	}
}

func (n *notifier) close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
}
