package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrNotConnected = errors.New("transport: not connected")

// Handler receives one inbound delivery. Deliveries are at-least-once, so
// handlers must tolerate the same envelope more than once.
type Handler func(Envelope)

// Transport is the push channel of a single conversation view. Instances are
// never shared between views.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// OnMessage registers h and returns a func that removes it.
	OnMessage(h Handler) (unsubscribe func())
	SendMessage(ctx context.Context, msg Outbound) error
}

// Handlers is the handler set embedded by transport implementations.
type Handlers struct {
	mu   sync.RWMutex
	next int
	m    map[int]Handler
}

func (hs *Handlers) Add(h Handler) func() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.m == nil {
		hs.m = make(map[int]Handler)
	}
	id := hs.next
	hs.next++
	hs.m[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			hs.mu.Lock()
			delete(hs.m, id)
			hs.mu.Unlock()
		})
	}
}

// Dispatch calls every registered handler in registration order.
func (hs *Handlers) Dispatch(env Envelope) {
	hs.mu.RLock()
	ids := make([]int, 0, len(hs.m))
	for id := range hs.m {
		ids = append(ids, id)
	}
	hs.mu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		hs.mu.RLock()
		h, ok := hs.m[id]
		hs.mu.RUnlock()
		if ok {
			h(env)
		}
	}
}

func (hs *Handlers) Len() int {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return len(hs.m)
}
