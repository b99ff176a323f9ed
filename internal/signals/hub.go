// Package signals carries the externally owned wallet state and the change
// notifications the rest of the wallet reacts to.
package signals

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is the wallet and network state at one moment.
type Snapshot struct {
	ChainID        int64
	ChainSupported bool
	Account        common.Address
	AppReady       bool
}

// Connected reports whether both an account and a chain are known.
func (s Snapshot) Connected() bool {
	return s.ChainID != 0 && s.Account != (common.Address{})
}

type Kind int

const (
	// SignalsChanged carries a new Snapshot.
	SignalsChanged Kind = iota
	// BalanceChanged means cached balances are stale.
	BalanceChanged
	// BoxesChanged means the cached box list is stale.
	BoxesChanged
)

func (k Kind) String() string {
	switch k {
	case SignalsChanged:
		return "signals"
	case BalanceChanged:
		return "balance"
	case BoxesChanged:
		return "boxes"
	}
	return "unknown"
}

type Event struct {
	Kind     Kind
	Snapshot Snapshot
}

// Hub is a single-writer, many-reader holder of the current Snapshot.
// Subscribers are called synchronously, in subscription order, outside the lock.
type Hub struct {
	mu   sync.RWMutex
	snap Snapshot
	subs map[int]func(Event)
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

func (h *Hub) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

// Publish replaces the snapshot and notifies subscribers.
func (h *Hub) Publish(s Snapshot) {
	h.mu.Lock()
	h.snap = s
	h.mu.Unlock()
	h.emit(Event{Kind: SignalsChanged, Snapshot: s})
}

// Update applies fn to a copy of the snapshot and publishes the result.
func (h *Hub) Update(fn func(*Snapshot)) {
	h.mu.Lock()
	s := h.snap
	fn(&s)
	h.snap = s
	h.mu.Unlock()
	h.emit(Event{Kind: SignalsChanged, Snapshot: s})
}

// InvalidateBalances emits BalanceChanged. Settled transactions call it.
func (h *Hub) InvalidateBalances() {
	h.emit(Event{Kind: BalanceChanged, Snapshot: h.Snapshot()})
}

// InvalidateBoxes emits BoxesChanged.
func (h *Hub) InvalidateBoxes() {
	h.emit(Event{Kind: BoxesChanged, Snapshot: h.Snapshot()})
}

// Subscribe registers fn and returns a func that removes it.
func (h *Hub) Subscribe(fn func(Event)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) emit(ev Event) {
	h.mu.RLock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		h.mu.RLock()
		fn, ok := h.subs[id]
		h.mu.RUnlock()
		if ok {
			fn(ev)
		}
	}
}

