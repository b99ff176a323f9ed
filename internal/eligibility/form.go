package eligibility

import (
	"context"
	"errors"
	"sync"
	"time"

	"boxwallet/internal/balance"
	"boxwallet/internal/observability"
	"boxwallet/internal/signals"
	"boxwallet/internal/txflow"

	"github.com/rs/zerolog"
)

var (
	ErrDisabled = errors.New("action is disabled")
	// ErrStale means the balance re-read just before submission changed the outcome.
	ErrStale = errors.New("form changed before submission")
)

// Form holds the send form fields and keeps its descriptor current. Every
// field edit and every hub event triggers a fresh evaluation.
type Form struct {
	engine  *Engine
	hub     *signals.Hub
	loader  *balance.Loader
	log     zerolog.Logger
	metrics *observability.Metrics
	timeout time.Duration

	mu       sync.Mutex
	fields   Fields
	balance  *balance.Balance
	current  Descriptor
	inflight bool
	watchers map[int]func(Descriptor)
	next     int
}

func NewForm(engine *Engine, hub *signals.Hub, loader *balance.Loader, log zerolog.Logger, m *observability.Metrics) *Form {
	f := &Form{
		engine:   engine,
		hub:      hub,
		loader:   loader,
		log:      log,
		metrics:  m,
		timeout:  10 * time.Second,
		watchers: make(map[int]func(Descriptor)),
	}
	f.current = engine.Evaluate(f.input())
	return f
}

// Start subscribes the form to the hub and evaluates once. The returned func
// unsubscribes.
func (f *Form) Start(ctx context.Context) func() {
	unsubscribe := f.hub.Subscribe(func(ev signals.Event) {
		switch ev.Kind {
		case signals.SignalsChanged, signals.BalanceChanged:
			rctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			f.reload(rctx)
			cancel()
			f.publish()
		}
	})
	f.reload(ctx)
	f.publish()
	return unsubscribe
}

func (f *Form) Fields() Fields {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields
}

func (f *Form) Balance() *balance.Balance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

func (f *Form) Descriptor() Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// SetFields replaces the fields. Choosing another asset drops the loaded
// balance and reads the new one.
func (f *Form) SetFields(ctx context.Context, fields Fields) Descriptor {
	f.mu.Lock()
	changed := !sameAsset(f.fields, fields)
	f.fields = fields
	if changed {
		f.balance = nil
	}
	f.mu.Unlock()

	if changed {
		f.publish()
		f.reload(ctx)
	}
	return f.publish()
}

// Watch calls fn with every new descriptor until the returned func is called.
func (f *Form) Watch(fn func(Descriptor)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.watchers[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers, id)
			f.mu.Unlock()
		})
	}
}

// Invoke runs the current descriptor's action. The descriptor stays disabled
// while the action runs. A Send re-reads the balance first and fails with
// ErrStale if the fresh evaluation is no longer Send.
func (f *Form) Invoke(ctx context.Context) error {
	f.mu.Lock()
	if f.inflight {
		f.mu.Unlock()
		return txflow.ErrInFlight
	}
	d := f.current
	if !d.Enabled || d.Action == nil {
		f.mu.Unlock()
		return ErrDisabled
	}
	f.inflight = true
	f.mu.Unlock()
	f.publish()

	defer func() {
		f.mu.Lock()
		f.inflight = false
		f.mu.Unlock()
		f.publish()
	}()

	if d.Kind == Submit {
		f.reload(ctx)
		f.mu.Lock()
		fresh := f.engine.Evaluate(f.input())
		f.mu.Unlock()
		if fresh.Kind != Submit {
			f.log.Info().Str("message", fresh.Message).Msg("send re-check failed")
			return ErrStale
		}
		d = fresh
	}
	return d.Action(ctx)
}

// reload reads the balance of the selected asset. A failed read leaves the
// balance unloaded.
func (f *Form) reload(ctx context.Context) {
	snap := f.hub.Snapshot()
	f.mu.Lock()
	asset := f.fields.Asset
	f.mu.Unlock()

	if asset == nil || !snap.Connected() || !snap.ChainSupported || !snap.AppReady {
		f.mu.Lock()
		f.balance = nil
		f.mu.Unlock()
		return
	}

	bal, err := f.loader.Load(ctx, *asset, snap.Account)
	if err != nil {
		f.log.Error().Err(err).Str("asset", asset.Symbol).Msg("balance load failed")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fields.Asset == nil || f.fields.Asset.Address != asset.Address {
		return
	}
	f.balance = bal
}

func (f *Form) publish() Descriptor {
	f.mu.Lock()
	d := f.engine.Evaluate(f.input())
	if f.inflight {
		d.Enabled = false
		d.Action = nil
	}
	f.current = d
	fns := make([]func(Descriptor), 0, len(f.watchers))
	for _, fn := range f.watchers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	f.metrics.IncEvaluation(d.Message)
	for _, fn := range fns {
		fn(d)
	}
	return d
}

// input must be called with f.mu held.
func (f *Form) input() Input {
	return Input{Signals: f.hub.Snapshot(), Fields: f.fields, Balance: f.balance}
}

func sameAsset(a, b Fields) bool {
	if a.Asset == nil || b.Asset == nil {
		return a.Asset == nil && b.Asset == nil
	}
	return a.Asset.Address == b.Asset.Address
}
