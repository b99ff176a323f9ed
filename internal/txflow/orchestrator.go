// Package txflow drives one state-changing ledger call through its
// submitted, settled and failed phases with uniform side effects.
package txflow

import (
	"context"
	"sync"

	"boxwallet/internal/ledger"
	"boxwallet/internal/notify"
	"boxwallet/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

type Phase int

const (
	Submitted Phase = iota + 1
	Settled
	Failed
)

func (p Phase) String() string {
	switch p {
	case Submitted:
		return "submitted"
	case Settled:
		return "settled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Event is one phase transition of an invocation.
type Event struct {
	Phase   Phase
	Action  string
	Key     string
	Hash    common.Hash
	Receipt *ledger.Receipt
	Err     error
}

// Observer receives phase events in order: Submitted, then Settled or Failed.
type Observer func(Event)

// Invalidator is told when a settled call may have moved balances.
type Invalidator interface {
	InvalidateBalances()
}

// Invocation is one attempt to submit a call.
type Invocation struct {
	// Action is one of create, cancel, accept, approve, dispense.
	Action string
	// Key serializes invocations: a second Run with the same Key while one
	// is in flight fails with ErrInFlight. Empty means Action.
	Key         string
	Call        ledger.Call
	From        common.Address
	SuccessText string
	FailureText string
	Observe     Observer
}

const waitText = "May take a while, please wait..."

type Orchestrator struct {
	ledger      ledger.Ledger
	notifier    notify.Notifier
	busy        notify.Busy
	invalidator Invalidator
	log         zerolog.Logger
	metrics     *observability.Metrics

	mu        sync.Mutex
	inflight  map[string]struct{}
	observers []Observer
}

func New(l ledger.Ledger, n notify.Notifier, busy notify.Busy, inv Invalidator, log zerolog.Logger, m *observability.Metrics) *Orchestrator {
	if n == nil {
		n = &notify.Recorder{}
	}
	if busy == nil {
		busy = &notify.Indicator{}
	}
	return &Orchestrator{
		ledger:      l,
		notifier:    n,
		busy:        busy,
		invalidator: inv,
		log:         log,
		metrics:     m,
		inflight:    make(map[string]struct{}),
	}
}

// Subscribe adds an observer for every invocation.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// InFlight reports whether an invocation holds key.
func (o *Orchestrator) InFlight(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[key]
	return ok
}

// Run submits inv.Call and waits for it to be mined. ctx bounds the submission
// only: cancelling it after Submitted does not abandon the wait. Failures are
// classified, reported to the user and the operator log, and returned to the
// caller. There is no retry.
func (o *Orchestrator) Run(ctx context.Context, inv Invocation) (*ledger.Receipt, error) {
	key := inv.Key
	if key == "" {
		key = inv.Action
	}
	if !o.acquire(key) {
		o.metrics.IncTx(inv.Action, ClassName(ErrInFlight))
		return nil, ErrInFlight
	}
	defer o.release(key)

	log := o.log.With().Str("action", inv.Action).Str("key", key).Logger()

	pending, err := o.ledger.Send(ctx, inv.Call, inv.From)
	if err != nil {
		return nil, o.fail(log, inv, key, common.Hash{}, false, err)
	}

	hash := pending.Hash()
	o.busy.On()
	o.metrics.TxInflight(1)
	o.notifier.Notify(notify.Message{Level: notify.Info, Text: waitText, Duration: notify.Short})
	log.Info().Str("tx_hash", hash.Hex()).Msg("transaction submitted")
	o.emit(inv, Event{Phase: Submitted, Action: inv.Action, Key: key, Hash: hash})

	// Once broadcast the call is on its way; only a receipt or a node error
	// ends the invocation and releases the key.
	receipt, err := pending.Wait(context.WithoutCancel(ctx))
	if err == nil && !receipt.Succeeded() {
		err = &Failure{Class: ErrCallReverted}
	}
	if err != nil {
		o.metrics.TxInflight(-1)
		return nil, o.fail(log, inv, key, hash, true, err)
	}

	o.metrics.TxInflight(-1)
	o.notifier.Notify(notify.Message{Level: notify.Success, Text: inv.SuccessText, Duration: notify.Long})
	if o.invalidator != nil {
		o.invalidator.InvalidateBalances()
	}
	o.busy.Off()
	o.metrics.IncTx(inv.Action, "settled")
	log.Info().Str("tx_hash", hash.Hex()).Uint64("block", receipt.BlockNumber).Msg("transaction settled")
	o.emit(inv, Event{Phase: Settled, Action: inv.Action, Key: key, Hash: hash, Receipt: receipt})
	return receipt, nil
}

func (o *Orchestrator) fail(log zerolog.Logger, inv Invocation, key string, hash common.Hash, submitted bool, cause error) error {
	err := Classify(cause)
	text := inv.FailureText
	if text == "" {
		text = "Transaction aborted."
	}
	o.notifier.Notify(notify.Message{Level: notify.Danger, Text: text + " Details in the log", Duration: notify.Long})

	ev := log.Error().Err(cause).Str("class", ClassName(err))
	if submitted {
		ev = ev.Str("tx_hash", hash.Hex())
	}
	ev.Msg("transaction failed")

	if submitted {
		o.busy.Off()
	}
	o.metrics.IncTx(inv.Action, ClassName(err))
	o.emit(inv, Event{Phase: Failed, Action: inv.Action, Key: key, Hash: hash, Err: err})
	return err
}

func (o *Orchestrator) emit(inv Invocation, ev Event) {
	o.mu.Lock()
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()

	for _, obs := range observers {
		obs(ev)
	}
	if inv.Observe != nil {
		inv.Observe(ev)
	}
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[key]; busy {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, key)
}
