// Package eligibility derives the single next legal action of the send form
// from the wallet signals, the entered fields and the loaded balance.
package eligibility

import (
	"context"

	"boxwallet/internal/amount"
	"boxwallet/internal/balance"
	"boxwallet/internal/catalog"
	"boxwallet/internal/signals"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	MsgConnect          = "Connect wallet"
	MsgWrongNetwork     = "Wrong network"
	MsgInitializing     = "Initializing…"
	MsgChooseToken      = "Choose a token"
	MsgLoadingBalance   = "Loading balance…"
	MsgRecipientMissing = "Recipient is required"
	MsgRecipientInvalid = "Recipient is invalid"
	MsgAmountMissing    = "Amount is required"
	MsgAmountInvalid    = "Amount is invalid"
	MsgAmountTooLow     = "Amount is too low"
	MsgAmountTooHigh    = "Amount is too high"
	MsgSend             = "Send"
)

// ApproveMessage is the guard 6 message for asset.
func ApproveMessage(symbol string) string {
	return "Approve " + symbol
}

type Kind int

const (
	None Kind = iota
	Connect
	Approve
	Submit
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Approve:
		return "approve"
	case Submit:
		return "submit"
	}
	return "none"
}

// Fields are the user-entered values of the send form.
type Fields struct {
	Password  string
	Recipient string
	Asset     *catalog.AssetRef
	Amount    string
}

// Input is everything one evaluation reads.
type Input struct {
	Signals signals.Snapshot
	Fields  Fields
	// Balance is nil until the balance of Fields.Asset has been loaded.
	Balance *balance.Balance
}

// Descriptor is the evaluation result. Action is nil when Enabled is false.
type Descriptor struct {
	Message string
	Enabled bool
	Kind    Kind
	Action  func(ctx context.Context) error
}

// Actions are the effects a descriptor can carry.
type Actions interface {
	Connect(ctx context.Context) error
	ApproveMax(ctx context.Context, token common.Address) error
	Send(ctx context.Context, f Fields) error
}

// AddressValidator reports whether s is a usable recipient address.
type AddressValidator func(s string) bool

type Engine struct {
	actions  Actions
	validate AddressValidator
}

// NewEngine returns an engine using validate, or common.IsHexAddress when nil.
func NewEngine(actions Actions, validate AddressValidator) *Engine {
	if validate == nil {
		validate = common.IsHexAddress
	}
	return &Engine{actions: actions, validate: validate}
}

// Evaluate walks the guards in order and returns at the first unmet one.
// It reads only in and has no side effects.
func (e *Engine) Evaluate(in Input) Descriptor {
	s, f, bal := in.Signals, in.Fields, in.Balance

	if s.ChainID == 0 || s.Account == (common.Address{}) {
		return Descriptor{
			Message: MsgConnect,
			Enabled: true,
			Kind:    Connect,
			Action: func(ctx context.Context) error {
				return e.actions.Connect(ctx)
			},
		}
	}
	if !s.ChainSupported {
		return disabled(MsgWrongNetwork)
	}
	if !s.AppReady {
		return disabled(MsgInitializing)
	}
	if f.Asset == nil {
		return disabled(MsgChooseToken)
	}
	if bal == nil {
		return disabled(MsgLoadingBalance)
	}

	// Kept as (selected && allowance == 0) || amount > allowance.
	if (f.Asset != nil && bal.DecimalAllowance == "0") || greater(f.Amount, bal.DecimalAllowance) {
		token := f.Asset.Address
		return Descriptor{
			Message: ApproveMessage(f.Asset.Symbol),
			Enabled: true,
			Kind:    Approve,
			Action: func(ctx context.Context) error {
				return e.actions.ApproveMax(ctx, token)
			},
		}
	}

	if f.Recipient == "" {
		return disabled(MsgRecipientMissing)
	}
	if !e.validate(f.Recipient) {
		return disabled(MsgRecipientInvalid)
	}
	if f.Amount == "" {
		return disabled(MsgAmountMissing)
	}
	if !amount.IsWellFormed(f.Amount) {
		return disabled(MsgAmountInvalid)
	}
	if less(f.Amount, amount.MinRepresentableDecimal(f.Asset.Decimals)) {
		return disabled(MsgAmountTooLow)
	}
	// Digits past the asset's decimals have no base-unit form.
	if _, err := amount.ToBaseUnits(f.Amount, f.Asset.Decimals); err != nil {
		return disabled(MsgAmountInvalid)
	}
	if greater(f.Amount, bal.DecimalValue) {
		return disabled(MsgAmountTooHigh)
	}

	fields := f
	return Descriptor{
		Message: MsgSend,
		Enabled: true,
		Kind:    Submit,
		Action: func(ctx context.Context) error {
			return e.actions.Send(ctx, fields)
		},
	}
}

func disabled(msg string) Descriptor {
	return Descriptor{Message: msg}
}

// greater compares like a big-number library: an unparsable side makes the
// comparison false.
func greater(v, than string) bool {
	a, err := decimal.NewFromString(v)
	if err != nil {
		return false
	}
	b, err := decimal.NewFromString(than)
	if err != nil {
		return false
	}
	return a.GreaterThan(b)
}

func less(v string, than decimal.Decimal) bool {
	a, err := decimal.NewFromString(v)
	if err != nil {
		return false
	}
	return a.LessThan(than)
}
