package box

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"boxwallet/internal/balance"
	"boxwallet/internal/catalog"
	"boxwallet/internal/ledger"
	"boxwallet/internal/notify"
	"boxwallet/internal/releasetime"
	"boxwallet/internal/signals"
	"boxwallet/internal/txflow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrPassphraseMismatch = errors.New("passphrase does not match the box")
	ErrDeclined           = errors.New("declined by the user")
	ErrNotReady           = errors.New("wallet is not ready")
	ErrTerminal           = errors.New("box is already accepted or canceled")
	ErrNotSender          = errors.New("only the sender can cancel a box")
	ErrNotRecipient       = errors.New("only the recipient can accept a box")
	ErrUnknownTestToken   = errors.New("unknown test token")
)

// DispenseAmount is what the test token dispenser hands out per request: 100 tokens at 18 decimals.
var DispenseAmount = new(big.Int).Mul(big.NewInt(100), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, title, message, confirmLabel string) (bool, error)
}

// Prompter asks the user for a passphrase. ok is false when the dialog was dismissed.
type Prompter interface {
	Passphrase(ctx context.Context, title, message string) (pass string, ok bool, err error)
}

// CreateInputs are the user's choices for a new box.
type CreateInputs struct {
	Password      string
	Recipient     common.Address
	SendAsset     common.Address
	SendAmount    string
	RequestAsset  common.Address
	RequestAmount string
	Release       time.Time
}

type Deps struct {
	Ledger       ledger.Ledger
	Orchestrator *txflow.Orchestrator
	Hub          *signals.Hub
	Catalogs     *catalog.Registry
	Notifier     notify.Notifier
	Confirmer    Confirmer
	Prompter     Prompter
	Log          zerolog.Logger
}

// Service runs box transactions for the selected account.
type Service struct {
	ledger   ledger.Ledger
	orch     *txflow.Orchestrator
	hub      *signals.Hub
	catalogs *catalog.Registry
	notifier notify.Notifier
	confirm  Confirmer
	prompt   Prompter
	log      zerolog.Logger
}

func NewService(d Deps) *Service {
	n := d.Notifier
	if n == nil {
		n = &notify.Recorder{}
	}
	return &Service{
		ledger:   d.Ledger,
		orch:     d.Orchestrator,
		hub:      d.Hub,
		catalogs: d.Catalogs,
		notifier: n,
		confirm:  d.Confirmer,
		prompt:   d.Prompter,
		log:      d.Log,
	}
}

func (s *Service) ready() (signals.Snapshot, *catalog.Catalog, error) {
	snap := s.hub.Snapshot()
	if !snap.Connected() || !snap.ChainSupported || !snap.AppReady {
		return snap, nil, ErrNotReady
	}
	cat, ok := s.catalogs.ForChain(snap.ChainID)
	if !ok {
		return snap, nil, fmt.Errorf("%w: no catalog for chain %d", ErrNotReady, snap.ChainID)
	}
	return snap, cat, nil
}

// Create locks the send asset in a new box.
func (s *Service) Create(ctx context.Context, in CreateInputs) (*ledger.Receipt, error) {
	snap, cat, err := s.ready()
	if err != nil {
		return nil, err
	}

	sendWei, err := cat.ToBaseUnits(in.SendAsset, in.SendAmount)
	if err != nil {
		return nil, fmt.Errorf("send amount: %w", err)
	}
	requestAmount := in.RequestAmount
	if requestAmount == "" {
		requestAmount = "0"
	}
	requestWei, err := cat.ToBaseUnits(in.RequestAsset, requestAmount)
	if err != nil {
		return nil, fmt.Errorf("request amount: %w", err)
	}

	value := new(big.Int)
	if in.SendAsset == catalog.Native {
		value.Set(sendWei)
	}
	release := in.Release
	if release.IsZero() {
		release = time.Now()
	}

	receipt, err := s.orch.Run(ctx, txflow.Invocation{
		Action: "create",
		Key:    "create",
		Call: ledger.Call{
			Target: ledger.Target{Kind: ledger.TargetEthbox},
			Method: ledger.MethodCreateBox,
			Args: []interface{}{
				in.Recipient,
				in.SendAsset,
				sendWei,
				in.RequestAsset,
				requestWei,
				[32]byte(PassHashHash(in.Password)),
				releasetime.Encode(release, true),
			},
			Value: value,
		},
		From:        snap.Account,
		SuccessText: "Your box has been created!",
		FailureText: "Box creation aborted.",
	})
	if err != nil {
		return nil, err
	}
	s.hub.InvalidateBoxes()
	return receipt, nil
}

// Cancel returns the send asset to the sender. The passphrase is checked
// locally first; a wrong one never reaches the network.
func (s *Service) Cancel(ctx context.Context, b Box, password string) (*ledger.Receipt, error) {
	snap, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	if b.State(time.Now()).Terminal() {
		return nil, ErrTerminal
	}
	if snap.Account != b.Sender {
		return nil, ErrNotSender
	}
	if !s.verify(b, password) {
		return nil, ErrPassphraseMismatch
	}

	receipt, err := s.orch.Run(ctx, txflow.Invocation{
		Action:      "cancel",
		Key:         boxKey(b),
		Call:        clearBox(b, password, new(big.Int)),
		From:        snap.Account,
		SuccessText: "Your box has been canceled!",
		FailureText: "Box cancellation aborted.",
	})
	if err != nil {
		return nil, err
	}
	s.hub.InvalidateBoxes()
	return receipt, nil
}

// CancelWithPrompt asks for the passphrase before cancelling. Dismissing the
// prompt aborts with ErrDeclined and no side effects.
func (s *Service) CancelWithPrompt(ctx context.Context, b Box) (*ledger.Receipt, error) {
	if s.prompt == nil {
		return nil, fmt.Errorf("%w: no passphrase prompt", ErrDeclined)
	}
	pass, ok, err := s.prompt.Passphrase(ctx, "Insert the passphrase", "What is the passphrase of this box?")
	if err != nil {
		return nil, fmt.Errorf("passphrase prompt: %w", err)
	}
	if !ok {
		return nil, ErrDeclined
	}
	return s.Cancel(ctx, b, pass)
}

// Accept pays the requested asset and releases the box to the recipient.
// A non-native request asset is approved first; if the approval fails, the
// accept call is never made.
func (s *Service) Accept(ctx context.Context, b Box, password string) (*ledger.Receipt, error) {
	snap, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	if b.State(time.Now()).Terminal() {
		return nil, ErrTerminal
	}
	if snap.Account != b.Recipient {
		return nil, ErrNotRecipient
	}
	if !s.verify(b, password) {
		return nil, ErrPassphraseMismatch
	}

	value := new(big.Int)
	if b.RequestsNative() {
		if b.RequestAmount != nil {
			value.Set(b.RequestAmount)
		}
	} else {
		if s.confirm != nil {
			ok, err := s.confirm.Confirm(ctx,
				"Do you want to approve?",
				"To accept the exchange you need to approve the requested token first. The approval is required only once per token.",
				"Approve")
			if err != nil {
				return nil, fmt.Errorf("approval dialog: %w", err)
			}
			if !ok {
				return nil, ErrDeclined
			}
		}
		if _, err := s.ApproveMax(ctx, b.RequestAsset); err != nil {
			return nil, fmt.Errorf("approve request token: %w", err)
		}
	}

	receipt, err := s.orch.Run(ctx, txflow.Invocation{
		Action:      "accept",
		Key:         boxKey(b),
		Call:        clearBox(b, password, value),
		From:        snap.Account,
		SuccessText: "The box has been accepted!",
		FailureText: "Box acceptance aborted.",
	})
	if err != nil {
		return nil, err
	}
	s.hub.InvalidateBoxes()
	return receipt, nil
}

// ApproveMax lets the ethbox contract move an unlimited amount of token.
func (s *Service) ApproveMax(ctx context.Context, token common.Address) (*ledger.Receipt, error) {
	snap, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	return s.orch.Run(ctx, txflow.Invocation{
		Action: "approve",
		Key:    "approve:" + token.Hex(),
		Call: ledger.Call{
			Target: ledger.Target{Kind: ledger.TargetToken, Token: token},
			Method: ledger.MethodApprove,
			Args:   []interface{}{s.ledger.Ethbox(), balance.MaxAllowance()},
		},
		From:        snap.Account,
		SuccessText: "Approved! Now you can send/exchange this token",
		FailureText: "Could not approve tokens.",
	})
}

// Dispense asks the test token dispenser for 100 tokens of symbol (AAA, BBB or CCC).
func (s *Service) Dispense(ctx context.Context, symbol string) (*ledger.Receipt, error) {
	snap, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	tokens, err := s.ledger.TestTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("read test tokens: %w", err)
	}
	addr, ok := tokens[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTestToken, symbol)
	}
	return s.orch.Run(ctx, txflow.Invocation{
		Action: "dispense",
		Key:    "dispense:" + symbol,
		Call: ledger.Call{
			Target: ledger.Target{Kind: ledger.TargetDispenser},
			Method: ledger.MethodGiveToken,
			Args:   []interface{}{new(big.Int).Set(DispenseAmount), addr},
		},
		From:        snap.Account,
		SuccessText: fmt.Sprintf("You have received 100 %s tokens!", symbol),
		FailureText: "Token dispensing aborted.",
	})
}

func (s *Service) verify(b Box, password string) bool {
	if b.Verify(password) {
		return true
	}
	s.notifier.Notify(notify.Message{Level: notify.Danger, Text: "Passphrase is incorrect. Please retry...", Duration: notify.Long})
	s.log.Info().Uint64("box", b.Index).Msg("passphrase mismatch")
	return false
}

func clearBox(b Box, password string, value *big.Int) ledger.Call {
	return ledger.Call{
		Target: ledger.Target{Kind: ledger.TargetEthbox},
		Method: ledger.MethodClearBox,
		Args:   []interface{}{new(big.Int).SetUint64(b.Index), [32]byte(PassHash(password))},
		Value:  value,
	}
}

func boxKey(b Box) string {
	return "box:" + strconv.FormatUint(b.Index, 10)
}
