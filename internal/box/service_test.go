package box

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"boxwallet/internal/catalog"
	"boxwallet/internal/ledger"
	"boxwallet/internal/notify"
	"boxwallet/internal/observability"
	"boxwallet/internal/releasetime"
	"boxwallet/internal/signals"
	"boxwallet/internal/txflow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ethbox = common.HexToAddress("0x00000000000000000000000000000000000e7b0c")
	alice  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	tok    = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
)

type stubConfirmer struct {
	answer bool
	asked  int
}

func (s *stubConfirmer) Confirm(context.Context, string, string, string) (bool, error) {
	s.asked++
	return s.answer, nil
}

type stubPrompter struct {
	pass string
	ok   bool
}

func (s stubPrompter) Passphrase(context.Context, string, string) (string, bool, error) {
	return s.pass, s.ok, nil
}

type fixture struct {
	ledger  *ledger.FakeLedger
	hub     *signals.Hub
	notes   *notify.Recorder
	confirm *stubConfirmer
	service *Service
	events  []signals.Kind
}

func newFixture(t *testing.T, account common.Address) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledger.NewFakeLedger(ethbox, catalog.ChainRinkeby),
		hub:     signals.NewHub(),
		notes:   &notify.Recorder{},
		confirm: &stubConfirmer{answer: true},
	}
	require.NoError(t, f.ledger.Resolve(context.Background(), catalog.ChainRinkeby))
	f.hub.Publish(signals.Snapshot{ChainID: catalog.ChainRinkeby, ChainSupported: true, Account: account, AppReady: true})
	f.hub.Subscribe(func(ev signals.Event) { f.events = append(f.events, ev.Kind) })

	reg := catalog.NewRegistry(map[int64]*catalog.Catalog{
		catalog.ChainRinkeby: catalog.New([]catalog.AssetRef{
			{Address: catalog.Native, Symbol: "ETH", Decimals: 18},
			{Address: tok, Symbol: "TOK", Decimals: 18},
		}),
	})
	log := zerolog.New(io.Discard)
	orch := txflow.New(f.ledger, f.notes, &notify.Indicator{}, f.hub, log, observability.NewMetrics())
	f.service = NewService(Deps{
		Ledger:       f.ledger,
		Orchestrator: orch,
		Hub:          f.hub,
		Catalogs:     reg,
		Notifier:     f.notes,
		Confirmer:    f.confirm,
		Prompter:     stubPrompter{pass: "pw", ok: true},
		Log:          log,
	})
	return f
}

func (f *fixture) addBox(sender, recipient, requestToken common.Address, request int64) Box {
	f.ledger.AddBox(ledger.BoxRecord{
		Sender:       sender,
		Recipient:    recipient,
		SendToken:    catalog.Native,
		SendValue:    big.NewInt(1000),
		RequestToken: requestToken,
		RequestValue: big.NewInt(request),
		PassHashHash: PassHashHash("pw"),
		Timestamp:    releasetime.Encode(time.Date(2099, time.June, 1, 0, 0, 0, 0, time.UTC), true),
	})
	records, _ := f.ledger.Boxes(context.Background(), sender)
	return FromRecord(records[len(records)-1])
}

func methods(calls []ledger.SentCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Call.Method
	}
	return out
}

func TestCreateNativeAttachesValue(t *testing.T) {
	f := newFixture(t, alice)

	_, err := f.service.Create(context.Background(), CreateInputs{
		Password:     "pw",
		Recipient:    bob,
		SendAsset:    catalog.Native,
		SendAmount:   "1.5",
		RequestAsset: tok,
		Release:      time.Date(2030, time.January, 2, 3, 4, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	calls := f.ledger.SentCalls()
	require.Len(t, calls, 1)
	call := calls[0].Call
	assert.Equal(t, ledger.MethodCreateBox, call.Method)
	assert.Equal(t, "1500000000000000000", call.Value.String())
	assert.Equal(t, "0", call.Args[4].(*big.Int).String())
	assert.Equal(t, [32]byte(PassHashHash("pw")), call.Args[5])

	records, err := f.ledger.Boxes(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, bob, records[0].Recipient)
	assert.Contains(t, f.events, signals.BoxesChanged)
	assert.Contains(t, f.events, signals.BalanceChanged)

	msgs := f.notes.Messages()
	assert.Equal(t, "Your box has been created!", msgs[len(msgs)-1].Text)
}

func TestCreateTokenSendsNoValue(t *testing.T) {
	f := newFixture(t, alice)

	_, err := f.service.Create(context.Background(), CreateInputs{
		Password:      "pw",
		Recipient:     bob,
		SendAsset:     tok,
		SendAmount:    "2",
		RequestAsset:  catalog.Native,
		RequestAmount: "0.1",
	})
	require.NoError(t, err)
	call := f.ledger.SentCalls()[0].Call
	assert.Zero(t, call.Value.Sign())
	assert.Equal(t, "100000000000000000", call.Args[4].(*big.Int).String())
}

func TestCreateRejectsMalformedAmount(t *testing.T) {
	f := newFixture(t, alice)
	_, err := f.service.Create(context.Background(), CreateInputs{SendAsset: catalog.Native, SendAmount: "1e3"})
	require.Error(t, err)
	assert.Empty(t, f.ledger.SentCalls())
}

func TestCancelWrongPassphraseNeverReachesNetwork(t *testing.T) {
	f := newFixture(t, alice)
	b := f.addBox(alice, bob, catalog.Native, 0)

	_, err := f.service.Cancel(context.Background(), b, "wrong")
	assert.ErrorIs(t, err, ErrPassphraseMismatch)
	assert.Empty(t, f.ledger.SentCalls())

	msgs := f.notes.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.Danger, msgs[0].Level)
	assert.Equal(t, "Passphrase is incorrect. Please retry...", msgs[0].Text)
}

func TestCancelBySender(t *testing.T) {
	f := newFixture(t, alice)
	b := f.addBox(alice, bob, catalog.Native, 0)

	_, err := f.service.Cancel(context.Background(), b, "pw")
	require.NoError(t, err)

	calls := f.ledger.SentCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, ledger.MethodClearBox, calls[0].Call.Method)
	assert.Equal(t, [32]byte(PassHash("pw")), calls[0].Call.Args[1])
	assert.Zero(t, calls[0].Call.Value.Sign())

	records, _ := f.ledger.Boxes(context.Background(), alice)
	assert.True(t, records[0].Canceled)
	assert.Equal(t, Canceled, FromRecord(records[0]).State(time.Now()))

	_, err = f.service.Cancel(context.Background(), FromRecord(records[0]), "pw")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestCancelByRecipientIsRefused(t *testing.T) {
	f := newFixture(t, bob)
	b := f.addBox(alice, bob, catalog.Native, 0)

	_, err := f.service.Cancel(context.Background(), b, "pw")
	assert.ErrorIs(t, err, ErrNotSender)
	assert.Empty(t, f.ledger.SentCalls())
}

func TestCancelWithPromptDismissed(t *testing.T) {
	f := newFixture(t, alice)
	f.service.prompt = stubPrompter{ok: false}
	b := f.addBox(alice, bob, catalog.Native, 0)

	_, err := f.service.CancelWithPrompt(context.Background(), b)
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Empty(t, f.ledger.SentCalls())
	assert.Empty(t, f.notes.Messages())
}

func TestCancelWithPrompt(t *testing.T) {
	f := newFixture(t, alice)
	b := f.addBox(alice, bob, catalog.Native, 0)

	_, err := f.service.CancelWithPrompt(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, []string{ledger.MethodClearBox}, methods(f.ledger.SentCalls()))
}

func TestAcceptNativeAttachesRequestValue(t *testing.T) {
	f := newFixture(t, bob)
	b := f.addBox(alice, bob, catalog.Native, 250)

	_, err := f.service.Accept(context.Background(), b, "pw")
	require.NoError(t, err)

	calls := f.ledger.SentCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "250", calls[0].Call.Value.String())
	assert.Zero(t, f.confirm.asked)

	records, _ := f.ledger.Boxes(context.Background(), bob)
	assert.True(t, records[0].Taken)
}

func TestAcceptTokenApprovesFirst(t *testing.T) {
	f := newFixture(t, bob)
	b := f.addBox(alice, bob, tok, 250)

	_, err := f.service.Accept(context.Background(), b, "pw")
	require.NoError(t, err)

	assert.Equal(t, 1, f.confirm.asked)
	calls := f.ledger.SentCalls()
	assert.Equal(t, []string{ledger.MethodApprove, ledger.MethodClearBox}, methods(calls))
	assert.Equal(t, tok, calls[0].Call.Target.Token)
	assert.Zero(t, calls[1].Call.Value.Sign())

	allowance, err := f.ledger.Allowance(context.Background(), tok, bob)
	require.NoError(t, err)
	assert.Equal(t, 256, allowance.BitLen())
}

func TestAcceptAbortsWhenApprovalFails(t *testing.T) {
	f := newFixture(t, bob)
	b := f.addBox(alice, bob, tok, 250)
	f.ledger.Script(ledger.Outcome{Reverted: true})

	_, err := f.service.Accept(context.Background(), b, "pw")
	assert.ErrorIs(t, err, txflow.ErrCallReverted)
	assert.Equal(t, []string{ledger.MethodApprove}, methods(f.ledger.SentCalls()))

	records, _ := f.ledger.Boxes(context.Background(), bob)
	assert.False(t, records[0].Taken)
}

func TestAcceptDeclinedConfirmationHasNoSideEffects(t *testing.T) {
	f := newFixture(t, bob)
	f.confirm.answer = false
	b := f.addBox(alice, bob, tok, 250)

	_, err := f.service.Accept(context.Background(), b, "pw")
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Empty(t, f.ledger.SentCalls())
	assert.Empty(t, f.notes.Messages())
}

func TestAcceptBySenderIsRefused(t *testing.T) {
	f := newFixture(t, alice)
	b := f.addBox(alice, bob, catalog.Native, 1)

	_, err := f.service.Accept(context.Background(), b, "pw")
	assert.ErrorIs(t, err, ErrNotRecipient)
}

func TestDispense(t *testing.T) {
	f := newFixture(t, alice)
	aaa := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	f.ledger.SetTestToken("AAA", aaa)

	_, err := f.service.Dispense(context.Background(), "AAA")
	require.NoError(t, err)

	got, err := f.ledger.TokenBalance(context.Background(), aaa, alice)
	require.NoError(t, err)
	assert.Equal(t, DispenseAmount, got)

	msgs := f.notes.Messages()
	assert.Equal(t, "You have received 100 AAA tokens!", msgs[len(msgs)-1].Text)

	_, err = f.service.Dispense(context.Background(), "ZZZ")
	assert.ErrorIs(t, err, ErrUnknownTestToken)
}

func TestNotReady(t *testing.T) {
	f := newFixture(t, alice)
	f.hub.Update(func(s *signals.Snapshot) { s.AppReady = false })

	_, err := f.service.Dispense(context.Background(), "AAA")
	assert.True(t, errors.Is(err, ErrNotReady))
	_, err = f.service.ApproveMax(context.Background(), tok)
	assert.ErrorIs(t, err, ErrNotReady)
}
