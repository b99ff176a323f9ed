package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Outcome scripts how the next FakeLedger.Send behaves.
type Outcome struct {
	SendErr  error         // rejected before broadcast
	WaitErr  error         // broadcast, then failed while waiting
	Reverted bool          // mined with status 0
	Hold     chan struct{} // Wait blocks until closed
}

// SentCall records a call the fake accepted or rejected.
type SentCall struct {
	Call Call
	From common.Address
	Hash common.Hash
}

// FakeLedger is an in-memory ethbox used in tests and when no key is configured.
// Mined calls apply their effect to balances, allowances and boxes.
type FakeLedger struct {
	mu          sync.Mutex
	ethbox      common.Address
	chains      map[int64]bool
	resolved    bool
	native      map[common.Address]*big.Int
	tokens      map[common.Address]map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
	boxes       []BoxRecord
	testTokens  map[string]common.Address
	outcomes    []Outcome
	calls       []SentCall
	nonce       uint64
	blockNumber uint64
}

func NewFakeLedger(ethbox common.Address, chainIDs ...int64) *FakeLedger {
	chains := make(map[int64]bool, len(chainIDs))
	for _, id := range chainIDs {
		chains[id] = true
	}
	return &FakeLedger{
		ethbox:     ethbox,
		chains:     chains,
		native:     make(map[common.Address]*big.Int),
		tokens:     make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		testTokens: make(map[string]common.Address),
	}
}

func (f *FakeLedger) SetNativeBalance(owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native[owner] = new(big.Int).Set(v)
}

func (f *FakeLedger) SetTokenBalance(token, owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nested(f.tokens, token)[owner] = new(big.Int).Set(v)
}

func (f *FakeLedger) SetAllowance(token, owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nested(f.allowances, token)[owner] = new(big.Int).Set(v)
}

func (f *FakeLedger) SetTestToken(symbol string, addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.testTokens[symbol] = addr
}

func (f *FakeLedger) AddBox(rec BoxRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.Index == nil {
		rec.Index = big.NewInt(int64(len(f.boxes)))
	}
	f.boxes = append(f.boxes, rec)
}

// Script queues outcomes for the following Send calls. Unscripted calls succeed.
func (f *FakeLedger) Script(outcomes ...Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcomes...)
}

func (f *FakeLedger) SentCalls() []SentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeLedger) Resolve(_ context.Context, chainID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.chains[chainID] {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	f.resolved = true
	return nil
}

func (f *FakeLedger) Ethbox() common.Address {
	return f.ethbox
}

func (f *FakeLedger) Send(_ context.Context, call Call, from common.Address) (Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out Outcome
	if len(f.outcomes) > 0 {
		out = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}

	f.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], f.nonce)
	hash := crypto.Keccak256Hash([]byte(call.Method), from.Bytes(), buf[:])
	f.calls = append(f.calls, SentCall{Call: call, From: from, Hash: hash})

	if out.SendErr != nil {
		return nil, out.SendErr
	}
	if call.Target.Kind == TargetEthbox && !f.resolved {
		return nil, ErrNotResolved
	}
	return &fakePending{ledger: f, call: call, from: from, hash: hash, outcome: out}, nil
}

type fakePending struct {
	ledger  *FakeLedger
	call    Call
	from    common.Address
	hash    common.Hash
	outcome Outcome
}

func (p *fakePending) Hash() common.Hash {
	return p.hash
}

func (p *fakePending) Wait(ctx context.Context) (*Receipt, error) {
	if p.outcome.Hold != nil {
		select {
		case <-p.outcome.Hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.outcome.WaitErr != nil {
		return nil, p.outcome.WaitErr
	}

	f := p.ledger
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockNumber++
	receipt := &Receipt{TxHash: p.hash, BlockNumber: f.blockNumber, GasUsed: 21000, Status: 1}
	if p.outcome.Reverted {
		receipt.Status = 0
		return receipt, nil
	}
	f.apply(p.call, p.from)
	return receipt, nil
}

func (f *FakeLedger) apply(call Call, from common.Address) {
	switch call.Method {
	case MethodApprove:
		spender, _ := call.Args[0].(common.Address)
		amount, _ := call.Args[1].(*big.Int)
		if spender == f.ethbox && amount != nil {
			nested(f.allowances, call.Target.Token)[from] = new(big.Int).Set(amount)
		}
	case MethodGiveToken:
		amount, _ := call.Args[0].(*big.Int)
		token, _ := call.Args[1].(common.Address)
		bal := nested(f.tokens, token)
		bal[from] = new(big.Int).Add(valueOr0(bal[from]), amount)
	case MethodCreateBox:
		rec := BoxRecord{
			Index:     big.NewInt(int64(len(f.boxes))),
			Sender:    from,
			Timestamp: call.Args[6].(uint32),
		}
		rec.Recipient, _ = call.Args[0].(common.Address)
		rec.SendToken, _ = call.Args[1].(common.Address)
		rec.SendValue, _ = call.Args[2].(*big.Int)
		rec.RequestToken, _ = call.Args[3].(common.Address)
		rec.RequestValue, _ = call.Args[4].(*big.Int)
		rec.PassHashHash, _ = call.Args[5].([32]byte)
		f.boxes = append(f.boxes, rec)
	case MethodClearBox:
		index, _ := call.Args[0].(*big.Int)
		for i := range f.boxes {
			if f.boxes[i].Index.Cmp(index) != 0 {
				continue
			}
			if f.boxes[i].Sender == from {
				f.boxes[i].Canceled = true
			} else {
				f.boxes[i].Taken = true
			}
		}
	}
}

func (f *FakeLedger) NativeBalance(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(valueOr0(f.native[owner])), nil
}

func (f *FakeLedger) TokenBalance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(valueOr0(f.tokens[token][owner])), nil
}

func (f *FakeLedger) Allowance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(valueOr0(f.allowances[token][owner])), nil
}

func (f *FakeLedger) Boxes(_ context.Context, _ common.Address) ([]BoxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resolved {
		return nil, ErrNotResolved
	}
	out := make([]BoxRecord, len(f.boxes))
	copy(out, f.boxes)
	return out, nil
}

func (f *FakeLedger) TestTokens(_ context.Context) (map[string]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]common.Address, len(f.testTokens))
	for k, v := range f.testTokens {
		out[k] = v
	}
	return out, nil
}

func nested(m map[common.Address]map[common.Address]*big.Int, key common.Address) map[common.Address]*big.Int {
	inner, ok := m[key]
	if !ok {
		inner = make(map[common.Address]*big.Int)
		m[key] = inner
	}
	return inner
}

func valueOr0(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
