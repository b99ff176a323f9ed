package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnsupportedChain = errors.New("no ethbox deployment for chain")
	ErrNotResolved      = errors.New("ledger contracts not resolved")
	ErrForeignAccount   = errors.New("sender is not the signing account")
)

// Contract method names.
const (
	MethodCreateBox = "create_box"
	MethodClearBox  = "clear_box"
	MethodGetBoxes  = "get_boxes"
	MethodGiveToken = "give_token"
	MethodApprove   = "approve"
)

// TargetKind selects which contract a call goes to.
type TargetKind int

const (
	TargetEthbox TargetKind = iota
	TargetDispenser
	TargetToken
)

type Target struct {
	Kind  TargetKind
	Token common.Address
}

// Call describes one state-changing contract call.
type Call struct {
	Target Target
	Method string
	Args   []interface{}
	Value  *big.Int // native coin attached, nil for none
}

// Receipt is the mined result of a call.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Status      uint64
}

// Succeeded reports whether the call did not revert.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// Pending is a call accepted for broadcast.
type Pending interface {
	Hash() common.Hash
	Wait(ctx context.Context) (*Receipt, error)
}

// BoxRecord is a box as returned by get_boxes.
type BoxRecord struct {
	Index        *big.Int
	Sender       common.Address
	Recipient    common.Address
	SendToken    common.Address
	SendValue    *big.Int
	RequestToken common.Address
	RequestValue *big.Int
	PassHashHash [32]byte
	Timestamp    uint32
	Taken        bool
	Canceled     bool
}

// Reader is the read-only query surface.
type Reader interface {
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Boxes(ctx context.Context, account common.Address) ([]BoxRecord, error)
}

// Ledger abstracts the on-chain ethbox interaction.
type Ledger interface {
	Reader
	// Resolve binds the contracts deployed on chainID.
	Resolve(ctx context.Context, chainID int64) error
	Send(ctx context.Context, call Call, from common.Address) (Pending, error)
	Ethbox() common.Address
	TestTokens(ctx context.Context) (map[string]common.Address, error)
}

// HealthChecker is implemented by ledgers with a live node behind them.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
