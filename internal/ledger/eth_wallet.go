package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// KeyWallet presents the EthLedger signing key as a connected wallet: one
// account on the chain the node reports.
type KeyWallet struct {
	ledger *EthLedger
}

func NewKeyWallet(l *EthLedger) *KeyWallet {
	return &KeyWallet{ledger: l}
}

func (w *KeyWallet) Connect(ctx context.Context) error {
	if err := w.ledger.Ping(ctx); err != nil {
		return fmt.Errorf("wallet node unreachable: %w", err)
	}
	return nil
}

func (w *KeyWallet) ChainID(ctx context.Context) (int64, error) {
	id, err := w.ledger.client.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Int64(), nil
}

func (w *KeyWallet) Accounts(context.Context) ([]common.Address, error) {
	return []common.Address{w.ledger.Account()}, nil
}

func (w *KeyWallet) Close() error {
	return nil
}
