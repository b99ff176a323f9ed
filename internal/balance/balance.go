// Package balance derives the wallet balance view of one asset.
package balance

import (
	"context"
	"fmt"
	"math/big"

	"boxwallet/internal/amount"
	"boxwallet/internal/catalog"
	"boxwallet/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxAllowance is 2^256-1, the approveMax amount and the allowance assumed for the native coin.
func MaxAllowance() *big.Int {
	return new(uint256.Int).Not(new(uint256.Int)).ToBig()
}

// Balance is recomputed on every balance-changed signal and never persisted.
type Balance struct {
	Asset                 catalog.AssetRef
	Base                  *big.Int
	Decimals              uint8
	DecimalValue          string
	Allowance             *big.Int
	DecimalAllowance      string
	HasUnlimitedAllowance bool
}

// New builds the view from raw base-unit reads.
func New(asset catalog.AssetRef, base, allowance *big.Int) *Balance {
	return &Balance{
		Asset:                 asset,
		Base:                  new(big.Int).Set(base),
		Decimals:              asset.Decimals,
		DecimalValue:          amount.FromBaseUnits(base, asset.Decimals),
		Allowance:             new(big.Int).Set(allowance),
		DecimalAllowance:      amount.FromBaseUnits(allowance, asset.Decimals),
		HasUnlimitedAllowance: allowance.Cmp(MaxAllowance()) == 0,
	}
}

// Loader reads balances through the ledger.
type Loader struct {
	reader ledger.Reader
}

func NewLoader(r ledger.Reader) *Loader {
	return &Loader{reader: r}
}

// Load reads owner's balance of asset. The native coin needs no approval, so
// its allowance is reported as unlimited.
func (l *Loader) Load(ctx context.Context, asset catalog.AssetRef, owner common.Address) (*Balance, error) {
	if asset.IsNative() {
		wei, err := l.reader.NativeBalance(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("native balance: %w", err)
		}
		return New(asset, wei, MaxAllowance()), nil
	}

	wei, err := l.reader.TokenBalance(ctx, asset.Address, owner)
	if err != nil {
		return nil, fmt.Errorf("%s balance: %w", asset.Symbol, err)
	}
	allowance, err := l.reader.Allowance(ctx, asset.Address, owner)
	if err != nil {
		return nil, fmt.Errorf("%s allowance: %w", asset.Symbol, err)
	}
	return New(asset, wei, allowance), nil
}
