package eligibility

import (
	"context"
	"fmt"

	"boxwallet/internal/box"
	"boxwallet/internal/catalog"
	"boxwallet/internal/signals"

	"github.com/ethereum/go-ethereum/common"
)

// WalletActions connects descriptors to the wallet session and the box service.
type WalletActions struct {
	Session *signals.Session
	Boxes   *box.Service
}

func (w WalletActions) Connect(ctx context.Context) error {
	return w.Session.Connect(ctx)
}

func (w WalletActions) ApproveMax(ctx context.Context, token common.Address) error {
	_, err := w.Boxes.ApproveMax(ctx, token)
	return err
}

// Send creates a box that requests nothing back.
func (w WalletActions) Send(ctx context.Context, f Fields) error {
	if f.Asset == nil {
		return fmt.Errorf("send: %w", ErrDisabled)
	}
	_, err := w.Boxes.Create(ctx, box.CreateInputs{
		Password:      f.Password,
		Recipient:     common.HexToAddress(f.Recipient),
		SendAsset:     f.Asset.Address,
		SendAmount:    f.Amount,
		RequestAsset:  catalog.Native,
		RequestAmount: "0",
	})
	return err
}
