package signals

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("wallet not connected")

// Provider is the wallet connection negotiated outside this module.
type Provider interface {
	Connect(ctx context.Context) error
	ChainID(ctx context.Context) (int64, error)
	Accounts(ctx context.Context) ([]common.Address, error)
	Close() error
}

// Resolver binds the contracts of a chain; the app is ready once it succeeds.
type Resolver interface {
	Resolve(ctx context.Context, chainID int64) error
}

// Session keeps the Hub in sync with the wallet provider.
type Session struct {
	hub       *Hub
	provider  Provider
	resolver  Resolver
	supported func(chainID int64) bool
	log       zerolog.Logger
	connected atomic.Bool
}

func NewSession(hub *Hub, p Provider, r Resolver, supported func(int64) bool, log zerolog.Logger) *Session {
	return &Session{hub: hub, provider: p, resolver: r, supported: supported, log: log}
}

func (s *Session) Hub() *Hub {
	return s.hub
}

// Connect asks the provider for a connection and publishes the resulting state.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.provider.Connect(ctx); err != nil {
		s.log.Error().Err(err).Msg("could not get a wallet connection")
		return fmt.Errorf("connect wallet: %w", err)
	}
	s.connected.Store(true)
	return s.Refresh(ctx)
}

// Disconnect closes the provider and clears every signal.
func (s *Session) Disconnect() error {
	s.connected.Store(false)
	err := s.provider.Close()
	s.hub.Publish(Snapshot{})
	return err
}

// Refresh re-reads chain and account, as on the provider's chainChanged and
// accountsChanged events.
func (s *Session) Refresh(ctx context.Context) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		s.hub.Publish(Snapshot{})
		return fmt.Errorf("read chain id: %w", err)
	}
	accounts, err := s.provider.Accounts(ctx)
	if err != nil {
		s.hub.Publish(Snapshot{ChainID: chainID})
		return fmt.Errorf("read accounts: %w", err)
	}
	var account common.Address
	if len(accounts) > 0 {
		account = accounts[0]
	}

	snap := Snapshot{ChainID: chainID, Account: account}
	if !snap.Connected() {
		s.hub.Publish(snap)
		return nil
	}
	snap.ChainSupported = s.supported(chainID)
	if !snap.ChainSupported {
		s.log.Warn().Int64("chain_id", chainID).Msg("unsupported chain")
		s.hub.Publish(snap)
		return nil
	}

	s.hub.Publish(snap)
	if err := s.resolver.Resolve(ctx, chainID); err != nil {
		s.log.Error().Err(err).Int64("chain_id", chainID).Msg("contract resolution failed")
		return fmt.Errorf("resolve contracts: %w", err)
	}
	snap.AppReady = true
	s.hub.Publish(snap)
	s.log.Info().Int64("chain_id", chainID).Str("account", account.Hex()).Msg("app ready")
	return nil
}

// StaticProvider is a Provider with fixed answers.
type StaticProvider struct {
	Chain      int64
	Addrs      []common.Address
	ConnectErr error
	Closed     bool
}

func (p *StaticProvider) Connect(context.Context) error { return p.ConnectErr }

func (p *StaticProvider) ChainID(context.Context) (int64, error) { return p.Chain, nil }

func (p *StaticProvider) Accounts(context.Context) ([]common.Address, error) { return p.Addrs, nil }

func (p *StaticProvider) Close() error {
	p.Closed = true
	return nil
}
