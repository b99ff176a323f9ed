package signals

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	mu    sync.Mutex
	err   error
	calls []int64
}

func (r *stubResolver) Resolve(_ context.Context, chainID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, chainID)
	return r.err
}

func supported(id int64) bool { return id == 4 || id == 97 }

func TestHubPublishAndSubscribe(t *testing.T) {
	hub := NewHub()
	var got []Event
	unsubscribe := hub.Subscribe(func(ev Event) { got = append(got, ev) })

	hub.Publish(Snapshot{ChainID: 4})
	hub.InvalidateBalances()
	hub.Update(func(s *Snapshot) { s.AppReady = true })
	hub.InvalidateBoxes()

	require.Len(t, got, 4)
	assert.Equal(t, SignalsChanged, got[0].Kind)
	assert.Equal(t, BalanceChanged, got[1].Kind)
	assert.Equal(t, int64(4), got[1].Snapshot.ChainID)
	assert.True(t, got[2].Snapshot.AppReady)
	assert.Equal(t, BoxesChanged, got[3].Kind)

	unsubscribe()
	unsubscribe()
	hub.InvalidateBalances()
	assert.Len(t, got, 4)
}

func TestHubSubscriberOrder(t *testing.T) {
	hub := NewHub()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		hub.Subscribe(func(Event) { order = append(order, i) })
	}
	hub.InvalidateBalances()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSessionRefreshReady(t *testing.T) {
	hub := NewHub()
	account := common.HexToAddress("0x000000000000000000000000000000000000a11c")
	res := &stubResolver{}
	s := NewSession(hub, &StaticProvider{Chain: 4, Addrs: []common.Address{account}}, res, supported, zerolog.New(io.Discard))

	var snaps []Snapshot
	hub.Subscribe(func(ev Event) { snaps = append(snaps, ev.Snapshot) })

	require.NoError(t, s.Connect(context.Background()))
	require.Len(t, snaps, 2)
	assert.False(t, snaps[0].AppReady)
	assert.Equal(t, Snapshot{ChainID: 4, ChainSupported: true, Account: account, AppReady: true}, hub.Snapshot())
	assert.Equal(t, []int64{4}, res.calls)
}

func TestSessionUnsupportedChain(t *testing.T) {
	hub := NewHub()
	account := common.HexToAddress("0x000000000000000000000000000000000000a11c")
	res := &stubResolver{}
	s := NewSession(hub, &StaticProvider{Chain: 1, Addrs: []common.Address{account}}, res, supported, zerolog.New(io.Discard))

	require.NoError(t, s.Connect(context.Background()))
	snap := hub.Snapshot()
	assert.True(t, snap.Connected())
	assert.False(t, snap.ChainSupported)
	assert.False(t, snap.AppReady)
	assert.Empty(t, res.calls)
}

func TestSessionNoAccount(t *testing.T) {
	hub := NewHub()
	s := NewSession(hub, &StaticProvider{Chain: 4}, &stubResolver{}, supported, zerolog.New(io.Discard))
	require.NoError(t, s.Connect(context.Background()))
	assert.False(t, hub.Snapshot().Connected())
}

func TestSessionConnectFailure(t *testing.T) {
	hub := NewHub()
	boom := errors.New("modal closed")
	s := NewSession(hub, &StaticProvider{ConnectErr: boom}, &stubResolver{}, supported, zerolog.New(io.Discard))
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNotConnected)
}

func TestSessionResolveFailureKeepsNotReady(t *testing.T) {
	hub := NewHub()
	account := common.HexToAddress("0x000000000000000000000000000000000000a11c")
	s := NewSession(hub, &StaticProvider{Chain: 97, Addrs: []common.Address{account}}, &stubResolver{err: errors.New("no deployment")}, supported, zerolog.New(io.Discard))
	assert.Error(t, s.Connect(context.Background()))
	assert.True(t, hub.Snapshot().ChainSupported)
	assert.False(t, hub.Snapshot().AppReady)
}

func TestSessionDisconnect(t *testing.T) {
	hub := NewHub()
	p := &StaticProvider{Chain: 4, Addrs: []common.Address{common.HexToAddress("0x01")}}
	s := NewSession(hub, p, &stubResolver{}, supported, zerolog.New(io.Discard))
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect())
	assert.True(t, p.Closed)
	assert.Equal(t, Snapshot{}, hub.Snapshot())
}

func TestSessionConcurrentRefresh(t *testing.T) {
	hub := NewHub()
	account := common.HexToAddress("0x000000000000000000000000000000000000a11c")
	s := NewSession(hub, &StaticProvider{Chain: 4, Addrs: []common.Address{account}}, &stubResolver{}, supported, zerolog.New(io.Discard))
	require.NoError(t, s.Connect(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Refresh(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, ErrNotConnected)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Disconnect()
		_ = s.Connect(context.Background())
	}()
	wg.Wait()

	require.NoError(t, s.Refresh(context.Background()))
	assert.True(t, hub.Snapshot().AppReady)
}
