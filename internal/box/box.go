// Package box implements the lifecycle of an escrow box: create, cancel and
// accept, plus the read-through cache of the boxes visible to the account.
package box

import (
	"math/big"
	"time"

	"boxwallet/internal/catalog"
	"boxwallet/internal/ledger"
	"boxwallet/internal/releasetime"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type State int

const (
	Open State = iota
	Accepted
	Canceled
	// Expired is Open with the release moment in the past. It is a display
	// projection only; nothing is written on-chain.
	Expired
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Accepted:
		return "accepted"
	case Canceled:
		return "canceled"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Accepted || s == Canceled
}

// Box is the local view of one on-chain box.
type Box struct {
	Index         uint64         `json:"index"`
	Sender        common.Address `json:"sender"`
	Recipient     common.Address `json:"recipient"`
	SendAsset     common.Address `json:"sendAsset"`
	SendAmount    *big.Int       `json:"sendAmount"`
	RequestAsset  common.Address `json:"requestAsset"`
	RequestAmount *big.Int       `json:"requestAmount"`
	PassHashHash  common.Hash    `json:"passHashHash"`
	Release       uint32         `json:"release"`
	Taken         bool           `json:"taken"`
	Canceled      bool           `json:"canceled"`
}

func FromRecord(r ledger.BoxRecord) Box {
	b := Box{
		Sender:        r.Sender,
		Recipient:     r.Recipient,
		SendAsset:     r.SendToken,
		SendAmount:    r.SendValue,
		RequestAsset:  r.RequestToken,
		RequestAmount: r.RequestValue,
		PassHashHash:  common.Hash(r.PassHashHash),
		Release:       r.Timestamp,
		Taken:         r.Taken,
		Canceled:      r.Canceled,
	}
	if r.Index != nil {
		b.Index = r.Index.Uint64()
	}
	return b
}

// State projects the box state at now.
func (b Box) State(now time.Time) State {
	switch {
	case b.Taken:
		return Accepted
	case b.Canceled:
		return Canceled
	}
	if d, err := releasetime.Decode(b.Release, 0); err == nil && now.After(d.Time) {
		return Expired
	}
	return Open
}

// ReleaseTime decodes the release moment for a local clock.
func (b Box) ReleaseTime(localOffsetMinutes int) (releasetime.Decoded, error) {
	return releasetime.Decode(b.Release, localOffsetMinutes)
}

// RequestsNative reports whether accepting pays in the native coin.
func (b Box) RequestsNative() bool {
	return b.RequestAsset == catalog.Native
}

// Verify checks password against the stored double hash without touching the network.
func (b Box) Verify(password string) bool {
	return PassHashHash(password) == b.PassHashHash
}

// PassHash is keccak256 of the UTF-8 passphrase; clear_box takes it.
func PassHash(password string) common.Hash {
	return crypto.Keccak256Hash([]byte(password))
}

// PassHashHash is keccak256 of PassHash; create_box stores it.
func PassHashHash(password string) common.Hash {
	h := PassHash(password)
	return crypto.Keccak256Hash(h.Bytes())
}
