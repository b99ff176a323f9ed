// Package catalog holds the read-only token lists the wallet offers per chain.
package catalog

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"boxwallet/internal/amount"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var ErrUnknownToken = errors.New("token not in catalog")

// Native is the sentinel address of the chain's native coin.
var Native = common.Address{}

const (
	ChainRinkeby    int64 = 4
	ChainBSCTestnet int64 = 97
)

// AssetRef describes one token of a catalog.
type AssetRef struct {
	Address  common.Address `yaml:"address"`
	Symbol   string         `yaml:"symbol"`
	Name     string         `yaml:"name"`
	Decimals uint8          `yaml:"decimals"`
}

// IsNative reports whether the asset is the native coin.
func (a AssetRef) IsNative() bool {
	return a.Address == Native
}

// Catalog indexes a token list by address.
type Catalog struct {
	tokens []AssetRef
	byAddr map[common.Address]AssetRef
}

func New(tokens []AssetRef) *Catalog {
	c := &Catalog{
		tokens: make([]AssetRef, len(tokens)),
		byAddr: make(map[common.Address]AssetRef, len(tokens)),
	}
	copy(c.tokens, tokens)
	for _, t := range tokens {
		c.byAddr[t.Address] = t
	}
	return c
}

// Tokens returns the list in catalog order.
func (c *Catalog) Tokens() []AssetRef {
	out := make([]AssetRef, len(c.tokens))
	copy(out, c.tokens)
	return out
}

func (c *Catalog) Lookup(addr common.Address) (AssetRef, bool) {
	t, ok := c.byAddr[addr]
	return t, ok
}

func (c *Catalog) BySymbol(symbol string) (AssetRef, bool) {
	for _, t := range c.tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return AssetRef{}, false
}

// ToBaseUnits converts a decimal amount of the token at addr.
func (c *Catalog) ToBaseUnits(addr common.Address, value string) (*big.Int, error) {
	t, ok := c.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return amount.ToBaseUnits(value, t.Decimals)
}

// FromBaseUnits formats base units of the token at addr.
func (c *Catalog) FromBaseUnits(addr common.Address, x *big.Int) (string, error) {
	t, ok := c.Lookup(addr)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return amount.FromBaseUnits(x, t.Decimals), nil
}

// Registry maps chain ids to catalogs.
type Registry struct {
	chains map[int64]*Catalog
}

func NewRegistry(chains map[int64]*Catalog) *Registry {
	r := &Registry{chains: make(map[int64]*Catalog, len(chains))}
	for id, c := range chains {
		r.chains[id] = c
	}
	return r
}

// ForChain returns the catalog of a supported chain.
func (r *Registry) ForChain(chainID int64) (*Catalog, bool) {
	c, ok := r.chains[chainID]
	return c, ok
}

// Supported reports whether chainID has a catalog.
func (r *Registry) Supported(chainID int64) bool {
	_, ok := r.chains[chainID]
	return ok
}

func (r *Registry) ChainIDs() []int64 {
	ids := make([]int64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}

// IsEthereum reports whether chainID is an Ethereum network.
func IsEthereum(chainID int64) bool {
	return chainID == ChainRinkeby
}

// IsBinance reports whether chainID is a Binance Smart Chain network.
func IsBinance(chainID int64) bool {
	return chainID == ChainBSCTestnet
}

// Default carries only the native coin of each supported chain.
func Default() *Registry {
	return &Registry{chains: map[int64]*Catalog{
		ChainRinkeby:    New([]AssetRef{{Address: Native, Symbol: "ETH", Name: "Ether", Decimals: 18}}),
		ChainBSCTestnet: New([]AssetRef{{Address: Native, Symbol: "BNB", Name: "BNB", Decimals: 18}}),
	}}
}

type fileFormat struct {
	Chains map[int64][]AssetRef `yaml:"chains"`
}

// LoadFile reads a YAML token list file:
//
//	chains:
//	  4:
//	    - {address: "0x0000000000000000000000000000000000000000", symbol: ETH, decimals: 18}
//
// A missing file yields Default.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token list: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse token list: %w", err)
	}
	if len(f.Chains) == 0 {
		return nil, errors.New("token list has no chains")
	}
	r := &Registry{chains: make(map[int64]*Catalog, len(f.Chains))}
	for id, tokens := range f.Chains {
		for _, t := range tokens {
			if t.Symbol == "" {
				return nil, fmt.Errorf("chain %d: token %s has no symbol", id, t.Address.Hex())
			}
		}
		r.chains[id] = New(tokens)
	}
	return r, nil
}
