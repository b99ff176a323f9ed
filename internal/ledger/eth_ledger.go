package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"boxwallet/internal/contracts"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Deployment holds the contract addresses of one chain.
type Deployment struct {
	Ethbox         string
	TokenDispenser string
}

type EthLedgerConfig struct {
	RPCURL        string
	PrivateKeyHex string
	Deployments   map[int64]Deployment
	PollInterval  time.Duration
}

// EthLedger submits box transactions through a JSON-RPC node.
type EthLedger struct {
	client       *ethclient.Client
	ethboxABI    abi.ABI
	dispenserABI abi.ABI
	erc20ABI     abi.ABI
	deployments  map[int64]Deployment
	chainID      *big.Int
	transacts    *bind.TransactOpts
	pollInterval time.Duration

	mu        sync.RWMutex
	ethbox    common.Address
	dispenser common.Address
	box       *bind.BoundContract
	faucet    *bind.BoundContract
}

func NewEthLedger(ctx context.Context, cfg EthLedgerConfig) (*EthLedger, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting box transactions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	ethboxABI, err := abi.JSON(strings.NewReader(contracts.EthboxABI))
	if err != nil {
		return nil, fmt.Errorf("parse ethbox abi: %w", err)
	}
	dispenserABI, err := abi.JSON(strings.NewReader(contracts.TokenDispenserABI))
	if err != nil {
		return nil, fmt.Errorf("parse dispenser abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &EthLedger{
		client:       cli,
		ethboxABI:    ethboxABI,
		dispenserABI: dispenserABI,
		erc20ABI:     erc20ABI,
		deployments:  cfg.Deployments,
		chainID:      chainID,
		transacts:    txOpts,
		pollInterval: poll,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Client exposes the node connection for the wallet provider.
func (c *EthLedger) Client() *ethclient.Client {
	return c.client
}

// Account is the signing account.
func (c *EthLedger) Account() common.Address {
	return c.transacts.From
}

func (c *EthLedger) Resolve(_ context.Context, chainID int64) error {
	if c.chainID.Int64() != chainID {
		return fmt.Errorf("%w: node is on chain %d, wallet on %d", ErrUnsupportedChain, c.chainID.Int64(), chainID)
	}
	dep, ok := c.deployments[chainID]
	if !ok || dep.Ethbox == "" {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ethbox = common.HexToAddress(dep.Ethbox)
	c.box = bind.NewBoundContract(c.ethbox, c.ethboxABI, c.client, c.client, c.client)
	if dep.TokenDispenser != "" {
		c.dispenser = common.HexToAddress(dep.TokenDispenser)
		c.faucet = bind.NewBoundContract(c.dispenser, c.dispenserABI, c.client, c.client, c.client)
	}
	return nil
}

func (c *EthLedger) Ethbox() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ethbox
}

func (c *EthLedger) contractFor(t Target) (*bind.BoundContract, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch t.Kind {
	case TargetEthbox:
		if c.box == nil {
			return nil, ErrNotResolved
		}
		return c.box, nil
	case TargetDispenser:
		if c.faucet == nil {
			return nil, fmt.Errorf("%w: no token dispenser", ErrNotResolved)
		}
		return c.faucet, nil
	case TargetToken:
		return c.token(t.Token), nil
	}
	return nil, fmt.Errorf("unknown call target %d", t.Kind)
}

func (c *EthLedger) token(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, c.erc20ABI, c.client, c.client, c.client)
}

func (c *EthLedger) Send(ctx context.Context, call Call, from common.Address) (Pending, error) {
	contract, err := c.contractFor(call.Target)
	if err != nil {
		return nil, err
	}
	if from != (common.Address{}) && from != c.transacts.From {
		return nil, fmt.Errorf("%w: %s", ErrForeignAccount, from.Hex())
	}

	opts := *c.transacts
	opts.Context = ctx
	opts.Value = call.Value

	tx, err := contract.Transact(&opts, call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", call.Method, err)
	}
	return &ethPending{client: c.client, tx: tx, poll: c.pollInterval}, nil
}

type ethPending struct {
	client *ethclient.Client
	tx     *types.Transaction
	poll   time.Duration
}

func (p *ethPending) Hash() common.Hash {
	return p.tx.Hash()
}

func (p *ethPending) Wait(ctx context.Context) (*Receipt, error) {
	r, err := WaitForReceipt(ctx, p.client, p.tx, p.poll)
	if err != nil {
		return nil, err
	}
	out := &Receipt{
		TxHash:  r.TxHash,
		GasUsed: r.GasUsed,
		Status:  r.Status,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthLedger) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.client.BalanceAt(ctx, owner, nil)
}

func (c *EthLedger) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.token(token), owner, "balanceOf", owner)
}

// Allowance reads how much the ethbox contract may move on behalf of owner.
func (c *EthLedger) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	spender := c.Ethbox()
	if spender == (common.Address{}) {
		return nil, ErrNotResolved
	}
	return c.callUint(ctx, c.token(token), owner, "allowance", owner, spender)
}

func (c *EthLedger) callUint(ctx context.Context, contract *bind.BoundContract, from common.Address, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx, From: from}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s call: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s call: empty result", method)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

type boxTuple struct {
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

func (c *EthLedger) Boxes(ctx context.Context, account common.Address) ([]BoxRecord, error) {
	contract, err := c.contractFor(Target{Kind: TargetEthbox})
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx, From: account}, &out, MethodGetBoxes); err != nil {
		return nil, fmt.Errorf("get_boxes call: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	tuples := *abi.ConvertType(out[0], new([]boxTuple)).(*[]boxTuple)
	records := make([]BoxRecord, len(tuples))
	for i, t := range tuples {
		records[i] = BoxRecord(t)
	}
	return records, nil
}

// TestTokens reads the dispenser's AAA, BBB and CCC token addresses.
func (c *EthLedger) TestTokens(ctx context.Context) (map[string]common.Address, error) {
	contract, err := c.contractFor(Target{Kind: TargetDispenser})
	if err != nil {
		return nil, err
	}
	tokens := make(map[string]common.Address, 3)
	for symbol, method := range map[string]string{"AAA": "token1", "BBB": "token2", "CCC": "token3"} {
		var out []interface{}
		if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
			return nil, fmt.Errorf("%s call: %w", method, err)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%s call: empty result", method)
		}
		tokens[symbol] = *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	}
	return tokens, nil
}

func (c *EthLedger) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
