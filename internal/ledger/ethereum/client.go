package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "ReputeFlow-Escrow/internal/errors"
	"ReputeFlow-Escrow/internal/ledger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// escrowABI is the interface of the WorkEscrow contract. Every mutating
// method takes a bytes32 dedup key; the contract reverts on a replayed key,
// which gives at-most-once semantics independent of this process.
const escrowABI = `[
  {"type":"function","name":"lockFunds","stateMutability":"payable","inputs":[{"name":"key","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"key","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"key","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"settled","stateMutability":"view","inputs":[{"name":"key","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Config describes how to construct the on-chain ledger client.
type Config struct {
	Name            string
	RPCURL          string
	ChainID         int64
	ContractAddress string
	// OperatorKeyHex is the hex-encoded private key of the escrow operator
	// account that signs lock, release and refund transactions.
	OperatorKeyHex string
}

// Client settles escrow operations against a WorkEscrow contract on an EVM
// compatible chain.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract
	address   common.Address
	auth      *bind.TransactOpts
	chainID   *big.Int

	mu   sync.Mutex
	seen map[ledger.IdempotencyKey]ledger.TxRef
}

// NewClient dials the configured RPC endpoint and binds the escrow contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("ethereum RPC URL is required")
	}
	if strings.TrimSpace(cfg.ContractAddress) == "" {
		return nil, errors.New("escrow contract address is required")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("chain id is required")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.OperatorKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(address, parsedABI, eth, eth, eth)

	return &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       eth,
		contract:  contract,
		address:   address,
		auth:      auth,
		chainID:   chainID,
		seen:      make(map[ledger.IdempotencyKey]ledger.TxRef),
	}, nil
}

func keyHash(key ledger.IdempotencyKey) [32]byte {
	return crypto.Keccak256Hash([]byte(key))
}

func (c *Client) cached(key ledger.IdempotencyKey) (ledger.TxRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.seen[key]
	return ref, ok
}

func (c *Client) remember(key ledger.IdempotencyKey, ref ledger.TxRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = ref
}

// transact serializes signing through the single operator account. Nonce
// management inside go-ethereum is not safe for concurrent transactors on the
// same key.
func (c *Client) transact(ctx context.Context, value *big.Int, method string, params ...any) (ledger.TxRef, error) {
	c.mu.Lock()
	opts := *c.auth
	c.mu.Unlock()
	opts.Context = ctx
	opts.Value = value

	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerFailure, err, fmt.Sprintf("escrow %s failed", method))
	}
	return ledger.TxRef(tx.Hash().Hex()), nil
}

// LockFunds sends the project budget into the escrow contract.
func (c *Client) LockFunds(ctx context.Context, _ string, amount int64, key ledger.IdempotencyKey) (ledger.TxRef, error) {
	if ref, ok := c.cached(key); ok {
		return ref, nil
	}
	ref, err := c.transact(ctx, big.NewInt(amount), "lockFunds", keyHash(key))
	if err != nil {
		return "", err
	}
	c.remember(key, ref)
	return ref, nil
}

// Transfer pays an approved milestone out of the contract.
func (c *Client) Transfer(ctx context.Context, payee string, amount int64, key ledger.IdempotencyKey) (ledger.TxRef, error) {
	if ref, ok := c.cached(key); ok {
		return ref, nil
	}
	ref, err := c.transact(ctx, nil, "release", common.HexToAddress(payee), big.NewInt(amount), keyHash(key))
	if err != nil {
		return "", err
	}
	c.remember(key, ref)
	return ref, nil
}

// Refund returns the unreleased balance to the client on cancellation.
func (c *Client) Refund(ctx context.Context, payer string, amount int64, key ledger.IdempotencyKey) (ledger.TxRef, error) {
	if ref, ok := c.cached(key); ok {
		return ref, nil
	}
	ref, err := c.transact(ctx, nil, "refund", common.HexToAddress(payer), big.NewInt(amount), keyHash(key))
	if err != nil {
		return "", err
	}
	c.remember(key, ref)
	return ref, nil
}

// Reassign is the would-be on-chain freelancer reassignment. The deployed
// WorkEscrow contract exposes no such method, so this fails loudly instead of
// pretending the chain recorded anything. Assignment stays an off-chain record.
func (c *Client) Reassign(context.Context, uint64, string) error {
	return xerrors.New(xerrors.CodeUnimplemented, "on-chain freelancer reassignment is not supported by the escrow contract")
}

// Confirm inspects the transaction receipt. A missing receipt means the
// transaction is still in the mempool.
func (c *Client) Confirm(ctx context.Context, ref ledger.TxRef) (ledger.ConfirmStatus, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(string(ref)))
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return ledger.StatusPending, nil
		}
		return ledger.StatusFailed, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "fetch receipt failed")
	}
	if receipt.Status == 1 {
		return ledger.StatusConfirmed, nil
	}
	return ledger.StatusFailed, nil
}

// Close releases the RPC connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if c.eth != nil {
		c.eth.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	return nil
}

var _ ledger.Client = (*Client)(nil)
