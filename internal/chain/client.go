package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"txscope/internal/model"
)

// ErrRemote wraps failures of on-chain calls. Decoders that depend on a
// remote lookup treat it as "unresolved" and return a no-op output.
var ErrRemote = errors.New("remote error")

// Inquirer is the chain access boundary consumed by the decoding core.
// All network I/O of the pipeline goes through it.
type Inquirer interface {
	// TransactionByHash returns the normalized transaction.
	TransactionByHash(ctx context.Context, hash common.Hash) (*model.Transaction, error)
	// ReceiptByHash returns the transaction's logs and status.
	ReceiptByHash(ctx context.Context, hash common.Hash) (*model.Receipt, error)
	// CallContract performs an eth_call against the latest block.
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Client wraps go-ethereum RPC and implements Inquirer.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	mu      sync.RWMutex
	tsCache map[uint64]uint64
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		tsCache:   make(map[uint64]uint64),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.RLock()
	ts, ok := c.tsCache[number]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("%w: header %d: %v", ErrRemote, number, err)
	}

	ts = header.Time
	c.mu.Lock()
	c.tsCache[number] = ts
	c.mu.Unlock()

	return ts, nil
}

// TransactionByHash fetches and normalizes a transaction.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*model.Transaction, error) {
	tx, pending, err := c.ethClient.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %s: %v", ErrRemote, hash.Hex(), err)
	}
	if pending {
		return nil, fmt.Errorf("%w: transaction %s is pending", ErrRemote, hash.Hex())
	}

	receipt, err := c.ethClient.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s: %v", ErrRemote, hash.Hex(), err)
	}

	chainID, err := c.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", ErrRemote, err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender of %s: %w", hash.Hex(), err)
	}

	timestamp, err := c.BlockTimestamp(ctx, receipt.BlockNumber.Uint64())
	if err != nil {
		return nil, err
	}

	return &model.Transaction{
		ChainID:     chainID.Uint64(),
		Hash:        hash,
		From:        sender,
		To:          tx.To(),
		Value:       tx.Value(),
		Input:       tx.Data(),
		Nonce:       tx.Nonce(),
		Timestamp:   timestamp,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		GasPrice:    receipt.EffectiveGasPrice,
	}, nil
}

// ReceiptByHash fetches a receipt and normalizes its logs.
func (c *Client) ReceiptByHash(ctx context.Context, hash common.Hash) (*model.Receipt, error) {
	receipt, err := c.ethClient.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s: %v", ErrRemote, hash.Hex(), err)
	}

	logs := make([]model.TxLog, 0, len(receipt.Logs))
	for _, l := range receipt.Logs {
		logs = append(logs, model.TxLog{
			Address:  l.Address,
			Topics:   l.Topics,
			Data:     l.Data,
			LogIndex: uint64(l.Index),
		})
	}
	return &model.Receipt{
		Logs:   logs,
		Status: receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", ErrRemote, to.Hex(), err)
	}
	return result, nil
}
