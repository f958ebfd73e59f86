package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"syscall"

	"bridgerelay/internal/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrReceiptNotFound    = errors.New("transaction receipt not found")
	ErrNoTransfer         = errors.New("no token transfer in receipt")
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrRPC                = errors.New("rpc error")
)

// Transfer is a decoded token Transfer event.
type Transfer struct {
	Token    common.Address
	From     common.Address
	To       common.Address
	Value    *big.Int
	LogIndex uint
}

// Client is the per-network ledger capability used by the relay.
type Client interface {
	Network() Network
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	DecodeTransfer(receipt *types.Receipt, target common.Address) (*Transfer, error)
	Confirmations(ctx context.Context, receipt *types.Receipt) (uint64, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	BuildTransfer(nonce uint64, recipient common.Address, amount *big.Int) (*types.Transaction, error)
	Broadcast(ctx context.Context, signed *types.Transaction) (common.Hash, error)
	// HasTransaction reports whether the node knows the transaction, pending or mined.
	HasTransaction(ctx context.Context, txHash common.Hash) (bool, error)
	Ping(ctx context.Context) error
}

// Backend is the slice of the node API the client calls. *ethclient.Client satisfies it.
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient talks to an EVM node over JSON-RPC.
type EthClient struct {
	network Network
	backend Backend
}

// Dial connects to the network's RPC endpoint and checks the node reports the configured chain id.
func Dial(ctx context.Context, network Network, logger *log.Logger) (*EthClient, error) {
	if network.RPCURL == "" {
		return nil, fmt.Errorf("network %s: rpc url is required", network.Name)
	}

	cli, err := ethclient.DialContext(ctx, network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("network %s: dial rpc: %w", network.Name, err)
	}

	chainID, err := cli.ChainID(ctx)
	switch {
	case err != nil:
		// nodes may be down at boot; calls will surface the failure per claim
		logger.Warnf("network %s: chain id check failed: %v", network.Name, err)
	case network.ChainID != nil && chainID.Cmp(network.ChainID) != 0:
		cli.Close()
		return nil, fmt.Errorf("network %s: node chain id %s does not match configured %s",
			network.Name, chainID, network.ChainID)
	}

	logger.Infof("network %s connected (chainId=%s, poa=%t)", network.Name, network.ChainID, network.POA)
	return NewEthClient(network, cli)
}

// NewEthClient wraps an existing backend.
func NewEthClient(network Network, backend Backend) (*EthClient, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if err := checkTokenABI(network.TokenABI); err != nil {
		return nil, fmt.Errorf("network %s: %w", network.Name, err)
	}
	return &EthClient{network: network, backend: backend}, nil
}

func (c *EthClient) Network() Network {
	return c.network
}

func (c *EthClient) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, classify("fetch receipt", err)
	}
	return receipt, nil
}

func (c *EthClient) DecodeTransfer(receipt *types.Receipt, target common.Address) (*Transfer, error) {
	return DecodeTransfer(c.network.TokenABI, c.network.Token, target, receipt)
}

func (c *EthClient) Confirmations(ctx context.Context, receipt *types.Receipt) (uint64, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, classify("block number", err)
	}
	if receipt.BlockNumber == nil || !receipt.BlockNumber.IsUint64() {
		return 0, nil
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined + 1, nil
}

func (c *EthClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, classify("pending nonce", err)
	}
	return nonce, nil
}

func (c *EthClient) BuildTransfer(nonce uint64, recipient common.Address, amount *big.Int) (*types.Transaction, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid transfer amount %v", amount)
	}
	data, err := c.network.TokenABI.Pack("transfer", recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	token := c.network.Token
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).Set(c.network.GasPrice),
		Gas:      c.network.GasLimit,
		To:       &token,
		Value:    big.NewInt(0),
		Data:     data,
	}), nil
}

func (c *EthClient) Broadcast(ctx context.Context, signed *types.Transaction) (common.Hash, error) {
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classify("send transaction", err)
	}
	return signed.Hash(), nil
}

func (c *EthClient) HasTransaction(ctx context.Context, txHash common.Hash) (bool, error) {
	tx, _, err := c.backend.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify("transaction by hash", err)
	}
	return tx != nil, nil
}

// Close releases the node connection when the backend holds one.
func (c *EthClient) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	_, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return classify("block number", err)
	}
	return nil
}

// DecodeTransfer returns the live Transfer event emitted by token to target. Receipts from
// routers or fee-on-transfer tokens carry several transfers; when none reaches target the
// first one is returned so the caller can report where the tokens went.
func DecodeTransfer(tokenABI abi.ABI, token, target common.Address, receipt *types.Receipt) (*Transfer, error) {
	if receipt == nil {
		return nil, ErrReceiptNotFound
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: transaction reverted", ErrNoTransfer)
	}
	event, ok := tokenABI.Events["Transfer"]
	if !ok {
		return nil, errors.New("token abi has no Transfer event")
	}
	var first *Transfer
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Removed || lg.Address != token {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		value, ok := values[0].(*big.Int)
		if !ok {
			continue
		}
		tr := &Transfer{
			Token:    lg.Address,
			From:     common.BytesToAddress(lg.Topics[1].Bytes()),
			To:       common.BytesToAddress(lg.Topics[2].Bytes()),
			Value:    value,
			LogIndex: lg.Index,
		}
		if tr.To == target {
			return tr, nil
		}
		if first == nil {
			first = tr
		}
	}
	if first == nil {
		return nil, ErrNoTransfer
	}
	return first, nil
}

func classify(op string, err error) error {
	var (
		rpcErr  rpc.Error
		httpErr rpc.HTTPError
		netErr  net.Error
		urlErr  *url.Error
	)
	switch {
	case errors.As(err, &rpcErr), errors.As(err, &httpErr):
		return fmt.Errorf("%s: %w: %w", op, ErrRPC, err)
	case errors.As(err, &netErr), errors.As(err, &urlErr),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrNetworkUnreachable, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrRPC, err)
	}
}
