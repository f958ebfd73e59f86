package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeBackend is an in-memory chain for tests.
// Sent transactions must carry the sender's next nonce, like a real node would require.
type FakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	head     uint64
	receipts map[common.Hash]*types.Receipt
	nonces   map[common.Address]uint64
	sent     []*types.Transaction

	// SendErr, when set, is returned by SendTransaction and the transaction is dropped.
	SendErr error
	// SendAckErr, when set, is returned by SendTransaction after the transaction is accepted,
	// as when the node's reply is lost.
	SendAckErr error
	// LookupErr, when set, is returned by TransactionByHash.
	LookupErr error
	// Stall makes every call block until its context is done.
	Stall bool
	// ReceiptErr, when set, is returned by TransactionReceipt.
	ReceiptErr error
	// HeadErr, when set, is returned by BlockNumber.
	HeadErr error
}

func NewFakeBackend(chainID *big.Int) *FakeBackend {
	return &FakeBackend{
		chainID:  chainID,
		head:     100,
		receipts: make(map[common.Hash]*types.Receipt),
		nonces:   make(map[common.Address]uint64),
	}
}

// AddReceipt registers a mined receipt at the current head.
func (f *FakeBackend) AddReceipt(txHash common.Hash, receipt *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt.TxHash = txHash
	if receipt.BlockNumber == nil {
		receipt.BlockNumber = new(big.Int).SetUint64(f.head)
	}
	f.receipts[txHash] = receipt
}

// AdvanceHead mines n empty blocks.
func (f *FakeBackend) AdvanceHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head += n
}

// Sent returns the transactions accepted so far.
func (f *FakeBackend) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

// stall blocks until ctx is done when Stall is set.
func (f *FakeBackend) stall(ctx context.Context) error {
	f.mu.Lock()
	stall := f.Stall
	f.mu.Unlock()
	if !stall {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *FakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := f.stall(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReceiptErr != nil {
		return nil, f.ReceiptErr
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *FakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := f.stall(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *FakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := f.stall(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if want := f.nonces[from]; tx.Nonce() != want {
		return fmt.Errorf("nonce mismatch: have %d, want %d", tx.Nonce(), want)
	}
	f.nonces[from]++
	f.sent = append(f.sent, tx)
	f.head++
	return f.SendAckErr
}

func (f *FakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := f.stall(ctx); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LookupErr != nil {
		return nil, false, f.LookupErr
	}
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *FakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if err := f.stall(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HeadErr != nil {
		return 0, f.HeadErr
	}
	return f.head, nil
}

// TransferReceipt builds a successful receipt holding one token Transfer log.
func TransferReceipt(tokenABI abi.ABI, token, from, to common.Address, value *big.Int) (*types.Receipt, error) {
	event, ok := tokenABI.Events["Transfer"]
	if !ok {
		return nil, errors.New("token abi has no Transfer event")
	}
	data, err := event.Inputs.NonIndexed().Pack(value)
	if err != nil {
		return nil, err
	}
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: token,
			Topics: []common.Hash{
				event.ID,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(to.Bytes()),
			},
			Data: data,
		}},
	}, nil
}
