package ledger

import (
	"context"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var (
	testToken  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testFrom   = common.HexToAddress("0x0000000000000000000000000000000000000111")
	testTarget = common.HexToAddress("0x0000000000000000000000000000000000000222")
)

func newTestClient(t *testing.T) (*EthClient, *FakeBackend) {
	t.Helper()
	tokenABI, err := LoadTokenABI("")
	require.NoError(t, err)
	backend := NewFakeBackend(big.NewInt(11155111))
	c, err := NewEthClient(Network{
		Name:     "Sepolia",
		ChainID:  big.NewInt(11155111),
		GasPrice: big.NewInt(4_000_000_000),
		GasLimit: 210000,
		Token:    testToken,
		TokenABI: tokenABI,
	}, backend)
	require.NoError(t, err)
	return c, backend
}

func TestDecodeTransfer(t *testing.T) {
	c, _ := newTestClient(t)
	tokenABI := c.Network().TokenABI

	good, err := TransferReceipt(tokenABI, testToken, testFrom, testTarget, big.NewInt(1000))
	require.NoError(t, err)

	otherToken, err := TransferReceipt(tokenABI, common.HexToAddress("0xbb"), testFrom, testTarget, big.NewInt(5))
	require.NoError(t, err)

	removed, err := TransferReceipt(tokenABI, testToken, testFrom, testTarget, big.NewInt(7))
	require.NoError(t, err)
	removed.Logs[0].Removed = true

	reverted, err := TransferReceipt(tokenABI, testToken, testFrom, testTarget, big.NewInt(1000))
	require.NoError(t, err)
	reverted.Status = types.ReceiptStatusFailed

	mixed := &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: append(otherToken.Logs, good.Logs...)}

	// a fee-on-transfer token moves a cut elsewhere before crediting the target
	fee, err := TransferReceipt(tokenABI, testToken, testFrom, common.HexToAddress("0xfee"), big.NewInt(3))
	require.NoError(t, err)
	withFee := &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: append(fee.Logs, good.Logs...)}

	tests := []struct {
		name      string
		receipt   *types.Receipt
		wantTo    common.Address
		wantValue int64
		wantErr   error
	}{
		{name: "single transfer", receipt: good, wantTo: testTarget, wantValue: 1000},
		{name: "skips logs from other contracts", receipt: mixed, wantTo: testTarget, wantValue: 1000},
		{name: "prefers the transfer to the target", receipt: withFee, wantTo: testTarget, wantValue: 1000},
		{name: "falls back to the first transfer", receipt: fee, wantTo: common.HexToAddress("0xfee"), wantValue: 3},
		{name: "other token only", receipt: otherToken, wantErr: ErrNoTransfer},
		{name: "removed log", receipt: removed, wantErr: ErrNoTransfer},
		{name: "reverted transaction", receipt: reverted, wantErr: ErrNoTransfer},
		{name: "no logs", receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}, wantErr: ErrNoTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := c.DecodeTransfer(tt.receipt, testTarget)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, testFrom, tr.From)
			require.Equal(t, tt.wantTo, tr.To)
			require.Equal(t, testToken, tr.Token)
			require.Equal(t, tt.wantValue, tr.Value.Int64())
		})
	}
}

func TestReceiptAndConfirmations(t *testing.T) {
	c, backend := newTestClient(t)
	ctx := context.Background()

	_, err := c.Receipt(ctx, common.HexToHash("0xdead"))
	require.ErrorIs(t, err, ErrReceiptNotFound)

	r, err := TransferReceipt(c.Network().TokenABI, testToken, testFrom, testTarget, big.NewInt(1))
	require.NoError(t, err)
	hash := common.HexToHash("0xabc")
	backend.AddReceipt(hash, r)

	got, err := c.Receipt(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, hash, got.TxHash)

	confs, err := c.Confirmations(ctx, got)
	require.NoError(t, err)
	require.EqualValues(t, 1, confs)

	backend.AdvanceHead(11)
	confs, err = c.Confirmations(ctx, got)
	require.NoError(t, err)
	require.EqualValues(t, 12, confs)
}

func TestBuildTransferAndBroadcast(t *testing.T) {
	c, backend := newTestClient(t)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.PendingNonce(ctx, sender)
	require.NoError(t, err)
	require.Zero(t, nonce)

	tx, err := c.BuildTransfer(nonce, testFrom, big.NewInt(1085))
	require.NoError(t, err)
	require.Equal(t, testToken, *tx.To())
	require.Zero(t, tx.Value().Sign())
	require.EqualValues(t, 210000, tx.Gas())
	require.Equal(t, big.NewInt(4_000_000_000), tx.GasPrice())

	network := c.Network()
	method, err := network.TokenABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "transfer", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, testFrom, args[0].(common.Address))
	require.Equal(t, "1085", args[1].(*big.Int).String())

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(network.ChainID), key)
	require.NoError(t, err)

	known, err := c.HasTransaction(ctx, signed.Hash())
	require.NoError(t, err)
	require.False(t, known)

	hash, err := c.Broadcast(ctx, signed)
	require.NoError(t, err)
	require.Equal(t, signed.Hash(), hash)
	require.Len(t, backend.Sent(), 1)

	known, err = c.HasTransaction(ctx, hash)
	require.NoError(t, err)
	require.True(t, known)

	backend.LookupErr = &net.OpError{Op: "dial", Err: errors.New("refused")}
	_, err = c.HasTransaction(ctx, hash)
	require.ErrorIs(t, err, ErrNetworkUnreachable)
	backend.LookupErr = nil

	// replaying the same nonce is rejected by the node
	_, err = c.Broadcast(ctx, signed)
	require.ErrorIs(t, err, ErrRPC)

	_, err = c.BuildTransfer(1, testFrom, big.NewInt(0))
	require.Error(t, err)
}

type codeErr struct{}

func (codeErr) Error() string  { return "insufficient funds for gas * price + value" }
func (codeErr) ErrorCode() int { return -32000 }

func TestClassify(t *testing.T) {
	require.ErrorIs(t, classify("op", codeErr{}), ErrRPC)
	require.ErrorIs(t, classify("op", &net.OpError{Op: "dial", Err: errors.New("refused")}), ErrNetworkUnreachable)
	require.ErrorIs(t, classify("op", context.DeadlineExceeded), ErrNetworkUnreachable)
	require.ErrorIs(t, classify("op", errors.New("weird")), ErrRPC)

	wrapped := classify("op", codeErr{})
	var ce codeErr
	require.ErrorAs(t, wrapped, &ce)
}

func TestLostReplyStillAcceptsTransaction(t *testing.T) {
	c, backend := newTestClient(t)
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx, err := c.BuildTransfer(0, testFrom, big.NewInt(1))
	require.NoError(t, err)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(11155111)), key)
	require.NoError(t, err)

	backend.SendAckErr = context.DeadlineExceeded
	_, err = c.Broadcast(ctx, signed)
	require.ErrorIs(t, err, ErrNetworkUnreachable)

	known, err := c.HasTransaction(ctx, signed.Hash())
	require.NoError(t, err)
	require.True(t, known)
}

func TestStalledNodeHonoursDeadline(t *testing.T) {
	c, backend := newTestClient(t)
	backend.Stall = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Receipt(ctx, common.HexToHash("0xabc"))
	require.ErrorIs(t, err, ErrNetworkUnreachable)
}

func TestRegistry(t *testing.T) {
	c, _ := newTestClient(t)
	r, err := NewRegistry(c)
	require.NoError(t, err)

	got, ok := r.Get("Sepolia")
	require.True(t, ok)
	require.Equal(t, c, got)
	_, ok = r.Get("sepolia")
	require.False(t, ok)
	require.Equal(t, []string{"Sepolia"}, r.Names())

	_, err = NewRegistry(c, c)
	require.Error(t, err)
}

func TestLoadTokenABIRejectsIncompleteABI(t *testing.T) {
	_, err := LoadTokenABI("/does/not/exist.json")
	require.Error(t, err)
}
