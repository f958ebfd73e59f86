// Package relay turns a user's deposit claim on one network into a token payout on the paired network.
//
// A claim is honoured at most once: the per-claim lock serializes submissions of the same
// transaction hash, and the store's conditional write is the final arbiter. Payouts to the
// same network are serialized on a nonce lock so concurrent claims never reuse a nonce.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"bridgerelay/internal/claims"
	"bridgerelay/internal/conversion"
	"bridgerelay/internal/ledger"
	"bridgerelay/internal/lock"
	"bridgerelay/internal/log"
	"bridgerelay/internal/signer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	recordTimeout      = 30 * time.Second
	defaultCallTimeout = 20 * time.Second
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ClaimRequest is what a user submits: "I sent tokens to the bridge in TxHash on Network".
type ClaimRequest struct {
	TxHash  string `json:"txHash"`
	From    string `json:"from"`
	To      string `json:"to"`
	Network string `json:"network"`
}

// Result describes a completed payout.
type Result struct {
	TxHash         string   `json:"txHash"`
	PayoutNetwork  string   `json:"payoutNetwork"`
	PayoutTxHash   string   `json:"payoutTxHash"`
	SentAmount     *big.Int `json:"sentAmount"`
	ReceivedAmount *big.Int `json:"receivedAmount"`
}

// Deps are the collaborators of a Relay. Metrics, Logger and CallTimeout are optional.
type Deps struct {
	Store   claims.Store
	Ledgers *ledger.Registry
	Rule    *conversion.Rule
	Signer  signer.Signer
	Locker  lock.Locker
	Metrics *Metrics
	Logger  *log.Logger
	// CallTimeout bounds each ledger round trip.
	CallTimeout time.Duration
}

type Relay struct {
	target      common.Address
	store       claims.Store
	ledgers     *ledger.Registry
	rule        *conversion.Rule
	signer      signer.Signer
	locker      lock.Locker
	metrics     *Metrics
	logger      *log.Logger
	callTimeout time.Duration
}

// New builds a relay paying out deposits made to target. Networks with their own
// deposit address override target.
func New(target common.Address, deps Deps) (*Relay, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("relay: claim store is required")
	case deps.Ledgers == nil:
		return nil, errors.New("relay: ledger registry is required")
	case deps.Rule == nil:
		return nil, errors.New("relay: conversion rule is required")
	case deps.Signer == nil:
		return nil, errors.New("relay: signer is required")
	case deps.Locker == nil:
		return nil, errors.New("relay: locker is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = log.GetDefaultLogger()
	}
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = defaultCallTimeout
	}
	return &Relay{
		target:      target,
		store:       deps.Store,
		ledgers:     deps.Ledgers,
		rule:        deps.Rule,
		signer:      deps.Signer,
		locker:      deps.Locker,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		callTimeout: deps.CallTimeout,
	}, nil
}

func (r *Relay) Metrics() *Metrics {
	return r.metrics
}

// TargetFor returns the address deposits on network must be sent to.
func (r *Relay) TargetFor(network string) common.Address {
	if c, ok := r.ledgers.Get(network); ok {
		if dep := c.Network().DepositAddress; dep != nil {
			return *dep
		}
	}
	return r.target
}

// Submit validates a claim against the source ledger and, when it holds, pays out the
// converted amount to the depositor on the destination network.
func (r *Relay) Submit(ctx context.Context, req ClaimRequest) (res *Result, err error) {
	start := time.Now()
	defer func() {
		result := "processed"
		if err != nil {
			result = string(KindOf(err))
		}
		r.metrics.observeClaim(result, time.Since(start))
	}()

	claim, err := normalize(req)
	if err != nil {
		return nil, err
	}
	logger := r.logger.WithFields("txHash", claim.TxHash, "network", claim.Network)

	unlock, err := r.locker.Lock(ctx, "claim:"+claim.TxHash)
	if err != nil {
		return nil, fmt.Errorf("acquire claim lock: %w", err)
	}
	defer unlock()

	existing, err := r.store.FindByHash(ctx, claim.TxHash)
	if err != nil {
		return nil, fmt.Errorf("find claim: %w", err)
	}
	if existing != nil && existing.Processed {
		logger.Infof("claim already processed by payout %s", existing.PayoutTxHash)
		return nil, ErrAlreadyProcessed
	}
	if existing != nil && existing.Status == claims.StatusBroadcast {
		return nil, r.reconcile(ctx, logger, existing)
	}
	if existing == nil {
		if _, err := r.store.InsertIfAbsent(ctx, claim); err != nil {
			return nil, fmt.Errorf("insert claim: %w", err)
		}
	}

	res, err = r.process(ctx, logger, claim)
	if err != nil {
		if !errors.Is(err, ErrAlreadyProcessed) {
			logger.Warnf("claim rejected: %v", err)
			r.markFailed(ctx, logger, claim.TxHash, err)
		}
		return nil, err
	}
	logger.Infof("claim processed: sent %s, paid %s on %s in %s",
		res.SentAmount, res.ReceivedAmount, res.PayoutNetwork, res.PayoutTxHash)
	return res, nil
}

func (r *Relay) process(ctx context.Context, logger *log.Logger, claim claims.Claim) (*Result, error) {
	target := r.TargetFor(claim.Network)
	if common.HexToAddress(claim.To) != target {
		return nil, fmt.Errorf("%w: expected %s", ErrInvalidTarget, target.Hex())
	}

	source, ok := r.ledgers.Get(claim.Network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, claim.Network)
	}
	destName, ok := r.rule.Destination(claim.Network)
	if !ok {
		return nil, fmt.Errorf("%w: no payout route from %s", ErrUnsupportedNetwork, claim.Network)
	}
	dest, ok := r.ledgers.Get(destName)
	if !ok {
		return nil, fmt.Errorf("%w: payout network %s is not connected", ErrUnsupportedNetwork, destName)
	}

	receipt, err := r.receipt(ctx, source, common.HexToHash(claim.TxHash))
	if errors.Is(err, ledger.ErrReceiptNotFound) {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownTransaction, claim.TxHash, claim.Network)
	}
	if err != nil {
		return nil, err
	}

	transfer, err := source.DecodeTransfer(receipt, target)
	if errors.Is(err, ledger.ErrNoTransfer) {
		return nil, fmt.Errorf("%w: %v", ErrNoTransferFound, err)
	}
	if err != nil {
		return nil, err
	}

	depositor := common.HexToAddress(claim.From)
	if transfer.From != depositor {
		return nil, fmt.Errorf("%w: transfer is from %s", ErrFromMismatch, transfer.From.Hex())
	}
	if transfer.To != target {
		return nil, fmt.Errorf("%w: transfer is to %s", ErrTargetMismatch, transfer.To.Hex())
	}

	amount, err := r.rule.Convert(claim.Network, destName, transfer.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: deposit of %s converts to a zero payout", ErrInvalidArgument, transfer.Value)
	}

	payout, err := r.payout(ctx, logger, claim.TxHash, dest, depositor, transfer.Value, amount)
	if err != nil {
		return nil, err
	}

	// the payout is on the wire; the record must not be lost to a cancelled request
	recordCtx, cancel := detached(ctx, recordTimeout)
	defer cancel()
	err = r.store.MarkProcessed(recordCtx, claim.TxHash, payout)
	switch {
	case errors.Is(err, claims.ErrAlreadyProcessed):
		logger.Errorf("double payout: claim was processed concurrently, extra payout %s on %s", payout.TxHash, destName)
		return nil, ErrAlreadyProcessed
	case err != nil:
		logger.Errorf("payout %s on %s sent but not recorded, claim held for reconciliation: %v", payout.TxHash, destName, err)
		return nil, fmt.Errorf("%w: payout %s: %w", ErrRecordFailed, payout.TxHash, err)
	}

	return &Result{
		TxHash:         claim.TxHash,
		PayoutNetwork:  destName,
		PayoutTxHash:   payout.TxHash,
		SentAmount:     new(big.Int).Set(transfer.Value),
		ReceivedAmount: amount,
	}, nil
}

// receipt fetches the deposit receipt and checks it is deep enough to pay out.
func (r *Relay) receipt(ctx context.Context, source ledger.Client, txHash common.Hash) (*types.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	receipt, err := source.Receipt(callCtx, txHash)
	if err != nil {
		return nil, err
	}
	need := source.Network().MinConfirmations
	if need == 0 {
		return receipt, nil
	}
	have, err := source.Confirmations(callCtx, receipt)
	if err != nil {
		return nil, err
	}
	if have < need {
		return nil, fmt.Errorf("%w: %d of %d", ErrNotFinal, have, need)
	}
	return receipt, nil
}

// payout sends amount to recipient on dest while holding the network's nonce lock.
// The signed transaction is recorded against the claim before it is sent.
func (r *Relay) payout(ctx context.Context, logger *log.Logger, claimHash string, dest ledger.Client,
	recipient common.Address, sent, amount *big.Int) (claims.Payout, error) {
	network := dest.Network()
	unlock, err := r.locker.Lock(ctx, "nonce:"+network.Name)
	if err != nil {
		return claims.Payout{}, fmt.Errorf("acquire nonce lock: %w", err)
	}
	defer unlock()

	signed, err := r.signPayout(ctx, dest, recipient, amount)
	if err != nil {
		r.metrics.incPayout(network.Name, "failed")
		return claims.Payout{}, fmt.Errorf("%w: %w", ErrPayoutBroadcastFailed, err)
	}
	hash := signed.Hash()
	payout := claims.Payout{TxHash: hash.Hex(), SentAmount: sent, ReceivedAmount: amount}

	recordCtx, cancelRecord := detached(ctx, recordTimeout)
	defer cancelRecord()
	switch err := r.store.MarkBroadcast(recordCtx, claimHash, payout); {
	case errors.Is(err, claims.ErrAlreadyProcessed):
		return claims.Payout{}, ErrAlreadyProcessed
	case err != nil:
		return claims.Payout{}, fmt.Errorf("%w: record payout %s before sending: %w", ErrRecordFailed, hash.Hex(), err)
	}

	// once recorded, the send runs to completion even if the caller goes away
	sendCtx, cancelSend := detached(ctx, r.callTimeout)
	defer cancelSend()
	_, sendErr := dest.Broadcast(sendCtx, signed)
	if errors.Is(sendErr, ledger.ErrNetworkUnreachable) {
		// the node may have taken the transaction before the reply was lost
		lookupCtx, cancelLookup := detached(ctx, r.callTimeout)
		known, lookupErr := dest.HasTransaction(lookupCtx, hash)
		cancelLookup()
		switch {
		case lookupErr != nil:
			r.metrics.incPayout(network.Name, "unknown")
			logger.Errorf("payout %s on %s: send outcome unknown, claim held for reconciliation: %v", hash.Hex(), network.Name, lookupErr)
			return claims.Payout{}, fmt.Errorf("%w: outcome of payout %s unknown: %w", ErrPayoutBroadcastFailed, hash.Hex(), sendErr)
		case known:
			logger.Warnf("payout %s on %s accepted despite send error: %v", hash.Hex(), network.Name, sendErr)
			sendErr = nil
		}
	}
	if sendErr != nil {
		r.metrics.incPayout(network.Name, "failed")
		if err := r.store.ReleasePayout(recordCtx, claimHash); err != nil {
			logger.Errorf("release rejected payout %s: %v", hash.Hex(), err)
		}
		return claims.Payout{}, fmt.Errorf("%w: %w", ErrPayoutBroadcastFailed, sendErr)
	}

	r.metrics.incPayout(network.Name, "sent")
	r.metrics.setNonce(network.Name, signed.Nonce())
	logger.Debugf("payout %s broadcast on %s with nonce %d", hash.Hex(), network.Name, signed.Nonce())
	return payout, nil
}

func (r *Relay) signPayout(ctx context.Context, dest ledger.Client, recipient common.Address, amount *big.Int) (*types.Transaction, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	nonce, err := dest.PendingNonce(callCtx, r.signer.Address())
	if err != nil {
		return nil, err
	}
	tx, err := dest.BuildTransfer(nonce, recipient, amount)
	if err != nil {
		return nil, err
	}
	return r.signer.Sign(dest.Network().ChainID, tx)
}

// reconcile settles a claim whose payout was sent but not recorded. It never sends again:
// the claim is marked processed once the payout is found on the destination network and
// stays held otherwise.
func (r *Relay) reconcile(ctx context.Context, logger *log.Logger, c *claims.Claim) error {
	held := fmt.Errorf("%w: payout %s is awaiting reconciliation", ErrRecordFailed, c.PayoutTxHash)
	destName, ok := r.rule.Destination(c.Network)
	if !ok {
		return held
	}
	dest, ok := r.ledgers.Get(destName)
	if !ok {
		return held
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	known, err := dest.HasTransaction(callCtx, common.HexToHash(c.PayoutTxHash))
	if err != nil || !known {
		logger.Warnf("payout %s not confirmed on %s (err=%v), claim stays held", c.PayoutTxHash, destName, err)
		return held
	}

	recordCtx, cancelRecord := detached(ctx, recordTimeout)
	defer cancelRecord()
	err = r.store.MarkProcessed(recordCtx, c.TxHash, claims.Payout{
		TxHash:         c.PayoutTxHash,
		SentAmount:     c.SentAmount,
		ReceivedAmount: c.ReceivedAmount,
	})
	if err != nil && !errors.Is(err, claims.ErrAlreadyProcessed) {
		return fmt.Errorf("%w: payout %s: %w", ErrRecordFailed, c.PayoutTxHash, err)
	}
	logger.Infof("recorded payout %s found on %s", c.PayoutTxHash, destName)
	return ErrAlreadyProcessed
}

// detached outlives ctx's cancellation but not its values.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (r *Relay) markFailed(ctx context.Context, logger *log.Logger, txHash string, cause error) {
	ctx, cancel := detached(ctx, recordTimeout)
	defer cancel()
	if err := r.store.MarkFailed(ctx, txHash, cause.Error()); err != nil {
		logger.Warnf("record claim failure: %v", err)
	}
}

// ListTransactions pages through the claims submitted from wallet, newest first.
func (r *Relay) ListTransactions(ctx context.Context, wallet string, page, pageSize int) ([]claims.Claim, error) {
	wallet = strings.TrimSpace(wallet)
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("%w: wallet %q is not an address", ErrInvalidArgument, wallet)
	}
	out, err := r.store.ListByAddress(ctx, common.HexToAddress(wallet).Hex(), page, pageSize)
	if errors.Is(err, claims.ErrInvalidPage) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return out, err
}

// Claim returns the stored claim for txHash, or nil when none exists.
func (r *Relay) Claim(ctx context.Context, txHash string) (*claims.Claim, error) {
	txHash = strings.TrimSpace(txHash)
	if !txHashPattern.MatchString(txHash) {
		return nil, fmt.Errorf("%w: malformed transaction hash", ErrInvalidArgument)
	}
	return r.store.FindByHash(ctx, txHash)
}

func normalize(req ClaimRequest) (claims.Claim, error) {
	var (
		hash    = strings.TrimSpace(req.TxHash)
		from    = strings.TrimSpace(req.From)
		to      = strings.TrimSpace(req.To)
		network = strings.TrimSpace(req.Network)
	)
	switch {
	case !txHashPattern.MatchString(hash):
		return claims.Claim{}, fmt.Errorf("%w: malformed transaction hash %q", ErrInvalidArgument, req.TxHash)
	case !common.IsHexAddress(from):
		return claims.Claim{}, fmt.Errorf("%w: malformed from address %q", ErrInvalidArgument, req.From)
	case !common.IsHexAddress(to):
		return claims.Claim{}, fmt.Errorf("%w: malformed to address %q", ErrInvalidArgument, req.To)
	case network == "":
		return claims.Claim{}, fmt.Errorf("%w: network is required", ErrInvalidArgument)
	}
	return claims.Claim{
		TxHash:  claims.NormalizeHash(hash),
		From:    common.HexToAddress(from).Hex(),
		To:      common.HexToAddress(to).Hex(),
		Network: network,
	}, nil
}
