package relay

import (
	"errors"

	"bridgerelay/internal/ledger"
)

var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrAlreadyProcessed      = errors.New("this transaction has already been processed")
	ErrInvalidTarget         = errors.New("invalid target address")
	ErrUnsupportedNetwork    = errors.New("unsupported network")
	ErrUnknownTransaction    = errors.New("unknown transaction")
	ErrNotFinal              = errors.New("deposit does not have enough confirmations")
	ErrNoTransferFound       = errors.New("no token transfer found in the transaction")
	ErrFromMismatch          = errors.New("transfer sender does not match the claimed sender")
	ErrTargetMismatch        = errors.New("asset was not transferred to the target address")
	ErrPayoutBroadcastFailed = errors.New("payout broadcast failed")
	ErrRecordFailed          = errors.New("payout sent but not recorded")
)

// Kind is the wire name of an error class.
type Kind string

const (
	KindNone                  Kind = ""
	KindInvalidArgument       Kind = "InvalidArgument"
	KindAlreadyProcessed      Kind = "AlreadyProcessed"
	KindInvalidTarget         Kind = "InvalidTarget"
	KindUnsupportedNetwork    Kind = "UnsupportedNetwork"
	KindUnknownTransaction    Kind = "UnknownTransaction"
	KindNotFinal              Kind = "NotFinal"
	KindNoTransferFound       Kind = "NoTransferFound"
	KindFromMismatch          Kind = "FromMismatch"
	KindTargetMismatch        Kind = "TargetMismatch"
	KindPayoutBroadcastFailed Kind = "PayoutBroadcastFailed"
	KindRecordFailed          Kind = "RecordFailed"
	KindNetworkUnreachable    Kind = "NetworkUnreachable"
	KindRPCError              Kind = "RpcError"
	KindInternal              Kind = "Internal"
)

// ordered: broadcast failures wrap ledger errors and must win over them
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrAlreadyProcessed, KindAlreadyProcessed},
	{ErrInvalidTarget, KindInvalidTarget},
	{ErrUnsupportedNetwork, KindUnsupportedNetwork},
	{ErrUnknownTransaction, KindUnknownTransaction},
	{ErrNotFinal, KindNotFinal},
	{ErrNoTransferFound, KindNoTransferFound},
	{ErrFromMismatch, KindFromMismatch},
	{ErrTargetMismatch, KindTargetMismatch},
	{ErrPayoutBroadcastFailed, KindPayoutBroadcastFailed},
	{ErrRecordFailed, KindRecordFailed},
	{ledger.ErrNetworkUnreachable, KindNetworkUnreachable},
	{ledger.ErrRPC, KindRPCError},
}

// KindOf classifies err. nil maps to KindNone, anything unknown to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
