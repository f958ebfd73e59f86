package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Network describes one supported chain. Values are fixed at startup.
type Network struct {
	Name    string
	RPCURL  string
	ChainID *big.Int
	// POA marks proof-of-authority chains (clique, parlia). go-ethereum decodes their
	// headers natively, so the flag is informational.
	POA      bool
	GasPrice *big.Int
	GasLimit uint64

	Token         common.Address
	TokenDecimals uint8
	TokenABI      abi.ABI

	// DepositAddress overrides the bridge-wide target address for deposits on this network.
	DepositAddress *common.Address
	// MinConfirmations is the depth a deposit receipt needs before it is paid out. 0 disables the check.
	MinConfirmations uint64
}
