package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ERC20ABI is the subset of the ERC-20 interface the relay relies on.
const ERC20ABI = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "from", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "value", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "to", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "transfer",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "address", "name": "account", "type": "address"}],
    "name": "balanceOf",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

// LoadTokenABI parses the ABI at path, or the embedded ERC-20 ABI when path is empty,
// and checks it carries the Transfer event and transfer method the relay needs.
func LoadTokenABI(path string) (abi.ABI, error) {
	raw := ERC20ABI
	if path != "" {
		blob, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read token abi: %w", err)
		}
		raw = string(blob)
	}
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse token abi: %w", err)
	}
	if err := checkTokenABI(parsed); err != nil {
		return abi.ABI{}, err
	}
	return parsed, nil
}

func checkTokenABI(parsed abi.ABI) error {
	ev, ok := parsed.Events["Transfer"]
	if !ok {
		return errors.New("token abi has no Transfer event")
	}
	if len(ev.Inputs) != 3 || !ev.Inputs[0].Indexed || !ev.Inputs[1].Indexed || ev.Inputs[2].Indexed {
		return errors.New("token abi Transfer event must be Transfer(address indexed, address indexed, uint256)")
	}
	if _, ok := parsed.Methods["transfer"]; !ok {
		return errors.New("token abi has no transfer method")
	}
	return nil
}
