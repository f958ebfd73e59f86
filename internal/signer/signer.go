package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs payout transactions. The private key never leaves the implementation.
type Signer interface {
	Address() common.Address
	Sign(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// KeySigner holds a secp256k1 key in memory.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// FromHex builds a signer from a hex private key, with or without 0x prefix.
func FromHex(hexKey string) (*KeySigner, error) {
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return New(key), nil
}

// FromKeystore decrypts a geth keystore file.
func FromKeystore(path, password string) (*KeySigner, error) {
	blob, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(blob, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return New(key.PrivateKey), nil
}

func New(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

// Sign applies EIP-155 replay protection for chainID.
func (s *KeySigner) Sign(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("private key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
