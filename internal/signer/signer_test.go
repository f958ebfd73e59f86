package signer

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// well-known hardhat account #0
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestFromHex(t *testing.T) {
	s, err := FromHex(testKey)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	noPrefix, err := FromHex(testKey[2:])
	require.NoError(t, err)
	require.Equal(t, s.Address(), noPrefix.Address())

	_, err = FromHex("")
	require.Error(t, err)
	_, err = FromHex("0xnothex")
	require.Error(t, err)
}

func TestSignIsDeterministicAndRecoverable(t *testing.T) {
	s, err := FromHex(testKey)
	require.NoError(t, err)

	to := common.HexToAddress("0x01")
	tx := types.NewTx(&types.LegacyTx{Nonce: 3, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(0)})

	chainID := big.NewInt(56)
	a, err := s.Sign(chainID, tx)
	require.NoError(t, err)
	b, err := s.Sign(chainID, tx)
	require.NoError(t, err)
	require.Equal(t, a.Hash(), b.Hash())
	require.Equal(t, chainID, a.ChainId())

	from, err := types.Sender(types.LatestSignerForChainID(chainID), a)
	require.NoError(t, err)
	require.Equal(t, s.Address(), from)

	_, err = s.Sign(nil, tx)
	require.Error(t, err)
}

func TestFromKeystore(t *testing.T) {
	key, err := crypto.HexToECDSA(testKey[2:])
	require.NoError(t, err)

	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s, err := FromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	_, err = FromKeystore(path, "wrong")
	require.Error(t, err)
}
