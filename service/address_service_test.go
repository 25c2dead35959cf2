package service

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveReceivingAddresses(t *testing.T) {
	addrs, err := DeriveReceivingAddresses(testMnemonic, 2, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	assert.Equal(t, "m/44'/60'/0'/0/0", addrs[0].EVMPath)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", addrs[0].EVMAddress)
	assert.Equal(t, "m/84'/0'/0'/0/0", addrs[0].BTCPath)
	assert.Equal(t, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu", addrs[0].BTCAddress)

	assert.Equal(t, uint32(1), addrs[1].Index)
	assert.NotEqual(t, addrs[0].EVMAddress, addrs[1].EVMAddress)
	assert.NotEqual(t, addrs[0].BTCAddress, addrs[1].BTCAddress)
}

func TestDeriveReceivingAddresses_Testnet(t *testing.T) {
	addrs, err := DeriveReceivingAddresses(testMnemonic, 1, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addrs[0].BTCAddress, "tb1q"))
	assert.Equal(t, "m/84'/1'/0'/0/0", addrs[0].BTCPath)
}

func TestDeriveReceivingAddresses_Invalid(t *testing.T) {
	_, err := DeriveReceivingAddresses("abandon abandon", 1, &chaincfg.MainNetParams)
	assert.ErrorIs(t, err, ErrInvalidMnemonic)

	_, err = DeriveReceivingAddresses(testMnemonic, 0, &chaincfg.MainNetParams)
	assert.Error(t, err)
}

func TestNewMnemonic(t *testing.T) {
	m, err := NewMnemonic()
	require.NoError(t, err)
	assert.Len(t, strings.Fields(m), 24)
	assert.True(t, bip39.IsMnemonicValid(m))
}
