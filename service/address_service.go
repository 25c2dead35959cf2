package service

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// ReceivingAddress is one derived payment address pair.
type ReceivingAddress struct {
	Index      uint32
	EVMPath    string
	EVMAddress string
	BTCPath    string
	BTCAddress string
}

// NewMnemonic generates a 24-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

func deriveChild(parent *hdkeychain.ExtendedKey, path ...uint32) (*hdkeychain.ExtendedKey, error) {
	key := parent
	for _, index := range path {
		child, err := key.Derive(index)
		if err != nil {
			return nil, err
		}
		key = child
	}
	return key, nil
}

// DeriveReceivingAddresses derives count EVM (BIP-44, m/44'/60'/0'/0/i) and
// native segwit Bitcoin (BIP-84, m/84'/coin'/0'/0/i) receiving addresses.
func DeriveReceivingAddresses(mnemonic string, count int, net *chaincfg.Params) ([]ReceivingAddress, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	if count <= 0 {
		return nil, errors.New("count must be positive")
	}
	seed := bip39.NewSeed(mnemonic, "")

	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	const hardened = hdkeychain.HardenedKeyStart
	evmChange, err := deriveChild(master, hardened+44, hardened+60, hardened+0, 0)
	if err != nil {
		return nil, fmt.Errorf("derive evm account: %w", err)
	}
	btcChange, err := deriveChild(master, hardened+84, hardened+net.HDCoinType, hardened+0, 0)
	if err != nil {
		return nil, fmt.Errorf("derive bitcoin account: %w", err)
	}

	addresses := make([]ReceivingAddress, 0, count)
	for i := uint32(0); i < uint32(count); i++ {
		evmKey, err := evmChange.Derive(i)
		if err != nil {
			return nil, fmt.Errorf("derive evm index %d: %w", i, err)
		}
		evmPub, err := evmKey.ECPubKey()
		if err != nil {
			return nil, err
		}
		evmAddr, err := evmAddress(evmPub)
		if err != nil {
			return nil, err
		}

		btcKey, err := btcChange.Derive(i)
		if err != nil {
			return nil, fmt.Errorf("derive bitcoin index %d: %w", i, err)
		}
		btcPub, err := btcKey.ECPubKey()
		if err != nil {
			return nil, err
		}
		wpkh, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(btcPub.SerializeCompressed()), net)
		if err != nil {
			return nil, fmt.Errorf("encode segwit address: %w", err)
		}

		addresses = append(addresses, ReceivingAddress{
			Index:      i,
			EVMPath:    fmt.Sprintf("m/44'/60'/0'/0/%d", i),
			EVMAddress: evmAddr,
			BTCPath:    fmt.Sprintf("m/84'/%d'/0'/0/%d", net.HDCoinType, i),
			BTCAddress: wpkh.EncodeAddress(),
		})
	}
	return addresses, nil
}

func evmAddress(pub *btcec.PublicKey) (string, error) {
	ecdsaPub, err := crypto.DecompressPubkey(pub.SerializeCompressed())
	if err != nil {
		return "", fmt.Errorf("decompress public key: %w", err)
	}
	return crypto.PubkeyToAddress(*ecdsaPub).Hex(), nil
}
