package service

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

// VerifySignature reports whether address signed message. EVM hex addresses
// use personal_sign recovery, anything else is tried as a Solana public key.
// Malformed input of any kind is a mismatch.
func VerifySignature(address, message, signature string) bool {
	if common.IsHexAddress(address) {
		return VerifyEVMSignature(address, message, signature)
	}
	return VerifySolanaSignature(address, message, signature)
}

// VerifyEVMSignature recovers the signer of an EIP-191 personal message and
// compares it with address, ignoring case.
func VerifyEVMSignature(address, message, signature string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	// wallets return V as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return false
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address)
}

// VerifySolanaSignature checks a base58 ed25519 signature over the raw
// message bytes against a base58 public key.
func VerifySolanaSignature(address, message, signature string) bool {
	pub, err := solana.PublicKeyFromBase58(strings.TrimSpace(address))
	if err != nil {
		return false
	}
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return sig.Verify(pub, []byte(message))
}
