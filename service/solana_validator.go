package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/btc_explorer/logger"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// SolanaClient is the subset of *rpc.Client used to read payments.
type SolanaClient interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// SolanaValidator accepts a confirmed transaction that executed without
// error and raised the receiving account's balance by at least minLamports.
type SolanaValidator struct {
	chain       Chain
	client      SolanaClient
	receiver    solana.PublicKey
	minLamports uint64
}

func NewSolanaValidator(client SolanaClient, receiver string, minLamports uint64) (*SolanaValidator, error) {
	key, err := solana.PublicKeyFromBase58(receiver)
	if err != nil {
		return nil, fmt.Errorf("invalid receiving address: %w", err)
	}
	if minLamports == 0 {
		return nil, errors.New("minimum payment must be positive")
	}
	return &SolanaValidator{
		chain:       knownChains["solana"],
		client:      client,
		receiver:    key,
		minLamports: minLamports,
	}, nil
}

func (v *SolanaValidator) Validate(ctx context.Context, proof PaymentProof) bool {
	payment, err := v.observe(ctx, proof.TxRef)
	if err != nil {
		logger.Info("solana validator: payment rejected", zap.String("tx", proof.TxRef), zap.Error(err))
		return false
	}
	return payment.satisfies(v.receiver.String(), new(big.Int).SetUint64(v.minLamports))
}

func (v *SolanaValidator) observe(ctx context.Context, txRef string) (*ObservedPayment, error) {
	sig, err := solana.SignatureFromBase58(txRef)
	if err != nil {
		return nil, fmt.Errorf("malformed transaction signature: %w", err)
	}

	maxVersion := uint64(0)
	res, err := v.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return nil, errors.New("transaction not found")
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	payment := &ObservedPayment{
		TxRef:     sig.String(),
		Chain:     v.chain,
		Amount:    new(big.Int),
		Confirmed: res.Meta.Err == nil,
	}
	pre, post := res.Meta.PreBalances, res.Meta.PostBalances
	for i, key := range tx.Message.AccountKeys {
		if !key.Equals(v.receiver) || i >= len(pre) || i >= len(post) {
			continue
		}
		payment.Recipient = key.String()
		if post[i] > pre[i] {
			payment.Amount.SetUint64(post[i] - pre[i])
		}
		break
	}
	return payment, nil
}
