package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/btc_explorer/esplora"
	"github.com/btc_explorer/logger"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"
)

// BitcoinTxFetcher is the subset of *esplora.Client used to read payments.
type BitcoinTxFetcher interface {
	Transaction(ctx context.Context, txid string) (*esplora.Transaction, error)
}

// BitcoinValidator accepts a transaction mined in a block with one output
// paying at least minSats to the receiving address.
type BitcoinValidator struct {
	chain    Chain
	client   BitcoinTxFetcher
	receiver btcutil.Address
	minSats  btcutil.Amount
}

func NewBitcoinValidator(client BitcoinTxFetcher, receiver string, minSats int64, net *chaincfg.Params) (*BitcoinValidator, error) {
	addr, err := btcutil.DecodeAddress(receiver, net)
	if err != nil {
		return nil, fmt.Errorf("invalid receiving address: %w", err)
	}
	if !addr.IsForNet(net) {
		return nil, fmt.Errorf("receiving address %s is not for %s", receiver, net.Name)
	}
	if minSats <= 0 {
		return nil, errors.New("minimum payment must be positive")
	}
	return &BitcoinValidator{
		chain:    knownChains["bitcoin"],
		client:   client,
		receiver: addr,
		minSats:  btcutil.Amount(minSats),
	}, nil
}

func (v *BitcoinValidator) Validate(ctx context.Context, proof PaymentProof) bool {
	payment, err := v.observe(ctx, proof.TxRef)
	if err != nil {
		logger.Info("bitcoin validator: payment rejected", zap.String("tx", proof.TxRef), zap.Error(err))
		return false
	}
	logger.Debug("bitcoin validator: observed payment",
		zap.String("tx", payment.TxRef),
		zap.String("amount", btcutil.Amount(payment.Amount.Int64()).String()),
		zap.String("required", v.minSats.String()),
		zap.Bool("confirmed", payment.Confirmed),
	)
	return payment.satisfies(v.receiver.EncodeAddress(), big.NewInt(int64(v.minSats)))
}

func (v *BitcoinValidator) observe(ctx context.Context, txRef string) (*ObservedPayment, error) {
	if len(txRef) != chainhash.MaxHashStringSize {
		return nil, fmt.Errorf("malformed txid %q", txRef)
	}
	hash, err := chainhash.NewHashFromStr(txRef)
	if err != nil {
		return nil, fmt.Errorf("malformed txid: %w", err)
	}

	tx, err := v.client.Transaction(ctx, hash.String())
	if err != nil {
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}

	receiver := v.receiver.EncodeAddress()
	payment := &ObservedPayment{
		TxRef:     hash.String(),
		Chain:     v.chain,
		Amount:    new(big.Int),
		Confirmed: tx.Confirmed && tx.BlockHeight > 0,
	}
	// Largest single output to the receiver; outputs are not summed.
	for _, out := range tx.Outputs {
		if out.Address != receiver {
			continue
		}
		payment.Recipient = receiver
		if out.Value > payment.Amount.Int64() {
			payment.Amount.SetInt64(out.Value)
		}
	}
	return payment, nil
}
