package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btc_explorer/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var errPendingTx = errors.New("transaction is pending")

// EVMClient is the subset of *ethclient.Client used to read payments.
type EVMClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMValidator accepts a native-token transfer of at least minWei to the
// receiving address whose receipt reports success.
type EVMValidator struct {
	chain    Chain
	client   EVMClient
	receiver common.Address
	minWei   *big.Int
}

func NewEVMValidator(chainName string, client EVMClient, receiver string, minWei *big.Int) (*EVMValidator, error) {
	chain, err := ParseChain(chainName)
	if err != nil {
		return nil, err
	}
	if chain.Family != ChainFamilyEVM {
		return nil, fmt.Errorf("%s is not an EVM chain", chain.Name)
	}
	if !common.IsHexAddress(receiver) {
		return nil, fmt.Errorf("invalid receiving address %q", receiver)
	}
	if minWei == nil || minWei.Sign() <= 0 {
		return nil, fmt.Errorf("minimum payment must be positive")
	}
	return &EVMValidator{
		chain:    chain,
		client:   client,
		receiver: common.HexToAddress(receiver),
		minWei:   new(big.Int).Set(minWei),
	}, nil
}

func (v *EVMValidator) Validate(ctx context.Context, proof PaymentProof) bool {
	payment, err := v.observe(ctx, proof.TxRef)
	if err != nil {
		logger.Info("evm validator: payment rejected",
			zap.String("chain", v.chain.Name),
			zap.String("tx", proof.TxRef),
			zap.Error(err),
		)
		return false
	}
	return payment.satisfies(strings.ToLower(v.receiver.Hex()), v.minWei)
}

func (v *EVMValidator) observe(ctx context.Context, txRef string) (*ObservedPayment, error) {
	raw, err := hexutil.Decode(txRef)
	if err != nil || len(raw) != common.HashLength {
		return nil, fmt.Errorf("malformed transaction hash %q", txRef)
	}
	hash := common.BytesToHash(raw)

	tx, pending, err := v.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	if pending {
		return nil, errPendingTx
	}
	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if tx == nil || receipt == nil {
		return nil, errors.New("transaction not found")
	}
	if tx.To() == nil {
		return nil, errors.New("contract creation is not a payment")
	}

	return &ObservedPayment{
		TxRef:     hash.Hex(),
		Chain:     v.chain,
		Recipient: strings.ToLower(tx.To().Hex()),
		Amount:    new(big.Int).Set(tx.Value()),
		Confirmed: receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}
