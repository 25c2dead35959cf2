package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/btc_explorer/logger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

var (
	ErrUnknownChain   = errors.New("unknown chain")
	ErrMalformedTxRef = errors.New("malformed transaction reference")
)

// ChainFamily is the closed set of payment networks.
type ChainFamily int

const (
	ChainFamilyEVM ChainFamily = iota + 1
	ChainFamilySolana
	ChainFamilyBitcoin
)

func (f ChainFamily) String() string {
	switch f {
	case ChainFamilyEVM:
		return "evm"
	case ChainFamilySolana:
		return "solana"
	case ChainFamilyBitcoin:
		return "bitcoin"
	}
	return fmt.Sprintf("ChainFamily(%d)", int(f))
}

type Chain struct {
	Name   string
	Family ChainFamily
}

var knownChains = map[string]Chain{
	"ethereum": {Name: "ethereum", Family: ChainFamilyEVM},
	"base":     {Name: "base", Family: ChainFamilyEVM},
	"polygon":  {Name: "polygon", Family: ChainFamilyEVM},
	"solana":   {Name: "solana", Family: ChainFamilySolana},
	"bitcoin":  {Name: "bitcoin", Family: ChainFamilyBitcoin},
}

// ParseChain resolves a case-insensitive chain name.
func ParseChain(name string) (Chain, error) {
	chain, ok := knownChains[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %q", ErrUnknownChain, name)
	}
	return chain, nil
}

// ChainNames lists every accepted chain name, sorted.
func ChainNames() []string {
	names := make([]string, 0, len(knownChains))
	for name := range knownChains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CanonicalTxRef returns the single spelling of ref that is stored as a proof
// reference: 0x-prefixed lower-case hex for EVM, lower-case txid for Bitcoin,
// base58 for Solana. Two spellings of one transaction map to the same value.
func CanonicalTxRef(chain Chain, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch chain.Family {
	case ChainFamilyEVM:
		raw, err := hexutil.Decode(ref)
		if err != nil || len(raw) != common.HashLength {
			return "", fmt.Errorf("%w: %q", ErrMalformedTxRef, ref)
		}
		return common.BytesToHash(raw).Hex(), nil
	case ChainFamilySolana:
		sig, err := solana.SignatureFromBase58(ref)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrMalformedTxRef, ref)
		}
		return sig.String(), nil
	case ChainFamilyBitcoin:
		if len(ref) != chainhash.MaxHashStringSize {
			return "", fmt.Errorf("%w: %q", ErrMalformedTxRef, ref)
		}
		hash, err := chainhash.NewHashFromStr(ref)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrMalformedTxRef, ref)
		}
		return hash.String(), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownChain, chain.Name)
}

// PaymentProof is a claim that TxRef on Chain paid for Wallet's access.
type PaymentProof struct {
	Chain  Chain
	TxRef  string
	Wallet string
}

// ObservedPayment is what a validator read back from the chain for a proof.
type ObservedPayment struct {
	TxRef     string
	Chain     Chain
	Recipient string
	Amount    *big.Int
	Confirmed bool
}

// satisfies requires a confirmed payment of at least min to recipient.
// Recipients must already be normalized by the validator.
func (p *ObservedPayment) satisfies(recipient string, min *big.Int) bool {
	if p == nil || !p.Confirmed || p.Amount == nil {
		return false
	}
	if recipient == "" || p.Recipient != recipient {
		return false
	}
	return p.Amount.Cmp(min) >= 0
}

// ProofValidator confirms a payment proof against one chain family.
// Implementations never return errors: every failure is a rejection.
type ProofValidator interface {
	Validate(ctx context.Context, proof PaymentProof) bool
}

type PaymentValidators struct {
	EVM     map[string]ProofValidator
	Solana  ProofValidator
	Bitcoin ProofValidator
}

type PaymentService struct {
	evm     map[string]ProofValidator
	solana  ProofValidator
	bitcoin ProofValidator
	timeout time.Duration
}

func NewPaymentService(validators PaymentValidators, timeout time.Duration) *PaymentService {
	evm := make(map[string]ProofValidator, len(validators.EVM))
	for name, v := range validators.EVM {
		evm[strings.ToLower(name)] = v
	}
	return &PaymentService{
		evm:     evm,
		solana:  validators.Solana,
		bitcoin: validators.Bitcoin,
		timeout: timeout,
	}
}

// Validate checks proof with the validator of its chain family under a
// bounded timeout. Disabled chains, RPC failures and timeouts all deny.
func (s *PaymentService) Validate(ctx context.Context, proof PaymentProof) bool {
	var validator ProofValidator
	switch proof.Chain.Family {
	case ChainFamilyEVM:
		validator = s.evm[proof.Chain.Name]
	case ChainFamilySolana:
		validator = s.solana
	case ChainFamilyBitcoin:
		validator = s.bitcoin
	default:
		logger.Warn("payment: unsupported chain family", zap.String("chain", proof.Chain.Name))
		return false
	}
	if validator == nil {
		logger.Warn("payment: chain not configured", zap.String("chain", proof.Chain.Name))
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	valid := validator.Validate(ctx, proof)
	logger.Info("payment: proof checked",
		zap.String("chain", proof.Chain.Name),
		zap.String("family", proof.Chain.Family.String()),
		zap.String("tx", proof.TxRef),
		zap.String("wallet", proof.Wallet),
		zap.Bool("valid", valid),
	)
	return valid
}
