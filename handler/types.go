package handler

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ChainID accepts the wallet's chain id as a JSON number (EVM, e.g. 8453)
// or a string (e.g. "0x2105", "solana:mainnet").
type ChainID string

func (c *ChainID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChainID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = ChainID(n.String())
	return nil
}

func (c ChainID) String() string {
	return string(c)
}

type verifySignatureRequest struct {
	Address   string  `json:"address" binding:"required"`
	Signature string  `json:"signature" binding:"required"`
	Message   string  `json:"message" binding:"required"`
	RequestID string  `json:"requestId"`
	Tier      string  `json:"tier" binding:"omitempty,oneof=free unlimited"`
	ChainID   ChainID `json:"chainId"`

	// optional on-chain proof for tier=unlimited
	TxHash       string `json:"txHash"`
	PaymentChain string `json:"paymentChain" binding:"omitempty,chainname"`
}

type verifyUnlimitedRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
	TxHash        string `json:"txHash" binding:"required"`
	Chain         string `json:"chain" binding:"required,chainname"`
}

type remainingResponse struct {
	Remaining          int  `json:"remaining"`
	Used               int  `json:"used"`
	Limit              int  `json:"limit"`
	HasUnlimitedAccess bool `json:"hasUnlimitedAccess"`
}

type unlimitedResponse struct {
	HasUnlimitedAccess bool    `json:"hasUnlimitedAccess"`
	ActivatedAt        *string `json:"activatedAt"`
	ChainName          *string `json:"chainName"`
}
