package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 永久无限额度记录：每个钱包至多一条，写入后不可变
type UnlimitedAccess struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	WalletAddress  string          `gorm:"column:wallet_address;size:128;not null;uniqueIndex" json:"walletAddress"`
	ChainName      string          `gorm:"column:chain_name;size:32;not null" json:"chainName"`
	ProofReference string          `gorm:"column:proof_reference;size:256;not null;uniqueIndex" json:"proofReference"` // tx hash or signature
	AmountUSD      decimal.Decimal `gorm:"column:amount_usd;type:decimal(20,8);not null" json:"amountUsd"`
	ActivatedAt    time.Time       `gorm:"column:activated_at;not null" json:"activatedAt"`
}

func (UnlimitedAccess) TableName() string {
	return "unlimited_access"
}
