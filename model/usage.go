package model

import (
	"time"
)

// 每日用量：(wallet_address, date) 唯一，date 为 UTC 日期 YYYY-MM-DD
type DailyUsage struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	WalletAddress string    `gorm:"column:wallet_address;size:128;not null;uniqueIndex:idx_wallet_date,priority:1" json:"walletAddress"`
	Date          string    `gorm:"column:date;size:10;not null;uniqueIndex:idx_wallet_date,priority:2" json:"date"`
	RequestCount  int       `gorm:"column:request_count;not null;default:0" json:"requestCount"`
	CreatedAt     time.Time `json:"-"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (DailyUsage) TableName() string {
	return "daily_usage"
}
