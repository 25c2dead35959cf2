package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/btc_explorer/model"
	"gorm.io/gorm"
)

// Both statements run as a single upsert keyed on (wallet_address, date), so
// concurrent callers never lose an increment. The guarded form only bumps the
// counter while it is below the limit and returns no row otherwise.
const (
	incrementUsageSQL = `
		INSERT INTO daily_usage (wallet_address, "date", request_count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (wallet_address, "date")
		DO UPDATE SET request_count = daily_usage.request_count + 1, updated_at = excluded.updated_at
		RETURNING request_count`

	consumeUsageSQL = `
		INSERT INTO daily_usage (wallet_address, "date", request_count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (wallet_address, "date")
		DO UPDATE SET request_count = daily_usage.request_count + 1, updated_at = excluded.updated_at
		WHERE daily_usage.request_count < ?
		RETURNING request_count`
)

type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Count returns the request count for wallet on date; a missing row is 0.
func (r *UsageRepository) Count(ctx context.Context, wallet, date string) (int, error) {
	var usage model.DailyUsage
	err := r.db.WithContext(ctx).Where("wallet_address = ? AND \"date\" = ?", wallet, date).First(&usage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return usage.RequestCount, nil
}

// Increment atomically adds one request and returns the new count.
func (r *UsageRepository) Increment(ctx context.Context, wallet, date string) (int, error) {
	now := nowFunc()
	count, ok, err := r.returningCount(ctx, incrementUsageSQL, wallet, date, now, now)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("increment usage for %s: no row returned", wallet)
	}
	return count, nil
}

// ConsumeIfBelow atomically increments the counter only while it is below
// limit. It returns the new count and true when a request was consumed, or
// false when the limit had already been reached.
func (r *UsageRepository) ConsumeIfBelow(ctx context.Context, wallet, date string, limit int) (int, bool, error) {
	now := nowFunc()
	return r.returningCount(ctx, consumeUsageSQL, wallet, date, now, now, limit)
}

func (r *UsageRepository) returningCount(ctx context.Context, query string, args ...interface{}) (int, bool, error) {
	rows, err := r.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, false, rows.Err()
	}
	var count int
	if err := rows.Scan(&count); err != nil {
		return 0, false, err
	}
	return count, true, rows.Err()
}

// History lists the wallet's daily counters, newest day first.
func (r *UsageRepository) History(ctx context.Context, wallet string, page, size int) ([]*model.DailyUsage, int64, error) {
	var list []*model.DailyUsage
	var total int64
	offset := (page - 1) * size

	if err := r.db.WithContext(ctx).Model(&model.DailyUsage{}).Where("wallet_address = ?", wallet).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := r.db.WithContext(ctx).Where("wallet_address = ?", wallet).Order("\"date\" DESC").Offset(offset).Limit(size).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}
