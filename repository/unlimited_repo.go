package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/btc_explorer/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("not found")

var nowFunc = time.Now

type UnlimitedRepository struct {
	db *gorm.DB
}

func NewUnlimitedRepository(db *gorm.DB) *UnlimitedRepository {
	return &UnlimitedRepository{db: db}
}

func (r *UnlimitedRepository) FindByWallet(ctx context.Context, wallet string) (*model.UnlimitedAccess, error) {
	var rec model.UnlimitedAccess
	if err := r.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Insert writes rec unless a row with the same wallet or proof reference
// already exists. created reports whether this call wrote the row.
func (r *UnlimitedRepository) Insert(ctx context.Context, rec *model.UnlimitedAccess) (bool, error) {
	rec.WalletAddress = strings.ToLower(rec.WalletAddress)
	if rec.ActivatedAt.IsZero() {
		rec.ActivatedAt = nowFunc().UTC()
	}
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}
