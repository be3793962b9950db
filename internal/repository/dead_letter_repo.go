package repository

import (
	"context"

	"creditflow/internal/model"

	"gorm.io/gorm"
)

type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Create(ctx context.Context, tx *gorm.DB, dl *model.DeadLetter) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(dl).Error
}

func (r *DeadLetterRepository) ListByStage(ctx context.Context, stage string, limit int) ([]*model.DeadLetter, error) {
	var letters []*model.DeadLetter
	err := r.db.WithContext(ctx).
		Where("stage = ?", stage).
		Order("id DESC").
		Limit(limit).
		Find(&letters).Error
	return letters, err
}
