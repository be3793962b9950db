package repository

import (
	"context"
	"errors"
	"time"

	"creditflow/internal/model"

	"gorm.io/gorm"
)

var (
	ErrApplicationNotFound = errors.New("申请不存在")
	ErrStatusConflict      = errors.New("申请状态不合法")
)

type ApplicationRepository struct {
	db *gorm.DB
}

func NewApplicationRepository(db *gorm.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

func (r *ApplicationRepository) Create(ctx context.Context, tx *gorm.DB, app *model.CreditApplication) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(app).Error
}

func (r *ApplicationRepository) GetByApplicationID(ctx context.Context, applicationID string) (*model.CreditApplication, error) {
	var app model.CreditApplication
	err := r.db.WithContext(ctx).Where("application_id = ?", applicationID).First(&app).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	return &app, nil
}

// UpdateStatus 带条件的状态流转，WHERE status = from 保证并发下只有一个阶段能推进
// extra 为同一条 UPDATE 中一起写入的字段
func (r *ApplicationRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, applicationID, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrStatusConflict
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status":     toStatus,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditApplication{}).
		Where("application_id = ? AND status = ?", applicationID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}

	return nil
}

// ListStale 查询在某些状态停留超过指定时间的申请
func (r *ApplicationRepository) ListStale(ctx context.Context, statuses []string, before time.Time, limit int) ([]*model.CreditApplication, error) {
	var apps []*model.CreditApplication
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&apps).Error
	return apps, err
}

// Touch 只刷新 updated_at，用于补偿任务记录最近一次重新通知
func (r *ApplicationRepository) Touch(ctx context.Context, tx *gorm.DB, applicationID string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.CreditApplication{}).
		Where("application_id = ?", applicationID).
		UpdateColumn("updated_at", time.Now()).Error
}
