package repository

import (
	"lovechat-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageRepository 定义了用量统计的持久化操作。
type UsageRepository interface {
	// AddUsage 为用户累加一次生成的 token 用量与请求次数（upsert）。
	AddUsage(userID uint, tokens int64) error
	FindByUserID(userID uint) (*model.UsageStat, error)
}

type usageRepository struct {
	db *gorm.DB
}

// NewUsageRepository 创建一个新的 UsageRepository 实例。
func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

func (r *usageRepository) AddUsage(userID uint, tokens int64) error {
	stat := model.UsageStat{UserID: userID, TotalTokens: tokens, Requests: 1}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_tokens": gorm.Expr("total_tokens + ?", tokens),
			"requests":     gorm.Expr("requests + 1"),
		}),
	}).Create(&stat).Error
}

func (r *usageRepository) FindByUserID(userID uint) (*model.UsageStat, error) {
	var stat model.UsageStat
	err := r.db.Where("user_id = ?", userID).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return &model.UsageStat{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stat, nil
}
