package model

import "time"

// UsageStat 定义了 usage_stats 表的 ORM 模型。
// 由 Kafka 消费者在每次生成完成后累加，不在请求路径上同步更新。
type UsageStat struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint      `gorm:"uniqueIndex;not null" json:"userId"`
	TotalTokens int64     `gorm:"not null;default:0" json:"totalTokens"`
	Requests    int64     `gorm:"not null;default:0" json:"requests"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (UsageStat) TableName() string {
	return "usage_stats"
}
