package model

import "time"

// StreamRecord 的状态枚举。
// 状态机：streaming -> paused -> streaming -> completed/failed；
// completed 与 failed 为终态，paused 只能由 streaming 进入。
const (
	StreamStatusStreaming = "streaming"
	StreamStatusPaused    = "paused"
	StreamStatusCompleted = "completed"
	StreamStatusFailed    = "failed"
)

// StreamRecord 代表一次 AI 生成尝试的持久化记录。
// 客户端断开后，记录中的 partial_content 是恢复生成的依据。
type StreamRecord struct {
	ID                  string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	ThreadID            uint       `gorm:"index;not null" json:"threadId"`
	MessageID           uint       `gorm:"index;not null" json:"messageId"`
	UserID              uint       `gorm:"index;not null" json:"userId"`
	Status              string     `gorm:"type:varchar(20);not null;default:'streaming'" json:"status"`
	PartialContent      string     `gorm:"type:longtext" json:"partialContent"`
	ContinuationPrompt  string     `gorm:"type:text" json:"continuationPrompt,omitempty"`
	EstimatedCompletion float64    `gorm:"not null;default:0" json:"estimatedCompletion"`
	TotalTokens         int        `gorm:"not null;default:0" json:"totalTokens"`
	LastUpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"lastUpdatedAt"`
	CompletedAt         *time.Time `gorm:"default:null" json:"completedAt,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

func (StreamRecord) TableName() string {
	return "stream_records"
}

// Active 返回记录是否仍处于可活动状态（非终态）。
func (r *StreamRecord) Active() bool {
	return r.Status == StreamStatusStreaming || r.Status == StreamStatusPaused
}
