package model

import "time"

// Thread 代表一个对话会话（前端侧边栏中的一条会话）。
type Thread struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"userId"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	Model     string    `gorm:"type:varchar(128)" json:"model"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Thread) TableName() string {
	return "threads"
}

// Message 代表会话中的一条消息，助手消息在流式生成完成后落库。
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreadID  uint      `gorm:"index;not null" json:"threadId"`
	UserID    uint      `gorm:"index;not null" json:"userId"`
	Role      string    `gorm:"type:varchar(20);not null" json:"role"` // "user" 或 "assistant"
	Content   string    `gorm:"type:text;not null" json:"content"`
	Model     string    `gorm:"type:varchar(128)" json:"model"`
	Metadata  string    `gorm:"type:text" json:"metadata,omitempty"` // JSON：联网搜索结果等附加信息
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

// ChatMessage 代表用于组装 LLM 上下文的轻量消息（缓存于 Redis）。
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
