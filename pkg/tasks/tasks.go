// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// UsageTask 表示一次生成完成后待入账的用量事件。
type UsageTask struct {
	UserID      uint   `json:"user_id"`
	ThreadID    uint   `json:"thread_id"`
	MessageID   uint   `json:"message_id"`
	StreamID    string `json:"stream_id"`
	Model       string `json:"model"`
	TotalTokens int    `json:"total_tokens"`
}
