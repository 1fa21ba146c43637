package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lovechat-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// HistoryRepository 在 Redis 中缓存每个会话最近的上下文消息，
// 组装 LLM 上下文时优先读缓存，未命中再回源 MySQL。
type HistoryRepository interface {
	GetHistory(ctx context.Context, threadID uint) ([]model.ChatMessage, error)
	SetHistory(ctx context.Context, threadID uint, messages []model.ChatMessage) error
	AppendExchange(ctx context.Context, threadID uint, question, answer string) error
	Invalidate(ctx context.Context, threadID uint) error
}

type redisHistoryRepository struct {
	redisClient *redis.Client
}

// NewHistoryRepository 创建一个新的 HistoryRepository 实例。
func NewHistoryRepository(redisClient *redis.Client) HistoryRepository {
	return &redisHistoryRepository{redisClient: redisClient}
}

func historyKey(threadID uint) string {
	return fmt.Sprintf("thread:%d:history", threadID)
}

// GetHistory 从 Redis 获取会话上下文。缓存未命中返回 nil 切片与 nil 错误。
func (r *redisHistoryRepository) GetHistory(ctx context.Context, threadID uint) ([]model.ChatMessage, error) {
	jsonData, err := r.redisClient.Get(ctx, historyKey(threadID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread history: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal thread history: %w", err)
	}
	return messages, nil
}

// SetHistory 在 Redis 中写入会话上下文，仅保留最近 20 条。
func (r *redisHistoryRepository) SetHistory(ctx context.Context, threadID uint, messages []model.ChatMessage) error {
	if len(messages) > 20 {
		messages = messages[len(messages)-20:]
	}
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal thread history: %w", err)
	}
	if err := r.redisClient.Set(ctx, historyKey(threadID), jsonData, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to set thread history: %w", err)
	}
	return nil
}

// AppendExchange 把一轮问答追加进缓存。
func (r *redisHistoryRepository) AppendExchange(ctx context.Context, threadID uint, question, answer string) error {
	history, err := r.GetHistory(ctx, threadID)
	if err != nil {
		return err
	}
	now := time.Now()
	history = append(history,
		model.ChatMessage{Role: "user", Content: question, Timestamp: now},
		model.ChatMessage{Role: "assistant", Content: answer, Timestamp: now},
	)
	return r.SetHistory(ctx, threadID, history)
}

// Invalidate 删除会话的上下文缓存（会话删除或恢复完成后调用）。
func (r *redisHistoryRepository) Invalidate(ctx context.Context, threadID uint) error {
	return r.redisClient.Del(ctx, historyKey(threadID)).Err()
}
