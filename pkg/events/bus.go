// Package events 提供流状态事件的发布与分发。
// 状态迁移事件经 Redis pub/sub 在实例间广播，再由 Hub 转发给
// 本实例上已建立的 WebSocket 订阅者，使其他标签页/设备能实时观察流状态。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lovechat-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// 事件类型。
const (
	EventStreaming = "streaming"
	EventPaused    = "paused"
	EventResumed   = "resumed"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// StreamEvent 描述一次流记录的状态迁移。
type StreamEvent struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	ThreadID  uint   `json:"threadId"`
	MessageID uint   `json:"messageId"`
	UserID    uint   `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Bus 定义了跨实例的事件总线。
type Bus interface {
	Publish(ctx context.Context, ev StreamEvent) error
	// StartForwarder 订阅事件频道并把收到的事件交给 onMsg，直到 ctx 结束。
	StartForwarder(ctx context.Context, onMsg func(ev StreamEvent)) error
}

type redisBus struct {
	rdb     *redis.Client
	channel string
}

// NewRedisBus 创建基于 Redis pub/sub 的事件总线。
func NewRedisBus(rdb *redis.Client, channel string) Bus {
	if channel == "" {
		channel = "lovechat:stream-events"
	}
	return &redisBus{rdb: rdb, channel: channel}
}

func (b *redisBus) Publish(ctx context.Context, ev StreamEvent) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(ev StreamEvent)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)

	// 确认订阅确实建立
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var ev StreamEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					log.Warnf("无法解析流事件: %v", err)
					continue
				}
				onMsg(ev)
			}
		}
	}()
	return nil
}
