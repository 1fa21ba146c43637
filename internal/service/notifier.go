package service

import (
	"context"
	"time"

	"lovechat-go/internal/config"
	"lovechat-go/internal/model"
	"lovechat-go/pkg/es"
	"lovechat-go/pkg/events"
	"lovechat-go/pkg/kafka"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/tasks"
)

// Notifier 汇总流式生成过程中的旁路副作用：状态事件广播、用量入账、消息索引。
// 所有方法都是尽力而为——失败只记日志，绝不影响用户可见的流。
type Notifier interface {
	PublishEvent(ctx context.Context, ev events.StreamEvent)
	AccountUsage(task tasks.UsageTask)
	IndexMessage(ctx context.Context, msg *model.Message)
}

type defaultNotifier struct {
	bus     events.Bus
	esIndex string
}

// NewNotifier 创建生产环境使用的 Notifier。
func NewNotifier(bus events.Bus, esCfg config.ElasticsearchConfig) Notifier {
	return &defaultNotifier{bus: bus, esIndex: esCfg.IndexName}
}

func (n *defaultNotifier) PublishEvent(ctx context.Context, ev events.StreamEvent) {
	if n.bus == nil {
		return
	}
	if err := n.bus.Publish(ctx, ev); err != nil {
		log.Warnf("发布流事件失败: stream=%s, type=%s, err=%v", ev.StreamID, ev.Type, err)
	}
}

func (n *defaultNotifier) AccountUsage(task tasks.UsageTask) {
	if err := kafka.ProduceUsageTask(task); err != nil {
		log.Warnf("发送用量任务到 Kafka 失败: stream=%s, err=%v", task.StreamID, err)
	}
}

func (n *defaultNotifier) IndexMessage(ctx context.Context, msg *model.Message) {
	doc := es.MessageDoc{
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		UserID:    msg.UserID,
		Role:      msg.Role,
		Content:   msg.Content,
		Model:     msg.Model,
		CreatedAt: msg.CreatedAt.Format(time.RFC3339),
	}
	if err := es.IndexMessage(ctx, n.esIndex, doc); err != nil {
		log.Warnf("索引消息到 Elasticsearch 失败: message=%d, err=%v", msg.ID, err)
	}
}
