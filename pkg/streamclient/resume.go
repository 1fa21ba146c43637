package streamclient

import (
	"context"
	"fmt"
	"strings"

	"lovechat-go/pkg/log"
	"lovechat-go/pkg/streamproto"
)

// MessageView 是客户端本地消息列表中的一条消息。
type MessageView struct {
	ID      uint
	Role    string
	Content string
}

// SnapshotFunc 在恢复流的每个快照到达时被调用。
// index 为被更新消息在列表中的下标，content 为当前全量内容。
type SnapshotFunc func(index int, content string)

// ResumeHook 在会话加载后检查可恢复的流，并把恢复输出合并回
// 本地消息列表。
type ResumeHook struct {
	client *Client
}

// NewResumeHook 创建一个新的 ResumeHook。
func NewResumeHook(client *Client) *ResumeHook {
	return &ResumeHook{client: client}
}

// Run 查询会话内的可恢复流并逐条恢复。对每条流：
// 选取本地看起来未完成的助手消息作为合并目标，没有则追加一条新消息；
// 恢复流的每个快照整体替换目标消息的内容。
// 返回合并后的消息列表；没有可恢复流时原样返回。
func (h *ResumeHook) Run(ctx context.Context, threadID uint, messages []MessageView, onSnapshot SnapshotFunc) ([]MessageView, error) {
	streamIDs, err := h.client.ListResumable(ctx, threadID)
	if err != nil {
		return messages, fmt.Errorf("failed to list resumable streams: %w", err)
	}
	if len(streamIDs) == 0 {
		return messages, nil
	}

	for _, streamID := range streamIDs {
		target := pickResumeTarget(messages)
		if target < 0 {
			messages = append(messages, MessageView{Role: "assistant"})
			target = len(messages) - 1
		}

		err := h.client.Resume(ctx, streamID, func(ev *streamproto.Event) error {
			switch ev.Tag {
			case streamproto.TagText:
				// 恢复流发送的是全量快照，整体替换而非追加
				messages[target].Content = ev.Text
				if onSnapshot != nil {
					onSnapshot(target, ev.Text)
				}
			case streamproto.TagError:
				return fmt.Errorf("resume stream reported error: %s", ev.Text)
			}
			return nil
		})
		if err != nil {
			// 单条流恢复失败不影响其余流；已合并的快照保留
			log.Warnf("恢复流失败: stream=%s, err=%v", streamID, err)
		}
	}
	return messages, nil
}

// pickResumeTarget 返回最后一条看起来未完成的助手消息的下标，
// 找不到时返回 -1。启发式判断，允许误判。
func pickResumeTarget(messages []MessageView) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		if LooksIncomplete(messages[i].Content) {
			return i
		}
		// 最后一条助手消息已完整，不再向前找
		return -1
	}
	return -1
}

// LooksIncomplete 判断一段助手消息内容是否像被截断：
// 内容很短，或结尾缺少终止标点。
func LooksIncomplete(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return true
	}
	runes := []rune(trimmed)
	if len(runes) < 20 {
		return true
	}
	last := runes[len(runes)-1]
	switch last {
	case '。', '！', '？', '…', '.', '!', '?', '"', '”', '\'', '’', ')', '）', ']', '】', '`':
		return false
	}
	return true
}
