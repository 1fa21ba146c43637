package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lovechat-go/internal/config"
	"lovechat-go/internal/model"
	"lovechat-go/internal/repository"
	"lovechat-go/pkg/events"
	"lovechat-go/pkg/llm"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/streamproto"
	"lovechat-go/pkg/tasks"

	"gorm.io/gorm"
)

// StreamService 管理流记录的生命周期：列举可恢复流、中断标记、恢复生成、失联巡检。
type StreamService interface {
	// ListResumable 返回会话内属于该用户、可被恢复关注的流记录 ID。
	ListResumable(ctx context.Context, threadID uint, userID uint) ([]string, error)
	// MarkInterrupted 把某消息的在途流标记为 paused。幂等；尽力而为路径，
	// 归属校验依赖消息与流记录的关联而非调用方身份。
	MarkInterrupted(ctx context.Context, messageID uint) error
	// Resume 恢复一条 paused 的流：从存储的 partial_content 续写，
	// 并以全量快照协议重新下发。
	Resume(ctx context.Context, streamID string, user *model.User, out *streamproto.Writer) error
	// StartSweeper 启动后台巡检，把长时间无进度的 streaming 记录置为 paused，
	// 补偿丢失的中断信号。
	StartSweeper(ctx context.Context)
}

type streamService struct {
	streamRepo  repository.StreamRepository
	threadRepo  repository.ThreadRepository
	historyRepo repository.HistoryRepository
	resolver    ProviderResolver
	notifier    Notifier
	cfg         config.StreamConfig
}

// NewStreamService 创建一个新的 StreamService 实例。
func NewStreamService(
	streamRepo repository.StreamRepository,
	threadRepo repository.ThreadRepository,
	historyRepo repository.HistoryRepository,
	resolver ProviderResolver,
	notifier Notifier,
	cfg config.StreamConfig,
) StreamService {
	return &streamService{
		streamRepo:  streamRepo,
		threadRepo:  threadRepo,
		historyRepo: historyRepo,
		resolver:    resolver,
		notifier:    notifier,
		cfg:         cfg,
	}
}

func (s *streamService) ListResumable(ctx context.Context, threadID uint, userID uint) ([]string, error) {
	ids, err := s.streamRepo.ListResumableByThread(ctx, threadID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable streams: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *streamService) MarkInterrupted(ctx context.Context, messageID uint) error {
	record, changed, err := s.streamRepo.MarkPausedByMessageID(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to mark stream interrupted: %w", err)
	}
	if changed {
		s.notifier.PublishEvent(ctx, events.StreamEvent{
			Type: events.EventPaused, StreamID: record.ID,
			ThreadID: record.ThreadID, MessageID: record.MessageID, UserID: record.UserID,
		})
	}
	return nil
}

func (s *streamService) Resume(ctx context.Context, streamID string, user *model.User, out *streamproto.Writer) error {
	record, err := s.streamRepo.FindByID(ctx, streamID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load stream record: %w", err)
	}
	if record.UserID != user.ID {
		return ErrForbidden
	}
	if record.Status != model.StreamStatusPaused {
		return ErrNotPaused
	}

	// paused -> streaming 的原子条件更新充当乐观锁：并发恢复只有一方能赢
	if err := s.streamRepo.TransitionPausedToStreaming(ctx, record.ID, user.ID); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return ErrNotPaused
		}
		return fmt.Errorf("failed to transition stream record: %w", err)
	}
	s.notifier.PublishEvent(ctx, events.StreamEvent{
		Type: events.EventResumed, StreamID: record.ID,
		ThreadID: record.ThreadID, MessageID: record.MessageID, UserID: record.UserID,
	})

	// 此后任何错误都把记录终结为 failed；已下发的部分内容保持有效
	rctx := ctx
	var cancel context.CancelFunc
	if s.cfg.ResumeMaxSeconds > 0 {
		rctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.ResumeMaxSeconds)*time.Second)
		defer cancel()
	}

	assistantMsg, err := s.threadRepo.FindMessageByID(record.MessageID)
	if err != nil {
		s.failResume(ctx, record, out)
		return fmt.Errorf("failed to load owning message: %w", err)
	}

	history, err := s.threadRepo.ListMessagesByThread(record.ThreadID, s.cfg.HistoryLimit)
	if err != nil {
		log.Warnf("加载会话历史失败，继续以空历史恢复: thread=%d, err=%v", record.ThreadID, err)
		history = nil
	}

	client, modelName, err := s.resolver.Resolve(assistantMsg.Model)
	if err != nil {
		s.failResume(ctx, record, out)
		return err
	}

	// 恢复流的首行先发已有内容，保证客户端收到的流从一开始就与其本地状态一致
	if err := out.WriteText(record.PartialContent); err != nil {
		s.failResume(ctx, record, out)
		return err
	}

	flusher := newProgressFlusher(newRecordPersister(s.streamRepo, record.ID))
	writer := newStreamWriter(out, record.PartialContent, true, flusher)

	usage, err := client.StreamChat(rctx, llm.ChatRequest{
		Model:    modelName,
		Messages: composeContinuationMessages(record, history),
	}, writer)
	flusher.Wait()
	if err != nil {
		s.failResume(ctx, record, out)
		return fmt.Errorf("provider stream failed during resume: %w", err)
	}

	final := writer.Full()
	if err := s.threadRepo.UpdateMessageContent(record.MessageID, final); err != nil {
		log.Warnf("持久化恢复后的消息失败: message=%d, err=%v", record.MessageID, err)
	}
	if err := s.streamRepo.Complete(ctx, record.ID, final, usage.TotalTokens); err != nil {
		log.Warnf("终结流记录失败: stream=%s, err=%v", record.ID, err)
	}
	// 缓存里的上下文已经过期，直接作废，下次组装时回源
	if err := s.historyRepo.Invalidate(context.Background(), record.ThreadID); err != nil {
		log.Warnf("作废会话上下文缓存失败: thread=%d, err=%v", record.ThreadID, err)
	}

	if err := out.WriteFinish("stop", streamproto.Usage{TotalTokens: usage.TotalTokens}); err != nil {
		return err
	}

	s.notifier.PublishEvent(ctx, events.StreamEvent{
		Type: events.EventCompleted, StreamID: record.ID,
		ThreadID: record.ThreadID, MessageID: record.MessageID, UserID: record.UserID,
	})
	s.notifier.AccountUsage(tasks.UsageTask{
		UserID: record.UserID, ThreadID: record.ThreadID, MessageID: record.MessageID,
		StreamID: record.ID, Model: assistantMsg.Model, TotalTokens: usage.TotalTokens,
	})
	assistantMsg.Content = final
	s.notifier.IndexMessage(ctx, assistantMsg)
	return nil
}

func (s *streamService) failResume(ctx context.Context, record *model.StreamRecord, out *streamproto.Writer) {
	if err := s.streamRepo.Fail(ctx, record.ID); err != nil {
		log.Warnf("标记流记录失败态出错: stream=%s, err=%v", record.ID, err)
	}
	s.notifier.PublishEvent(ctx, events.StreamEvent{
		Type: events.EventFailed, StreamID: record.ID,
		ThreadID: record.ThreadID, MessageID: record.MessageID, UserID: record.UserID,
	})
	_ = out.WriteError("恢复生成失败，请重试")
}

// StartSweeper 周期性地把失联的 streaming 记录置为 paused。
// 中断信标是尽力而为的，丢失时由这里补偿，避免记录永远停留在 streaming。
func (s *streamService) StartSweeper(ctx context.Context) {
	interval := time.Duration(s.cfg.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	staleAfter := time.Duration(s.cfg.StaleTimeoutSeconds) * time.Second
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-staleAfter)
				stale, err := s.streamRepo.MarkStalePaused(ctx, cutoff)
				if err != nil {
					log.Errorf("流巡检失败: %v", err)
					continue
				}
				for _, rec := range stale {
					s.notifier.PublishEvent(ctx, events.StreamEvent{
						Type: events.EventPaused, StreamID: rec.ID,
						ThreadID: rec.ThreadID, MessageID: rec.MessageID, UserID: rec.UserID,
					})
				}
				if len(stale) > 0 {
					log.Infof("流巡检：%d 条失联的流已置为 paused", len(stale))
				}
			}
		}
	}()
}

// composeContinuationMessages 组装续写请求：会话历史在前，已生成的部分作为
// assistant 消息，最后以续写指令收尾。无结构性保证避免重复，只能依赖提示词。
func composeContinuationMessages(record *model.StreamRecord, history []model.Message) []llm.Message {
	msgs := []llm.Message{{
		Role:    "system",
		Content: "你正在继续一条被中断的回答。请从中断处自然衔接，不要重复已经生成的内容，也不要重新开头或致歉。",
	}}
	for _, m := range history {
		if m.ID == record.MessageID || m.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "assistant", Content: record.PartialContent})

	instruction := record.ContinuationPrompt
	if instruction == "" {
		instruction = "请直接继续上面未完成的回答，衔接最后一个字，不要重复已有内容。"
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: instruction})
	return msgs
}
