package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lovechat-go/internal/model"
	"lovechat-go/internal/repository"
	"lovechat-go/pkg/events"
	"lovechat-go/pkg/llm"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/streamproto"
	"lovechat-go/pkg/tasks"
	"lovechat-go/pkg/token"
	"lovechat-go/pkg/websearch"
)

// ProviderResolver 把模型名解析为具体的 LLM 客户端。
// 生产实现为 llm.Registry，测试中用桩替换。
type ProviderResolver interface {
	Resolve(model string) (llm.Client, string, error)
}

// ChatStreamRequest 是一次聊天流式请求的入参。
type ChatStreamRequest struct {
	ThreadID         uint
	Model            string
	WebSearchEnabled bool
	Messages         []llm.Message
	// APIKey 为用户按请求自带的提供商密钥，可为空。
	APIKey string
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// StreamResponse 执行一次完整的流式生成：落库用户消息、创建助手占位消息
	// 与流记录、调用提供商、把分块同时写到 out 与流记录。
	StreamResponse(ctx context.Context, req ChatStreamRequest, user *model.User, out *streamproto.Writer) error
}

type chatService struct {
	threadRepo  repository.ThreadRepository
	streamRepo  repository.StreamRepository
	historyRepo repository.HistoryRepository
	resolver    ProviderResolver
	search      *websearch.Client
	notifier    Notifier
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	threadRepo repository.ThreadRepository,
	streamRepo repository.StreamRepository,
	historyRepo repository.HistoryRepository,
	resolver ProviderResolver,
	search *websearch.Client,
	notifier Notifier,
) ChatService {
	return &chatService{
		threadRepo:  threadRepo,
		streamRepo:  streamRepo,
		historyRepo: historyRepo,
		resolver:    resolver,
		search:      search,
		notifier:    notifier,
	}
}

// StreamResponse 协调一次生成的全流程。
func (s *chatService) StreamResponse(ctx context.Context, req ChatStreamRequest, user *model.User, out *streamproto.Writer) error {
	// 1. 会话归属校验
	thread, err := s.threadRepo.FindThreadByID(req.ThreadID)
	if err != nil {
		return ErrNotFound
	}
	if thread.UserID != user.ID {
		return ErrForbidden
	}

	question := lastUserMessage(req.Messages)
	if question == "" {
		return fmt.Errorf("request contains no user message")
	}

	// 2. 落库用户消息
	userMsg := &model.Message{
		ThreadID: req.ThreadID,
		UserID:   user.ID,
		Role:     "user",
		Content:  question,
	}
	if err := s.threadRepo.CreateMessage(userMsg); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}
	s.notifier.IndexMessage(ctx, userMsg)

	// 3. 联网搜索：结果作为显式值沿调用链传递，不落任何全局状态
	var searchResults []websearch.Result
	if req.WebSearchEnabled && s.search != nil && s.search.Enabled() {
		searchResults, err = s.search.Search(ctx, question)
		if err != nil {
			// 搜索失败不阻断聊天，降级为无检索结果
			log.Warnf("联网搜索失败: %v", err)
			searchResults = nil
		}
	}

	// 4. 创建助手占位消息与流记录
	assistantMsg := &model.Message{
		ThreadID: req.ThreadID,
		UserID:   user.ID,
		Role:     "assistant",
		Content:  "",
		Model:    req.Model,
		Metadata: marshalSearchMetadata(searchResults),
	}
	if err := s.threadRepo.CreateMessage(assistantMsg); err != nil {
		return fmt.Errorf("failed to create assistant message: %w", err)
	}

	record := &model.StreamRecord{
		ID:        token.GenerateRandomString(16),
		ThreadID:  req.ThreadID,
		MessageID: assistantMsg.ID,
		UserID:    user.ID,
		Status:    model.StreamStatusStreaming,
	}
	if err := s.streamRepo.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to create stream record: %w", err)
	}
	s.notifier.PublishEvent(ctx, events.StreamEvent{
		Type: events.EventStreaming, StreamID: record.ID,
		ThreadID: record.ThreadID, MessageID: record.MessageID, UserID: record.UserID,
	})

	// 5. 组装消息并调用提供商
	messages := composeChatMessages(req.Messages, searchResults)

	client, modelName, err := s.resolver.Resolve(req.Model)
	if err != nil {
		s.finishFailed(ctx, record, out)
		return err
	}

	flusher := newProgressFlusher(newRecordPersister(s.streamRepo, record.ID))
	writer := newStreamWriter(out, "", false, flusher)

	usage, err := client.StreamChat(ctx, llm.ChatRequest{
		Model:    modelName,
		Messages: messages,
		APIKey:   req.APIKey,
	}, writer)
	flusher.Wait()
	if err != nil {
		s.finishFailed(ctx, record, out)
		return fmt.Errorf("provider stream failed: %w", err)
	}

	// 6. 终结：落库最终内容并完成流记录
	final := writer.Full()
	if err := s.threadRepo.UpdateMessageContent(assistantMsg.ID, final); err != nil {
		log.Warnf("持久化助手消息失败: message=%d, err=%v", assistantMsg.ID, err)
	}
	if err := s.streamRepo.Complete(ctx, record.ID, final, usage.TotalTokens); err != nil {
		log.Warnf("终结流记录失败: stream=%s, err=%v", record.ID, err)
	}
	// 使用后台上下文：即使原始请求随后被取消，也要保留成功生成的上下文
	if err := s.historyRepo.AppendExchange(context.Background(), req.ThreadID, question, final); err != nil {
		log.Warnf("更新会话上下文缓存失败: %v", err)
	}

	if err := out.WriteFinish("stop", streamproto.Usage{TotalTokens: usage.TotalTokens}); err != nil {
		return err
	}

	s.notifier.PublishEvent(ctx, events.StreamEvent{
		Type: events.EventCompleted, StreamID: record.ID,
		ThreadID: record.ThreadID, MessageID: record.MessageID, UserID: record.UserID,
	})
	s.notifier.AccountUsage(tasks.UsageTask{
		UserID: user.ID, ThreadID: req.ThreadID, MessageID: assistantMsg.ID,
		StreamID: record.ID, Model: req.Model, TotalTokens: usage.TotalTokens,
	})
	assistantMsg.Content = final
	s.notifier.IndexMessage(ctx, assistantMsg)
	return nil
}

// finishFailed 把记录置为 failed 并在流尾追加应用层错误行。
// 已经下发的部分内容保持原样。
func (s *chatService) finishFailed(ctx context.Context, record *model.StreamRecord, out *streamproto.Writer) {
	if err := s.streamRepo.Fail(ctx, record.ID); err != nil {
		log.Warnf("标记流记录失败态出错: stream=%s, err=%v", record.ID, err)
	}
	s.notifier.PublishEvent(ctx, events.StreamEvent{
		Type: events.EventFailed, StreamID: record.ID,
		ThreadID: record.ThreadID, MessageID: record.MessageID, UserID: record.UserID,
	})
	_ = out.WriteError("AI服务暂时不可用，请稍后重试")
}

// lastUserMessage 取最后一条 user 消息的内容。
func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// composeChatMessages 组装发给提供商的消息：系统提示（含检索结果）在前，客户端消息随后。
func composeChatMessages(clientMessages []llm.Message, searchResults []websearch.Result) []llm.Message {
	var sys strings.Builder
	sys.WriteString("你是 LoveChat 的 AI 助手，请基于对话上下文给出准确、连贯的回答。")
	if len(searchResults) > 0 {
		sys.WriteString("\n\n以下是与问题相关的联网搜索结果，回答时可参考并注明来源：\n")
		for i, r := range searchResults {
			sys.WriteString(fmt.Sprintf("[%d] %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Snippet))
		}
	}

	msgs := make([]llm.Message, 0, len(clientMessages)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: sys.String()})
	for _, m := range clientMessages {
		if m.Role == "system" {
			// 客户端不允许覆盖系统提示
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// marshalSearchMetadata 把搜索结果序列化进消息 metadata；无结果返回空串。
func marshalSearchMetadata(results []websearch.Result) string {
	if len(results) == 0 {
		return ""
	}
	b, err := json.Marshal(map[string]interface{}{"searchResults": results})
	if err != nil {
		return ""
	}
	return string(b)
}
