package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"lovechat-go/internal/model"
	"lovechat-go/internal/repository"
	"lovechat-go/pkg/events"
	"lovechat-go/pkg/llm"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/tasks"

	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	log.Init("error", "json", "")
	os.Exit(m.Run())
}

// 内存版流记录仓储，迁移语义与 MySQL 实现一致（条件更新、行数为 0 即拒绝）。
type fakeStreamRepo struct {
	mu      sync.Mutex
	records map[string]*model.StreamRecord
	// 记录 UpdateProgress 被调用时的内容长度，用于断言单调性
	progressLens []int
}

func newFakeStreamRepo() *fakeStreamRepo {
	return &fakeStreamRepo{records: make(map[string]*model.StreamRecord)}
}

func (r *fakeStreamRepo) put(rec *model.StreamRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records[rec.ID] = &cp
}

func (r *fakeStreamRepo) get(id string) *model.StreamRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (r *fakeStreamRepo) Create(ctx context.Context, record *model.StreamRecord) error {
	r.put(record)
	return nil
}

func (r *fakeStreamRepo) FindByID(ctx context.Context, id string) (*model.StreamRecord, error) {
	rec := r.get(id)
	if rec == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return rec, nil
}

func (r *fakeStreamRepo) FindByMessageID(ctx context.Context, messageID uint) (*model.StreamRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.MessageID == messageID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeStreamRepo) ListResumableByThread(ctx context.Context, threadID, userID uint) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, rec := range r.records {
		if rec.ThreadID == threadID && rec.UserID == userID && rec.Active() {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (r *fakeStreamRepo) UpdateProgress(ctx context.Context, id string, partialContent string, estimated float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != model.StreamStatusStreaming {
		return nil
	}
	if len([]rune(rec.PartialContent)) > len([]rune(partialContent)) {
		return nil
	}
	rec.PartialContent = partialContent
	if estimated > rec.EstimatedCompletion {
		rec.EstimatedCompletion = estimated
	}
	rec.LastUpdatedAt = time.Now()
	r.progressLens = append(r.progressLens, len(partialContent))
	return nil
}

func (r *fakeStreamRepo) TransitionPausedToStreaming(ctx context.Context, id string, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.UserID != userID || rec.Status != model.StreamStatusPaused {
		return repository.ErrStaleTransition
	}
	rec.Status = model.StreamStatusStreaming
	rec.LastUpdatedAt = time.Now()
	return nil
}

func (r *fakeStreamRepo) MarkPausedByMessageID(ctx context.Context, messageID uint) (*model.StreamRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.MessageID != messageID {
			continue
		}
		if rec.Status != model.StreamStatusStreaming {
			cp := *rec
			return &cp, false, nil
		}
		rec.Status = model.StreamStatusPaused
		rec.LastUpdatedAt = time.Now()
		cp := *rec
		return &cp, true, nil
	}
	return nil, false, gorm.ErrRecordNotFound
}

func (r *fakeStreamRepo) MarkStalePaused(ctx context.Context, cutoff time.Time) ([]model.StreamRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []model.StreamRecord
	for _, rec := range r.records {
		if rec.Status == model.StreamStatusStreaming && rec.LastUpdatedAt.Before(cutoff) {
			rec.Status = model.StreamStatusPaused
			stale = append(stale, *rec)
		}
	}
	return stale, nil
}

func (r *fakeStreamRepo) Complete(ctx context.Context, id string, finalContent string, tokens int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != model.StreamStatusStreaming {
		return repository.ErrStaleTransition
	}
	now := time.Now()
	rec.Status = model.StreamStatusCompleted
	rec.PartialContent = finalContent
	rec.EstimatedCompletion = 1.0
	rec.TotalTokens += tokens
	rec.CompletedAt = &now
	rec.LastUpdatedAt = now
	return nil
}

func (r *fakeStreamRepo) Fail(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != model.StreamStatusStreaming {
		return repository.ErrStaleTransition
	}
	rec.Status = model.StreamStatusFailed
	rec.LastUpdatedAt = time.Now()
	return nil
}

// 内存版会话与消息仓储。
type fakeThreadRepo struct {
	mu       sync.Mutex
	threads  map[uint]*model.Thread
	messages map[uint]*model.Message
	nextID   uint
}

func newFakeThreadRepo() *fakeThreadRepo {
	return &fakeThreadRepo{
		threads:  make(map[uint]*model.Thread),
		messages: make(map[uint]*model.Message),
		nextID:   1,
	}
}

func (r *fakeThreadRepo) CreateThread(thread *model.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if thread.ID == 0 {
		thread.ID = r.nextID
		r.nextID++
	}
	cp := *thread
	r.threads[thread.ID] = &cp
	return nil
}

func (r *fakeThreadRepo) FindThreadByID(threadID uint) (*model.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[threadID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeThreadRepo) ListThreadsByUser(userID uint) ([]model.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Thread
	for _, t := range r.threads {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *fakeThreadRepo) UpdateThread(thread *model.Thread) error {
	return r.CreateThread(thread)
}

func (r *fakeThreadRepo) DeleteThread(threadID, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[threadID]
	if !ok || t.UserID != userID {
		return gorm.ErrRecordNotFound
	}
	delete(r.threads, threadID)
	return nil
}

func (r *fakeThreadRepo) CreateMessage(msg *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ID == 0 {
		msg.ID = r.nextID
		r.nextID++
	}
	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

func (r *fakeThreadRepo) FindMessageByID(messageID uint) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *fakeThreadRepo) ListMessagesByThread(threadID uint, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.messages {
		if m.ThreadID == threadID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *fakeThreadRepo) UpdateMessageContent(messageID uint, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	m.Content = content
	return nil
}

// 无后端的上下文缓存。
type fakeHistoryRepo struct {
	mu          sync.Mutex
	invalidated []uint
	appended    int
}

func (r *fakeHistoryRepo) GetHistory(ctx context.Context, threadID uint) ([]model.ChatMessage, error) {
	return nil, nil
}

func (r *fakeHistoryRepo) SetHistory(ctx context.Context, threadID uint, messages []model.ChatMessage) error {
	return nil
}

func (r *fakeHistoryRepo) AppendExchange(ctx context.Context, threadID uint, question, answer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended++
	return nil
}

func (r *fakeHistoryRepo) Invalidate(ctx context.Context, threadID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, threadID)
	return nil
}

// 按脚本回放分块的 LLM 客户端。
type scriptedClient struct {
	deltas []string
	err    error
	usage  llm.Usage
	// 每个分块之间的停顿，用于并发测试放大竞争窗口
	delay time.Duration
}

func (c *scriptedClient) StreamChat(ctx context.Context, req llm.ChatRequest, writer llm.ChunkWriter) (*llm.Usage, error) {
	if c.err != nil {
		return nil, c.err
	}
	for _, d := range c.deltas {
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		if err := writer.WriteChunk(d); err != nil {
			return nil, err
		}
	}
	u := c.usage
	return &u, nil
}

type fakeResolver struct {
	client llm.Client
	err    error
}

func (r *fakeResolver) Resolve(model string) (llm.Client, string, error) {
	if r.err != nil {
		return nil, "", r.err
	}
	return r.client, model, nil
}

// 记录事件与任务的 Notifier。
type fakeNotifier struct {
	mu     sync.Mutex
	events []events.StreamEvent
	tasks  []tasks.UsageTask
}

func (n *fakeNotifier) PublishEvent(ctx context.Context, ev events.StreamEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) AccountUsage(task tasks.UsageTask) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, task)
}

func (n *fakeNotifier) IndexMessage(ctx context.Context, msg *model.Message) {}

func (n *fakeNotifier) eventsOfType(t string) []events.StreamEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []events.StreamEvent
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

var _ repository.StreamRepository = (*fakeStreamRepo)(nil)
var _ repository.ThreadRepository = (*fakeThreadRepo)(nil)
var _ repository.HistoryRepository = (*fakeHistoryRepo)(nil)
var _ Notifier = (*fakeNotifier)(nil)

var errProviderDown = fmt.Errorf("provider connection refused")
