package service

import (
	"context"
	"fmt"

	"lovechat-go/internal/model"
	"lovechat-go/internal/repository"

	"gorm.io/gorm"
)

// ThreadService 定义了会话与消息的业务操作。
type ThreadService interface {
	CreateThread(ctx context.Context, userID uint, title, modelName string) (*model.Thread, error)
	ListThreads(ctx context.Context, userID uint) ([]model.Thread, error)
	DeleteThread(ctx context.Context, threadID, userID uint) error
	// GetOwnedThread 获取会话并校验归属；不存在返回 ErrNotFound，非本人返回 ErrForbidden。
	GetOwnedThread(ctx context.Context, threadID, userID uint) (*model.Thread, error)
	ListMessages(ctx context.Context, threadID, userID uint) ([]model.Message, error)
	// SaveMessage 持久化一条消息并做尽力而为的索引。
	SaveMessage(ctx context.Context, msg *model.Message) error
}

type threadService struct {
	threadRepo  repository.ThreadRepository
	historyRepo repository.HistoryRepository
	notifier    Notifier
}

// NewThreadService 创建一个新的 ThreadService 实例。
func NewThreadService(threadRepo repository.ThreadRepository, historyRepo repository.HistoryRepository, notifier Notifier) ThreadService {
	return &threadService{
		threadRepo:  threadRepo,
		historyRepo: historyRepo,
		notifier:    notifier,
	}
}

func (s *threadService) CreateThread(ctx context.Context, userID uint, title, modelName string) (*model.Thread, error) {
	if title == "" {
		title = "新对话"
	}
	thread := &model.Thread{UserID: userID, Title: title, Model: modelName}
	if err := s.threadRepo.CreateThread(thread); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

func (s *threadService) ListThreads(ctx context.Context, userID uint) ([]model.Thread, error) {
	return s.threadRepo.ListThreadsByUser(userID)
}

func (s *threadService) DeleteThread(ctx context.Context, threadID, userID uint) error {
	if err := s.threadRepo.DeleteThread(threadID, userID); err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	// 上下文缓存一并清掉
	_ = s.historyRepo.Invalidate(ctx, threadID)
	return nil
}

func (s *threadService) GetOwnedThread(ctx context.Context, threadID, userID uint) (*model.Thread, error) {
	thread, err := s.threadRepo.FindThreadByID(threadID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find thread: %w", err)
	}
	if thread.UserID != userID {
		return nil, ErrForbidden
	}
	return thread, nil
}

func (s *threadService) ListMessages(ctx context.Context, threadID, userID uint) ([]model.Message, error) {
	if _, err := s.GetOwnedThread(ctx, threadID, userID); err != nil {
		return nil, err
	}
	return s.threadRepo.ListMessagesByThread(threadID, 0)
}

func (s *threadService) SaveMessage(ctx context.Context, msg *model.Message) error {
	if err := s.threadRepo.CreateMessage(msg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	s.notifier.IndexMessage(ctx, msg)
	return nil
}
