package service

import (
	"context"
	"fmt"

	"lovechat-go/internal/model"
	"lovechat-go/internal/repository"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/tasks"
)

// UsageService 消费 Kafka 的用量任务并维护每用户累计统计。
// 它实现了 kafka.TaskProcessor 接口。
type UsageService interface {
	Process(ctx context.Context, task tasks.UsageTask) error
	GetUsage(ctx context.Context, userID uint) (*model.UsageStat, error)
}

type usageService struct {
	usageRepo repository.UsageRepository
}

// NewUsageService 创建一个新的 UsageService 实例。
func NewUsageService(usageRepo repository.UsageRepository) UsageService {
	return &usageService{usageRepo: usageRepo}
}

// Process 把一次生成的 token 用量入账。
func (s *usageService) Process(ctx context.Context, task tasks.UsageTask) error {
	if err := s.usageRepo.AddUsage(task.UserID, int64(task.TotalTokens)); err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	log.Infof("用量入账完成: user=%d, tokens=%d, stream=%s", task.UserID, task.TotalTokens, task.StreamID)
	return nil
}

func (s *usageService) GetUsage(ctx context.Context, userID uint) (*model.UsageStat, error) {
	return s.usageRepo.FindByUserID(userID)
}
