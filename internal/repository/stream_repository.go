package repository

import (
	"context"
	"fmt"
	"time"

	"lovechat-go/internal/model"

	"gorm.io/gorm"
)

// ErrStaleTransition 表示条件更新未命中任何行：
// 记录不存在、不属于调用者、或状态已被并发请求抢先改变。
var ErrStaleTransition = fmt.Errorf("stream record transition rejected: no rows affected")

// StreamRepository 定义了流记录的持久化操作。
// 所有状态迁移都通过带状态条件的 UPDATE 实现，行数为 0 即拒绝，
// 以此充当 paused->streaming 等迁移上的乐观锁。
type StreamRepository interface {
	Create(ctx context.Context, record *model.StreamRecord) error
	FindByID(ctx context.Context, id string) (*model.StreamRecord, error)
	FindByMessageID(ctx context.Context, messageID uint) (*model.StreamRecord, error)
	// ListResumableByThread 返回某会话下属于该用户、状态为 paused 或 streaming 的记录 ID。
	ListResumableByThread(ctx context.Context, threadID, userID uint) ([]string, error)

	// UpdateProgress 持久化流式进度。仅对 streaming 记录生效，
	// 且带长度保护：乱序到达的旧快照不会缩短 partial_content。
	UpdateProgress(ctx context.Context, id string, partialContent string, estimated float64) error
	// TransitionPausedToStreaming 以原子条件更新执行 paused->streaming，
	// 并发恢复只有一个能成功，失败方收到 ErrStaleTransition。
	TransitionPausedToStreaming(ctx context.Context, id string, userID uint) error
	// MarkPausedByMessageID 把某消息的 streaming 记录置为 paused。
	// changed 仅在确实发生 streaming->paused 迁移时为 true；
	// 记录已是 paused 或已到终态时视为成功但 changed=false（幂等）。
	MarkPausedByMessageID(ctx context.Context, messageID uint) (record *model.StreamRecord, changed bool, err error)
	// MarkStalePaused 把 last_updated_at 早于 cutoff 的 streaming 记录批量置为 paused，
	// 返回受影响的记录。
	MarkStalePaused(ctx context.Context, cutoff time.Time) ([]model.StreamRecord, error)
	// Complete 终结记录：写入最终内容、累加 token、estimated_completion 置 1。
	Complete(ctx context.Context, id string, finalContent string, tokens int) error
	// Fail 终结记录为 failed，partial_content 保持原样。
	Fail(ctx context.Context, id string) error
}

type streamRepository struct {
	db *gorm.DB
}

// NewStreamRepository 创建一个新的 StreamRepository 实例。
func NewStreamRepository(db *gorm.DB) StreamRepository {
	return &streamRepository{db: db}
}

func (r *streamRepository) Create(ctx context.Context, record *model.StreamRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *streamRepository) FindByID(ctx context.Context, id string) (*model.StreamRecord, error) {
	var record model.StreamRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *streamRepository) FindByMessageID(ctx context.Context, messageID uint) (*model.StreamRecord, error) {
	var record model.StreamRecord
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *streamRepository) ListResumableByThread(ctx context.Context, threadID, userID uint) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.StreamRecord{}).
		Where("thread_id = ? AND user_id = ? AND status IN ?", threadID, userID,
			[]string{model.StreamStatusPaused, model.StreamStatusStreaming}).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *streamRepository) UpdateProgress(ctx context.Context, id string, partialContent string, estimated float64) error {
	// 长度保护 + GREATEST 保证 partial_content 与 estimated_completion 单调不减
	return r.db.WithContext(ctx).
		Model(&model.StreamRecord{}).
		Where("id = ? AND status = ? AND CHAR_LENGTH(partial_content) <= ?",
			id, model.StreamStatusStreaming, len([]rune(partialContent))).
		Updates(map[string]interface{}{
			"partial_content":      partialContent,
			"estimated_completion": gorm.Expr("GREATEST(estimated_completion, ?)", estimated),
			"last_updated_at":      time.Now(),
		}).Error
}

func (r *streamRepository) TransitionPausedToStreaming(ctx context.Context, id string, userID uint) error {
	res := r.db.WithContext(ctx).
		Model(&model.StreamRecord{}).
		Where("id = ? AND user_id = ? AND status = ?", id, userID, model.StreamStatusPaused).
		Updates(map[string]interface{}{
			"status":          model.StreamStatusStreaming,
			"last_updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *streamRepository) MarkPausedByMessageID(ctx context.Context, messageID uint) (*model.StreamRecord, bool, error) {
	record, err := r.FindByMessageID(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if record.Status != model.StreamStatusStreaming {
		// 重复标记与终态记录都是幂等的 no-op
		return record, false, nil
	}
	res := r.db.WithContext(ctx).
		Model(&model.StreamRecord{}).
		Where("id = ? AND status = ?", record.ID, model.StreamStatusStreaming).
		Updates(map[string]interface{}{
			"status":          model.StreamStatusPaused,
			"last_updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		// 并发方已经改变状态，对调用者而言同样是 no-op
		return record, false, nil
	}
	record.Status = model.StreamStatusPaused
	return record, true, nil
}

func (r *streamRepository) MarkStalePaused(ctx context.Context, cutoff time.Time) ([]model.StreamRecord, error) {
	var stale []model.StreamRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_updated_at < ?", model.StreamStatusStreaming, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(stale))
	for _, rec := range stale {
		ids = append(ids, rec.ID)
	}
	err = r.db.WithContext(ctx).
		Model(&model.StreamRecord{}).
		Where("id IN ? AND status = ?", ids, model.StreamStatusStreaming).
		Updates(map[string]interface{}{
			"status":          model.StreamStatusPaused,
			"last_updated_at": time.Now(),
		}).Error
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func (r *streamRepository) Complete(ctx context.Context, id string, finalContent string, tokens int) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&model.StreamRecord{}).
		Where("id = ? AND status = ?", id, model.StreamStatusStreaming).
		Updates(map[string]interface{}{
			"status":               model.StreamStatusCompleted,
			"partial_content":      finalContent,
			"estimated_completion": 1.0,
			"total_tokens":         gorm.Expr("total_tokens + ?", tokens),
			"completed_at":         now,
			"last_updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *streamRepository) Fail(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&model.StreamRecord{}).
		Where("id = ? AND status = ?", id, model.StreamStatusStreaming).
		Updates(map[string]interface{}{
			"status":          model.StreamStatusFailed,
			"last_updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}
