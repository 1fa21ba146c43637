package repository

import (
	"lovechat-go/internal/model"

	"gorm.io/gorm"
)

// ThreadRepository 定义了会话与消息的持久化操作。
type ThreadRepository interface {
	CreateThread(thread *model.Thread) error
	FindThreadByID(threadID uint) (*model.Thread, error)
	ListThreadsByUser(userID uint) ([]model.Thread, error)
	UpdateThread(thread *model.Thread) error
	DeleteThread(threadID, userID uint) error

	CreateMessage(msg *model.Message) error
	FindMessageByID(messageID uint) (*model.Message, error)
	ListMessagesByThread(threadID uint, limit int) ([]model.Message, error)
	UpdateMessageContent(messageID uint, content string) error
}

type threadRepository struct {
	db *gorm.DB
}

// NewThreadRepository 创建一个新的 ThreadRepository 实例。
func NewThreadRepository(db *gorm.DB) ThreadRepository {
	return &threadRepository{db: db}
}

func (r *threadRepository) CreateThread(thread *model.Thread) error {
	return r.db.Create(thread).Error
}

func (r *threadRepository) FindThreadByID(threadID uint) (*model.Thread, error) {
	var thread model.Thread
	if err := r.db.First(&thread, threadID).Error; err != nil {
		return nil, err
	}
	return &thread, nil
}

func (r *threadRepository) ListThreadsByUser(userID uint) ([]model.Thread, error) {
	var threads []model.Thread
	err := r.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&threads).Error
	return threads, err
}

func (r *threadRepository) UpdateThread(thread *model.Thread) error {
	return r.db.Save(thread).Error
}

// DeleteThread 删除会话及其全部消息。消息的流记录保留作历史。
func (r *threadRepository) DeleteThread(threadID, userID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", threadID, userID).Delete(&model.Thread{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("thread_id = ?", threadID).Delete(&model.Message{}).Error
	})
}

func (r *threadRepository) CreateMessage(msg *model.Message) error {
	return r.db.Create(msg).Error
}

func (r *threadRepository) FindMessageByID(messageID uint) (*model.Message, error) {
	var msg model.Message
	if err := r.db.First(&msg, messageID).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessagesByThread 按时间升序返回会话内最近的 limit 条消息；limit<=0 时返回全部。
func (r *threadRepository) ListMessagesByThread(threadID uint, limit int) ([]model.Message, error) {
	var msgs []model.Message
	q := r.db.Where("thread_id = ?", threadID).Order("id ASC")
	if limit > 0 {
		// 取最近 limit 条：先倒序取，再反转
		var recent []model.Message
		if err := r.db.Where("thread_id = ?", threadID).Order("id DESC").Limit(limit).Find(&recent).Error; err != nil {
			return nil, err
		}
		for i := len(recent) - 1; i >= 0; i-- {
			msgs = append(msgs, recent[i])
		}
		return msgs, nil
	}
	err := q.Find(&msgs).Error
	return msgs, err
}

func (r *threadRepository) UpdateMessageContent(messageID uint, content string) error {
	return r.db.Model(&model.Message{}).Where("id = ?", messageID).Update("content", content).Error
}
