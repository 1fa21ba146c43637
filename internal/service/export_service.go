package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lovechat-go/internal/config"
	"lovechat-go/internal/model"
	"lovechat-go/internal/repository"
	"lovechat-go/pkg/storage"
	"lovechat-go/pkg/token"
)

// ExportService 把整个会话导出为对象存储中的文件并返回预签名下载链接。
type ExportService interface {
	// ExportThread 导出会话。format 支持 "markdown" 与 "json"，默认 markdown。
	ExportThread(ctx context.Context, threadID, userID uint, format string) (string, error)
}

type exportService struct {
	threadRepo repository.ThreadRepository
	minioCfg   config.MinIOConfig
}

// NewExportService 创建一个新的 ExportService 实例。
func NewExportService(threadRepo repository.ThreadRepository, minioCfg config.MinIOConfig) ExportService {
	return &exportService{threadRepo: threadRepo, minioCfg: minioCfg}
}

func (s *exportService) ExportThread(ctx context.Context, threadID, userID uint, format string) (string, error) {
	thread, err := s.threadRepo.FindThreadByID(threadID)
	if err != nil {
		return "", ErrNotFound
	}
	if thread.UserID != userID {
		return "", ErrForbidden
	}

	messages, err := s.threadRepo.ListMessagesByThread(threadID, 0)
	if err != nil {
		return "", fmt.Errorf("failed to load thread messages: %w", err)
	}

	var data []byte
	var contentType, ext string
	switch format {
	case "json":
		data, err = renderJSON(thread, messages)
		contentType, ext = "application/json", "json"
	default:
		data, err = renderMarkdown(thread, messages)
		contentType, ext = "text/markdown", "md"
	}
	if err != nil {
		return "", fmt.Errorf("failed to render export: %w", err)
	}

	objectName := fmt.Sprintf("exports/%d/thread-%d-%s.%s",
		userID, threadID, token.GenerateRandomString(6), ext)
	if err := storage.PutObject(ctx, s.minioCfg.BucketName, objectName, contentType, data); err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}

	url, err := storage.GetPresignedURL(s.minioCfg.BucketName, objectName, 24*time.Hour)
	if err != nil {
		return "", fmt.Errorf("failed to presign export url: %w", err)
	}
	return url, nil
}

func renderMarkdown(thread *model.Thread, messages []model.Message) ([]byte, error) {
	var b strings.Builder
	title := thread.Title
	if title == "" {
		title = fmt.Sprintf("对话 %d", thread.ID)
	}
	b.WriteString(fmt.Sprintf("# %s\n\n", title))
	b.WriteString(fmt.Sprintf("导出时间：%s\n\n---\n\n", time.Now().Format("2006-01-02 15:04:05")))
	for _, m := range messages {
		role := "用户"
		if m.Role == "assistant" {
			role = "助手"
			if m.Model != "" {
				role = fmt.Sprintf("助手 (%s)", m.Model)
			}
		}
		b.WriteString(fmt.Sprintf("## %s\n\n%s\n\n", role, m.Content))
	}
	return []byte(b.String()), nil
}

func renderJSON(thread *model.Thread, messages []model.Message) ([]byte, error) {
	return json.MarshalIndent(map[string]interface{}{
		"thread":     thread,
		"messages":   messages,
		"exportedAt": time.Now(),
	}, "", "  ")
}
