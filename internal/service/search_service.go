package service

import (
	"context"
	"fmt"

	"lovechat-go/internal/config"
	"lovechat-go/pkg/es"
)

// SearchService 定义了消息全文检索的业务操作。
type SearchService interface {
	SearchMessages(ctx context.Context, userID uint, query string, size int) ([]es.MessageDoc, error)
}

type searchService struct {
	esCfg config.ElasticsearchConfig
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(esCfg config.ElasticsearchConfig) SearchService {
	return &searchService{esCfg: esCfg}
}

// SearchMessages 在调用者自己的消息范围内做全文检索。
func (s *searchService) SearchMessages(ctx context.Context, userID uint, query string, size int) ([]es.MessageDoc, error) {
	if query == "" {
		return nil, fmt.Errorf("search query must not be empty")
	}
	return es.SearchMessages(ctx, s.esCfg.IndexName, userID, query, size)
}
