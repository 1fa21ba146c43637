package handler

import (
	"net/http"
	"strconv"

	"lovechat-go/internal/service"

	"github.com/gin-gonic/gin"
)

// SearchHandler 负责消息全文检索接口。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// SearchMessages 处理 GET /search/messages?q=&size=。
// 检索范围限定在当前用户自己的消息内。
func (h *SearchHandler) SearchMessages(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
		return
	}

	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "缺少查询参数 q",
		})
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "10"))
	if err != nil || size <= 0 {
		size = 10
	}

	docs, err := h.searchService.SearchMessages(c.Request.Context(), user.ID, query, size)
	if err != nil {
		respondServiceError(c, err, "消息检索失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    docs,
	})
}
