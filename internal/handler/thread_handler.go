package handler

import (
	"net/http"
	"strconv"

	"lovechat-go/internal/service"
	"lovechat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ThreadHandler 负责会话的增删查、消息列表与导出。
type ThreadHandler struct {
	threadService service.ThreadService
	exportService service.ExportService
}

// NewThreadHandler 创建一个新的 ThreadHandler 实例。
func NewThreadHandler(threadService service.ThreadService, exportService service.ExportService) *ThreadHandler {
	return &ThreadHandler{threadService: threadService, exportService: exportService}
}

// CreateThreadRequest 定义了创建会话 API 的请求体结构。
type CreateThreadRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

// CreateThread 创建一个新会话。
func (h *ThreadHandler) CreateThread(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
		return
	}

	var req CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求负载",
		})
		return
	}

	thread, err := h.threadService.CreateThread(c.Request.Context(), user.ID, req.Title, req.Model)
	if err != nil {
		log.Errorf("创建会话失败: user=%d, err=%v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "创建会话失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    thread,
	})
}

// ListThreads 列出当前用户的全部会话。
func (h *ThreadHandler) ListThreads(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
		return
	}

	threads, err := h.threadService.ListThreads(c.Request.Context(), user.ID)
	if err != nil {
		log.Errorf("查询会话列表失败: user=%d, err=%v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "查询会话列表失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    threads,
	})
}

// DeleteThread 删除一个会话及其消息。
func (h *ThreadHandler) DeleteThread(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
		return
	}

	threadID, ok := pathThreadID(c)
	if !ok {
		return
	}

	if err := h.threadService.DeleteThread(c.Request.Context(), threadID, user.ID); err != nil {
		respondServiceError(c, err, "删除会话失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "会话已删除",
	})
}

// ListMessages 列出会话内的全部消息。
func (h *ThreadHandler) ListMessages(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
		return
	}

	threadID, ok := pathThreadID(c)
	if !ok {
		return
	}

	messages, err := h.threadService.ListMessages(c.Request.Context(), threadID, user.ID)
	if err != nil {
		respondServiceError(c, err, "查询消息失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    messages,
	})
}

// ExportThread 把会话导出为 Markdown 或 JSON 文件，返回预签名下载链接。
func (h *ThreadHandler) ExportThread(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
		return
	}

	threadID, ok := pathThreadID(c)
	if !ok {
		return
	}
	format := c.DefaultQuery("format", "markdown")

	url, err := h.exportService.ExportThread(c.Request.Context(), threadID, user.ID, format)
	if err != nil {
		respondServiceError(c, err, "导出会话失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    gin.H{"downloadUrl": url},
	})
}

// pathThreadID 解析路径参数 :id；非法时直接写 400 响应并返回 false。
func pathThreadID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的会话 ID",
		})
		return 0, false
	}
	return uint(id), true
}

// respondServiceError 把 service 层错误映射为统一的 HTTP 响应。
func respondServiceError(c *gin.Context, err error, fallback string) {
	switch err {
	case service.ErrNotFound:
		c.JSON(http.StatusNotFound, gin.H{
			"code":    http.StatusNotFound,
			"message": "资源不存在",
		})
	case service.ErrForbidden:
		c.JSON(http.StatusForbidden, gin.H{
			"code":    http.StatusForbidden,
			"message": "无权访问该资源",
		})
	default:
		log.Errorf("%s: %v", fallback, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": fallback,
		})
	}
}
