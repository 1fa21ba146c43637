package handler

import (
	"net/http"
	"strconv"

	"lovechat-go/internal/service"
	"lovechat-go/pkg/llm"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/streamproto"

	"github.com/gin-gonic/gin"
)

// ChatHandler 负责处理聊天流式接口。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler 实例。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// ChatStreamRequest 定义了聊天流式 API 的请求体结构。
type ChatStreamRequest struct {
	Model            string        `json:"model" binding:"required"`
	WebSearchEnabled bool          `json:"webSearchEnabled"`
	Messages         []llm.Message `json:"messages" binding:"required"`
	APIKey           string        `json:"apiKey"`
}

// Stream 处理 POST /chat/stream：以行协议流式返回一次生成。
// 会话 ID 通过查询参数 threadId 传入。
func (h *ChatHandler) Stream(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
		return
	}

	threadID, err := strconv.ParseUint(c.Query("threadId"), 10, 64)
	if err != nil || threadID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "缺少或非法的 threadId 参数",
		})
		return
	}

	var req ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求负载：model 与 messages 不能为空",
		})
		return
	}

	setStreamingHeaders(c)
	out := streamproto.NewWriter(c.Writer)

	err = h.chatService.StreamResponse(c.Request.Context(), service.ChatStreamRequest{
		ThreadID:         uint(threadID),
		Model:            req.Model,
		WebSearchEnabled: req.WebSearchEnabled,
		Messages:         req.Messages,
		APIKey:           req.APIKey,
	}, user, out)
	if err != nil {
		// 流一旦开始写出就只能在流内报错，这里只处理开写前的失败
		if !c.Writer.Written() {
			respondServiceError(c, err, "聊天请求处理失败")
			return
		}
		log.Errorf("处理流式响应失败: thread=%d, err=%v", threadID, err)
	}
}

// setStreamingHeaders 设置行协议流所需的响应头。
func setStreamingHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	// 反向代理不得缓冲流式响应
	c.Header("X-Accel-Buffering", "no")
}
