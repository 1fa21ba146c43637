package handler

import (
	"net/http"
	"strconv"

	"lovechat-go/internal/service"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/streamproto"

	"github.com/gin-gonic/gin"
)

// StreamHandler 负责流记录生命周期相关的接口：可恢复流查询、恢复、中断标记。
type StreamHandler struct {
	streamService service.StreamService
}

// NewStreamHandler 创建一个新的 StreamHandler 实例。
func NewStreamHandler(streamService service.StreamService) *StreamHandler {
	return &StreamHandler{streamService: streamService}
}

// ListResumable 处理 GET /chat/streams/resumable?threadId=。
// 返回会话内属于当前用户的可恢复流 ID 列表。
func (h *StreamHandler) ListResumable(c *gin.Context) {
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

	ids, err := h.streamService.ListResumable(c.Request.Context(), uint(threadID), user.ID)
	if err != nil {
		respondServiceError(c, err, "查询可恢复流失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    gin.H{"streams": ids},
	})
}

// ResumeRequest 定义了恢复流 API 的请求体结构。
type ResumeRequest struct {
	StreamID string `json:"streamId" binding:"required"`
}

// Resume 处理 POST /chat/streams/resume：恢复一条 paused 的流并以
// 全量快照协议重新流式下发。
func (h *StreamHandler) Resume(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
		return
	}

	var req ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求负载：streamId 不能为空",
		})
		return
	}

	setStreamingHeaders(c)
	out := streamproto.NewWriter(c.Writer)

	if err := h.streamService.Resume(c.Request.Context(), req.StreamID, user, out); err != nil {
		if !c.Writer.Written() {
			if err == service.ErrNotPaused {
				c.JSON(http.StatusConflict, gin.H{
					"code":    http.StatusConflict,
					"message": "该流当前不可恢复",
				})
				return
			}
			respondServiceError(c, err, "恢复流失败")
			return
		}
		log.Errorf("恢复流式响应失败: stream=%s, err=%v", req.StreamID, err)
	}
}

// InterruptedRequest 定义了中断标记 API 的请求体结构。
type InterruptedRequest struct {
	MessageID uint `json:"messageId" binding:"required"`
}

// MarkInterrupted 处理 POST /chat/streams/interrupted。
// 这是客户端退出时的信标路径：不经过认证中间件，必须接受
// 没有授权头的请求；归属由消息与流记录的关联保证。幂等。
func (h *StreamHandler) MarkInterrupted(c *gin.Context) {
	var req InterruptedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求负载：messageId 不能为空",
		})
		return
	}

	if err := h.streamService.MarkInterrupted(c.Request.Context(), req.MessageID); err != nil {
		if err == service.ErrNotFound {
			// 信标可能晚于流完成到达，不存在在途流不算错误
			c.JSON(http.StatusOK, gin.H{
				"code":    http.StatusOK,
				"message": "success",
			})
			return
		}
		respondServiceError(c, err, "标记中断失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
	})
}
