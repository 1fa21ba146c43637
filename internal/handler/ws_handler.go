package handler

import (
	"net/http"

	"lovechat-go/internal/service"
	"lovechat-go/pkg/events"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// WSHandler 通过 WebSocket 向客户端推送流状态事件，
// 用于多标签页之间感知流的 paused/resumed/completed 变化。
type WSHandler struct {
	hub         *events.Hub
	userService service.UserService
	jwtManager  *token.JWTManager
}

// NewWSHandler 创建一个新的 WSHandler 实例。
func NewWSHandler(hub *events.Hub, userService service.UserService, jwtManager *token.JWTManager) *WSHandler {
	return &WSHandler{hub: hub, userService: userService, jwtManager: jwtManager}
}

// Handle 处理 GET /ws/streams/:token。
// WebSocket 无法携带授权头，token 作为路径参数传入。
func (h *WSHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	user, err := h.userService.GetProfile(claims.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，用户: %s", user.Username)

	ch, cancel := h.hub.Subscribe(user.ID)
	defer cancel()

	// 读协程只用于感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			log.Infof("WebSocket 连接已断开，用户: %s", user.Username)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Warnf("推送流事件失败: user=%d, err=%v", user.ID, err)
				return
			}
		}
	}
}
