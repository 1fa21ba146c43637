package events

import "sync"

// Hub 把事件分发给本实例上的订阅者，按用户隔离。
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	userID uint
	ch     chan StreamEvent
}

// NewHub 创建一个新的 Hub。
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe 注册一个订阅，只会收到属于该用户的事件。
// 返回事件通道与取消函数；取消后通道关闭。
func (h *Hub) Subscribe(userID uint) (<-chan StreamEvent, func()) {
	s := &subscriber{userID: userID, ch: make(chan StreamEvent, 16)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			close(s.ch)
		}
		h.mu.Unlock()
	}
	return s.ch, cancel
}

// Broadcast 把事件投递给所有匹配用户的订阅者；
// 订阅者消费过慢时丢弃事件而不阻塞。
func (h *Hub) Broadcast(ev StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.userID != ev.UserID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}
