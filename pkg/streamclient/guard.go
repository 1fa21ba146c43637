package streamclient

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"lovechat-go/pkg/log"
)

// 挂起后未被唤醒时，等待这么久再把在途流标记为中断。
const defaultGraceDelay = 5 * time.Second

// guardState 是守卫落盘的状态，用于跨进程重启恢复。
type guardState struct {
	ActiveMessageIDs []uint `json:"activeMessageIds"`
}

// InterruptionGuard 跟踪 UI 正在渲染的在途流，在进程挂起或退出时
// 尽力通知服务端把对应的流记录标记为 paused。状态镜像到本地文件，
// 进程被直接杀死时由下一次启动的恢复路径补偿。
type InterruptionGuard struct {
	client    *Client
	statePath string
	grace     time.Duration

	mu         sync.Mutex
	active     map[uint]struct{}
	graceTimer *time.Timer
}

// NewInterruptionGuard 创建守卫并执行恢复：如果状态文件里残留着上一个
// 进程生命周期的在途流，立即把它们标记为中断，然后清空状态槽。
// 每个残留 ID 只会被标记一次。grace 为 0 时使用默认的 5 秒。
func NewInterruptionGuard(client *Client, statePath string, grace time.Duration) *InterruptionGuard {
	if grace <= 0 {
		grace = defaultGraceDelay
	}
	g := &InterruptionGuard{
		client:    client,
		statePath: statePath,
		grace:     grace,
		active:    make(map[uint]struct{}),
	}
	g.recoverLeftover()
	return g
}

// recoverLeftover 处理上一个进程生命周期残留的在途流。
func (g *InterruptionGuard) recoverLeftover() {
	data, err := os.ReadFile(g.statePath)
	if err != nil {
		return
	}
	var state guardState
	if err := json.Unmarshal(data, &state); err != nil {
		// 状态文件损坏，直接丢弃
		_ = os.Remove(g.statePath)
		return
	}
	for _, id := range state.ActiveMessageIDs {
		if err := g.client.MarkInterrupted(id); err != nil {
			log.Warnf("恢复路径标记中断失败: message=%d, err=%v", id, err)
		}
	}
	// 清空状态槽，保证残留流不会被二次标记
	_ = os.Remove(g.statePath)
}

// RegisterStream 登记一条正在渲染的在途流。
func (g *InterruptionGuard) RegisterStream(messageID uint) {
	g.mu.Lock()
	g.active[messageID] = struct{}{}
	g.mu.Unlock()
	g.persist()
}

// UnregisterStream 注销一条已结束的流。
func (g *InterruptionGuard) UnregisterStream(messageID uint) {
	g.mu.Lock()
	delete(g.active, messageID)
	g.mu.Unlock()
	g.persist()
}

// Suspend 通知守卫进程进入后台。启动宽限计时器，
// 宽限期内未被 Wake 唤醒则把全部在途流标记为中断。
func (g *InterruptionGuard) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.graceTimer != nil {
		g.graceTimer.Stop()
	}
	g.graceTimer = time.AfterFunc(g.grace, func() {
		g.markAllInterrupted()
	})
}

// Wake 通知守卫进程回到前台，取消未触发的宽限计时器。
func (g *InterruptionGuard) Wake() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
}

// Shutdown 在进程退出路径上调用：不等待宽限期，立即尽力标记全部
// 在途流并清空状态槽。通知可能静默丢失，服务端巡检会兜底。
func (g *InterruptionGuard) Shutdown() {
	g.Wake()
	g.markAllInterrupted()
	_ = os.Remove(g.statePath)
}

// markAllInterrupted 把当前全部在途流标记为中断并从登记中移除。
func (g *InterruptionGuard) markAllInterrupted() {
	g.mu.Lock()
	ids := make([]uint, 0, len(g.active))
	for id := range g.active {
		ids = append(ids, id)
	}
	g.active = make(map[uint]struct{})
	g.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := g.client.MarkInterrupted(id); err != nil {
			log.Warnf("标记中断失败: message=%d, err=%v", id, err)
		}
	}
	g.persist()
}

// persist 把当前在途集合镜像到状态文件。
func (g *InterruptionGuard) persist() {
	g.mu.Lock()
	state := guardState{ActiveMessageIDs: make([]uint, 0, len(g.active))}
	for id := range g.active {
		state.ActiveMessageIDs = append(state.ActiveMessageIDs, id)
	}
	g.mu.Unlock()

	sort.Slice(state.ActiveMessageIDs, func(i, j int) bool {
		return state.ActiveMessageIDs[i] < state.ActiveMessageIDs[j]
	})
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := os.WriteFile(g.statePath, data, 0o600); err != nil {
		log.Warnf("写入守卫状态文件失败: %v", err)
	}
}
