package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"lovechat-go/internal/repository"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/streamproto"
)

// estimateProgress 根据已生成的字符数估算完成度。
// 取值渐进趋近 1 且随长度单调不减；完成时由 Complete 置为 1.0。
func estimateProgress(n int) float64 {
	return float64(n) / float64(n+2000)
}

// progressFlusher 把逐分块的进度持久化串行化为"最多一个在途写 + 最新快照"。
// 下发 HTTP 分块从不等待数据库写入；乱序写由仓储层的长度保护兜底，
// 这里保证同一条流的写入不会并发。
type progressFlusher struct {
	mu      sync.Mutex
	persist func(content string, estimated float64)
	pending string
	est     float64
	dirty   bool
	running bool
	wg      sync.WaitGroup
}

func newProgressFlusher(persist func(content string, estimated float64)) *progressFlusher {
	return &progressFlusher{persist: persist}
}

// Offer 提交最新快照。已有在途写时只更新待写快照，不新起 goroutine。
func (f *progressFlusher) Offer(content string, estimated float64) {
	f.mu.Lock()
	f.pending = content
	f.est = estimated
	f.dirty = true
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		for {
			f.mu.Lock()
			if !f.dirty {
				f.running = false
				f.mu.Unlock()
				return
			}
			content, est := f.pending, f.est
			f.dirty = false
			f.mu.Unlock()
			f.persist(content, est)
		}
	}()
}

// Wait 阻塞直到所有已提交的快照写完。流结束时调用，保证终态写入建立在最新进度之上。
func (f *progressFlusher) Wait() {
	f.wg.Wait()
}

// streamWriter 实现 llm.ChunkWriter：把提供商分块同时写到 HTTP 流与流记录。
// snapshot 为 true 时每行下发全量内容（恢复流协议），否则下发增量（聊天流协议）。
type streamWriter struct {
	proto    *streamproto.Writer
	prior    string // 恢复流时已存在的 partial_content
	snapshot bool
	builder  strings.Builder
	flusher  *progressFlusher
}

func newStreamWriter(proto *streamproto.Writer, prior string, snapshot bool, flusher *progressFlusher) *streamWriter {
	return &streamWriter{
		proto:    proto,
		prior:    prior,
		snapshot: snapshot,
		flusher:  flusher,
	}
}

// WriteChunk 处理一个文本增量。HTTP 写失败会中断生成；进度持久化从不中断。
func (w *streamWriter) WriteChunk(content string) error {
	w.builder.WriteString(content)
	full := w.prior + w.builder.String()

	var err error
	if w.snapshot {
		err = w.proto.WriteText(full)
	} else {
		err = w.proto.WriteText(content)
	}
	if err != nil {
		return err
	}

	w.flusher.Offer(full, estimateProgress(len(full)))
	return nil
}

// WriteReasoning 透传推理事件，不计入 partial_content。
func (w *streamWriter) WriteReasoning(content string) error {
	return w.proto.WriteReasoning(content)
}

// Generated 返回本轮新生成的文本。
func (w *streamWriter) Generated() string {
	return w.builder.String()
}

// Full 返回已有内容加本轮生成的完整文本。
func (w *streamWriter) Full() string {
	return w.prior + w.builder.String()
}

// newRecordPersister 返回持久化某条流记录进度的函数。
// 失败只记日志——进度跟踪的持久性让位于用户可见的连续性。
func newRecordPersister(streamRepo repository.StreamRepository, streamID string) func(content string, estimated float64) {
	return func(content string, estimated float64) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := streamRepo.UpdateProgress(ctx, streamID, content, estimated); err != nil {
			log.Warnf("持久化流进度失败: stream=%s, err=%v", streamID, err)
		}
	}
}
