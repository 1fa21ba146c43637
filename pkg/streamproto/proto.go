// Package streamproto 实现聊天流所使用的行式微协议。
// 每一行的格式为 `<tag>:<JSON>\n`：
//
//	0:"文本"              文本内容（聊天流中为增量，恢复流中为全量快照）
//	g:"推理内容"           模型的推理事件
//	d:{"finishReason":..} 结束行，携带结束原因与 token 用量
//	3:"错误信息"           应用层错误，出现后流即结束
package streamproto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// 行标签。
const (
	TagText      = "0"
	TagReasoning = "g"
	TagFinish    = "d"
	TagError     = "3"
)

// Usage 记录一次生成的 token 用量。
type Usage struct {
	TotalTokens int `json:"totalTokens"`
}

// FinishPayload 是结束行（d:）的载荷。
type FinishPayload struct {
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
}

// Event 是解码后的一行协议事件。
type Event struct {
	Tag    string
	Text   string         // TagText / TagReasoning / TagError 时有效
	Finish *FinishPayload // TagFinish 时有效
}

// Writer 将协议行写入底层 io.Writer，并在每行后尝试 Flush。
type Writer struct {
	w io.Writer
}

// NewWriter 创建一个协议 Writer。
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) writeLine(tag string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal stream line: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "%s:%s\n", tag, b); err != nil {
		return err
	}
	if f, ok := w.w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}

// WriteText 写入一行文本内容。
func (w *Writer) WriteText(text string) error {
	return w.writeLine(TagText, text)
}

// WriteReasoning 写入一行推理事件。
func (w *Writer) WriteReasoning(text string) error {
	return w.writeLine(TagReasoning, text)
}

// WriteFinish 写入结束行。
func (w *Writer) WriteFinish(reason string, usage Usage) error {
	return w.writeLine(TagFinish, FinishPayload{FinishReason: reason, Usage: usage})
}

// WriteError 写入应用层错误行。
func (w *Writer) WriteError(msg string) error {
	return w.writeLine(TagError, msg)
}

// ParseLine 解析单行协议文本（不含换行符）。
func ParseLine(line string) (*Event, error) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return nil, fmt.Errorf("malformed stream line: %q", line)
	}
	tag, payload := line[:idx], line[idx+1:]
	switch tag {
	case TagText, TagReasoning, TagError:
		var text string
		if err := json.Unmarshal([]byte(payload), &text); err != nil {
			return nil, fmt.Errorf("failed to decode text line: %w", err)
		}
		return &Event{Tag: tag, Text: text}, nil
	case TagFinish:
		var fin FinishPayload
		if err := json.Unmarshal([]byte(payload), &fin); err != nil {
			return nil, fmt.Errorf("failed to decode finish line: %w", err)
		}
		return &Event{Tag: tag, Finish: &fin}, nil
	default:
		return nil, fmt.Errorf("unknown stream tag: %q", tag)
	}
}

// Reader 从流式响应体中逐行读取协议事件。
type Reader struct {
	s *bufio.Scanner
}

// NewReader 创建一个协议 Reader。
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	// 恢复流按行发送全量快照，单行可能很大
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{s: s}
}

// Next 读取下一行事件；流结束时返回 io.EOF。
func (r *Reader) Next() (*Event, error) {
	for r.s.Scan() {
		line := strings.TrimSpace(r.s.Text())
		if line == "" {
			continue
		}
		return ParseLine(line)
	}
	if err := r.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
