// Package streamclient 提供 LoveChat 流式接口的客户端封装：
// API 调用、中断守卫与恢复挂钩。供 CLI 与桌面端消费者使用。
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lovechat-go/pkg/streamproto"
)

// Message 是发送给聊天接口的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 是一次聊天流式请求的参数。
type ChatRequest struct {
	Model            string    `json:"model"`
	WebSearchEnabled bool      `json:"webSearchEnabled"`
	Messages         []Message `json:"messages"`
	APIKey           string    `json:"apiKey,omitempty"`
}

// EventFunc 在读到每一行协议事件时被调用。
type EventFunc func(ev *streamproto.Event) error

// Client 是 LoveChat API 的 HTTP 客户端。
type Client struct {
	baseURL string
	token   string
	// 流式请求不能设置整体超时，读取时长由服务端与 ctx 决定
	httpClient *http.Client
	// beaconClient 用于退出路径上的短超时尽力而为调用
	beaconClient *http.Client
}

// NewClient 创建一个指向 baseURL 的客户端，例如 "http://localhost:8080"。
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{},
		beaconClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// SetToken 设置后续请求使用的访问令牌。
func (c *Client) SetToken(token string) {
	c.token = token
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Login 登录并把返回的访问令牌设置到客户端上。
func (c *Client) Login(ctx context.Context, username, password string) error {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/users/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed with status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("failed to decode login data: %w", err)
	}
	c.token = data.Token
	return nil
}

// StreamChat 发起一次聊天流式请求，逐行回调协议事件直到流结束。
func (c *Client) StreamChat(ctx context.Context, threadID uint, chatReq ChatRequest, fn EventFunc) error {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/v1/chat/stream?threadId=%d", c.baseURL, threadID)
	return c.readStream(ctx, url, body, fn)
}

// ListResumable 返回会话内可恢复的流 ID 列表。
func (c *Client) ListResumable(ctx context.Context, threadID uint) ([]string, error) {
	url := fmt.Sprintf("%s/api/v1/chat/streams/resumable?threadId=%d", c.baseURL, threadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resumable query failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resumable query failed with status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode resumable response: %w", err)
	}
	var data struct {
		Streams []string `json:"streams"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode resumable data: %w", err)
	}
	return data.Streams, nil
}

// Resume 恢复一条 paused 的流，逐行回调协议事件。
// 恢复流的文本行是全量快照而非增量。
func (c *Client) Resume(ctx context.Context, streamID string, fn EventFunc) error {
	body, err := json.Marshal(map[string]string{"streamId": streamID})
	if err != nil {
		return err
	}
	return c.readStream(ctx, c.baseURL+"/api/v1/chat/streams/resume", body, fn)
}

// MarkInterrupted 把某消息的在途流标记为中断。信标语义：短超时、
// 不带授权头、调用方应容忍失败。
func (c *Client) MarkInterrupted(messageID uint) error {
	body, _ := json.Marshal(map[string]uint{"messageId": messageID})
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/v1/chat/streams/interrupted", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.beaconClient.Do(req)
	if err != nil {
		return fmt.Errorf("interrupted beacon failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("interrupted beacon failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) readStream(ctx context.Context, url string, body []byte, fn EventFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream request failed with status %d: %s", resp.StatusCode, b)
	}

	reader := streamproto.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read stream: %w", err)
		}
		if fn != nil {
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
