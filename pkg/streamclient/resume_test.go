package streamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"lovechat-go/pkg/streamproto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newResumeServer 返回一个提供可恢复流查询与恢复接口的测试服务端。
// 恢复流按快照协议回放：先已有内容，再合并后的全量内容。
func newResumeServer(t *testing.T, streamIDs []string, prior, final string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat/streams/resumable", func(w http.ResponseWriter, r *http.Request) {
		data, _ := json.Marshal(map[string]interface{}{"streams": streamIDs})
		fmt.Fprintf(w, `{"code":200,"message":"success","data":%s}`, data)
	})
	mux.HandleFunc("/api/v1/chat/streams/resume", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			StreamID string `json:"streamId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, streamIDs, body.StreamID)

		out := streamproto.NewWriter(w)
		require.NoError(t, out.WriteText(prior))
		require.NoError(t, out.WriteText(final))
		require.NoError(t, out.WriteFinish("stop", streamproto.Usage{TotalTokens: 9}))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResumeHookMergesIntoIncompleteMessage(t *testing.T) {
	srv := newResumeServer(t, []string{"s1"}, "The sky is", "The sky is blue.")
	hook := NewResumeHook(NewClient(srv.URL))

	messages := []MessageView{
		{ID: 1, Role: "user", Content: "What color is the sky? Please answer fully."},
		{ID: 2, Role: "assistant", Content: "The sky is"},
	}

	var snapshots []string
	merged, err := hook.Run(context.Background(), 7, messages, func(index int, content string) {
		assert.Equal(t, 1, index)
		snapshots = append(snapshots, content)
	})
	require.NoError(t, err)

	// 每个快照整体替换目标消息，最终内容为合并后的全量
	require.Len(t, merged, 2)
	assert.Equal(t, "The sky is blue.", merged[1].Content)
	assert.Equal(t, []string{"The sky is", "The sky is blue."}, snapshots)
}

func TestResumeHookAppendsWhenNoIncompleteMessage(t *testing.T) {
	srv := newResumeServer(t, []string{"s1"}, "旧内容", "旧内容，以及补全后的完整回答。")
	hook := NewResumeHook(NewClient(srv.URL))

	// 最后一条助手消息已完整，不应被覆盖
	messages := []MessageView{
		{ID: 1, Role: "user", Content: "问题"},
		{ID: 2, Role: "assistant", Content: "这是一条已经完整结束的回答，不应该被恢复流覆盖。"},
	}

	merged, err := hook.Run(context.Background(), 7, messages, nil)
	require.NoError(t, err)

	require.Len(t, merged, 3)
	assert.Equal(t, "这是一条已经完整结束的回答，不应该被恢复流覆盖。", merged[1].Content)
	assert.Equal(t, "assistant", merged[2].Role)
	assert.Equal(t, "旧内容，以及补全后的完整回答。", merged[2].Content)
}

func TestResumeHookNoopWithoutResumableStreams(t *testing.T) {
	srv := newResumeServer(t, nil, "", "")
	hook := NewResumeHook(NewClient(srv.URL))

	messages := []MessageView{{ID: 1, Role: "user", Content: "问题"}}
	merged, err := hook.Run(context.Background(), 7, messages, func(int, string) {
		t.Fatal("没有可恢复流时不应产生快照回调")
	})
	require.NoError(t, err)
	assert.Equal(t, messages, merged)
}

func TestLooksIncomplete(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"", true},
		{"短", true},
		{"The sky is", true},
		{"这是一条长度足够但是没有任何结束标点的回答所以看起来被截断了", true},
		{"这是一条长度足够而且以句号正常结尾的完整回答，不需要恢复。", false},
		{"This is a complete answer that ends with a period.", false},
		{"Does this complete answer end with a question mark?", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LooksIncomplete(tc.content), "content %q", tc.content)
	}
}
