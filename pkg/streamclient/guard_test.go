package streamclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lovechat-go/pkg/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init("error", "json", "")
	os.Exit(m.Run())
}

// interruptedRecorder 统计中断信标的到达次数。
type interruptedRecorder struct {
	mu    sync.Mutex
	calls map[uint]int
}

func newInterruptedServer(t *testing.T) (*httptest.Server, *interruptedRecorder) {
	t.Helper()
	rec := &interruptedRecorder{calls: make(map[uint]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/chat/streams/interrupted", r.URL.Path)
		// 信标路径不要求授权头
		require.Empty(t, r.Header.Get("Authorization"))

		var body struct {
			MessageID uint `json:"messageId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rec.mu.Lock()
		rec.calls[body.MessageID]++
		rec.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":200,"message":"success"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func (r *interruptedRecorder) count(messageID uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[messageID]
}

func TestGuardRecoveryOnReload(t *testing.T) {
	srv, rec := newInterruptedServer(t)
	statePath := filepath.Join(t.TempDir(), "streams.json")

	// 模拟上一个进程生命周期：登记了两条在途流后进程被直接杀死
	first := NewInterruptionGuard(NewClient(srv.URL), statePath, time.Second)
	first.RegisterStream(11)
	first.RegisterStream(12)
	assert.Zero(t, rec.count(11))

	// 新进程启动，恢复路径把残留流标记为中断，且各标记一次
	_ = NewInterruptionGuard(NewClient(srv.URL), statePath, time.Second)
	assert.Equal(t, 1, rec.count(11))
	assert.Equal(t, 1, rec.count(12))

	// 状态槽已清空：再次启动不会二次标记
	_ = NewInterruptionGuard(NewClient(srv.URL), statePath, time.Second)
	assert.Equal(t, 1, rec.count(11))
	assert.Equal(t, 1, rec.count(12))
	_, err := os.Stat(statePath)
	assert.True(t, os.IsNotExist(err))
}

func TestGuardSuspendGraceAndWake(t *testing.T) {
	srv, rec := newInterruptedServer(t)
	statePath := filepath.Join(t.TempDir(), "streams.json")
	guard := NewInterruptionGuard(NewClient(srv.URL), statePath, 50*time.Millisecond)
	guard.RegisterStream(21)

	// 宽限期内唤醒，不应标记
	guard.Suspend()
	guard.Wake()
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, rec.count(21))

	// 宽限期内未唤醒，全部在途流被标记
	guard.Suspend()
	assert.Eventually(t, func() bool {
		return rec.count(21) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGuardShutdownMarksImmediately(t *testing.T) {
	srv, rec := newInterruptedServer(t)
	statePath := filepath.Join(t.TempDir(), "streams.json")
	guard := NewInterruptionGuard(NewClient(srv.URL), statePath, time.Hour)
	guard.RegisterStream(31)
	guard.RegisterStream(32)

	guard.Shutdown()
	assert.Equal(t, 1, rec.count(31))
	assert.Equal(t, 1, rec.count(32))
	_, err := os.Stat(statePath)
	assert.True(t, os.IsNotExist(err))
}

func TestGuardUnregisterStopsTracking(t *testing.T) {
	srv, rec := newInterruptedServer(t)
	statePath := filepath.Join(t.TempDir(), "streams.json")
	guard := NewInterruptionGuard(NewClient(srv.URL), statePath, time.Hour)
	guard.RegisterStream(41)
	guard.UnregisterStream(41)

	guard.Shutdown()
	assert.Zero(t, rec.count(41))
}
