package streamproto

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteText("第一段"))
	require.NoError(t, w.WriteReasoning("思考中"))
	require.NoError(t, w.WriteText(`带"引号"和
换行`))
	require.NoError(t, w.WriteFinish("stop", Usage{TotalTokens: 42}))

	r := NewReader(&buf)

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TagText, ev.Tag)
	assert.Equal(t, "第一段", ev.Text)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, TagReasoning, ev.Tag)
	assert.Equal(t, "思考中", ev.Text)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "带\"引号\"和\n换行", ev.Text)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, TagFinish, ev.Tag)
	require.NotNil(t, ev.Finish)
	assert.Equal(t, "stop", ev.Finish.FinishReason)
	assert.Equal(t, 42, ev.Finish.Usage.TotalTokens)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestWriteErrorLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteError("上游超时"))

	ev, err := ParseLine(strings.TrimSpace(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, TagError, ev.Tag)
	assert.Equal(t, "上游超时", ev.Text)
}

func TestParseLineRejectsMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"no-colon",
		":payload",
		"9:\"未知标签\"",
		"0:not-json",
		"d:{broken",
	} {
		_, err := ParseLine(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestReaderSkipsBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n\n0:\"a\"\n\n0:\"b\"\n"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Text)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", ev.Text)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderHandlesLargeSnapshotLine(t *testing.T) {
	// 恢复流的快照行可能远超 bufio 默认缓冲
	big := strings.Repeat("长内容", 100000)
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteText(big))

	ev, err := NewReader(&buf).Next()
	require.NoError(t, err)
	assert.Equal(t, big, ev.Text)
}
