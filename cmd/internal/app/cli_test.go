package app

import (
	"bytes"
	"testing"
	"time"

	"chatsync/cmd/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMessage(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &message.Message{
		Type:       message.TypeFileFromOperator,
		SenderName: "Ann",
		Text:       "report.pdf",
		TimeMicros: now.Add(-3 * time.Minute).UnixMicro(),
		Attachment: &message.Attachment{FileName: "report.pdf", Size: 2048},
	}
	assert.Equal(t, "[3 minutes ago] file_from_operator Ann: report.pdf (2.0 kB)", formatMessage(m, now))

	out := &message.Message{
		Type:       message.TypeVisitor,
		Text:       "hello",
		TimeMicros: now.UnixMicro(),
		SendStatus: message.SendStatusFailed,
	}
	assert.Equal(t, "[now] visitor: hello (failed)", formatMessage(out, now))
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "chatsync dev\n", buf.String())
}

func TestHistoryCommand_MemoryStore(t *testing.T) {
	t.Setenv("CHATSYNC_SERVER_URL", "https://chat.example.com")
	t.Setenv("CHATSYNC_HISTORY_STORE", StoreMemory)

	var out, errOut bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"history", "--limit", "5", "--log-format", "json"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "0 messages, revision \"\"\n", out.String())
	assert.Contains(t, errOut.String(), `"msg":"history.store"`)
}
