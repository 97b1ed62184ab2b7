package bridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduled-bridge")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestScheduledList(t *testing.T) {
	path := writeScript(t, `if [ "$1" = "list" ] && [ "$2" = "chat-1" ]; then
  echo '{"ok":true,"data":[{"guid":"g1","chatGuid":"chat-1","text":"later","scheduledAt":1700000000000,"scheduleType":2,"scheduleState":2}]}'
else
  echo '{"ok":true,"data":[]}'
fi`)
	cli := NewScheduledCLI(path, nil, zerolog.Nop())

	msgs := cli.List(context.Background(), "chat-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "g1", msgs[0].GUID)
	require.NotNil(t, msgs[0].Text)
	assert.Equal(t, "later", *msgs[0].Text)
	assert.EqualValues(t, 1700000000000, msgs[0].ScheduledAt)

	assert.Empty(t, cli.List(context.Background(), ""))
}

func TestScheduledListFailureIsEmpty(t *testing.T) {
	cli := NewScheduledCLI(writeScript(t, `echo '{"ok":false,"error":"no chat"}'`), nil, zerolog.Nop())
	msgs := cli.List(context.Background(), "chat-1")
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)

	assert.Empty(t, NewScheduledCLI("", nil, zerolog.Nop()).List(context.Background(), ""))
}

func TestScheduledScheduleAndErrors(t *testing.T) {
	path := writeScript(t, `case "$1" in
  schedule) echo "{\"ok\":true,\"data\":{\"guid\":\"new\",\"chatGuid\":\"$2\",\"text\":\"$3\",\"scheduledAt\":$4}}" ;;
  cancel) echo '{"ok":false,"error":"Scheduled message not found: x"}' ;;
  edit-text) echo '{"ok":false}' ;;
  *) echo 'garbage' ;;
esac`)
	cli := NewScheduledCLI(path, nil, zerolog.Nop())
	at := time.UnixMilli(1900000000000)

	msg, err := cli.Schedule(context.Background(), "chat-1", "hello", at)
	require.NoError(t, err)
	assert.Equal(t, "new", msg.GUID)
	assert.Equal(t, "chat-1", msg.ChatGUID)
	assert.EqualValues(t, at.UnixMilli(), msg.ScheduledAt)

	var rejected *RejectedError
	err = cli.Cancel(context.Background(), "x", "chat-1")
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Message, "not found")

	err = cli.EditText(context.Background(), "x", "chat-1", "new text")
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Bridge command failed", rejected.Message)

	err = cli.EditTime(context.Background(), "x", "chat-1", at)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestScheduledTimeout(t *testing.T) {
	cli := NewScheduledCLI(writeScript(t, `exec sleep 5`), nil, zerolog.Nop())
	cli.Timeout = 50 * time.Millisecond
	err := cli.Cancel(context.Background(), "x", "chat")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestScheduledUsesQueue(t *testing.T) {
	b := startBridge(t, &flakyTransport{}, nil, nil)
	var queued atomic.Int32
	q := enqueueCounter{b: b, n: &queued}
	cli := NewScheduledCLI(writeScript(t, `echo '{"ok":true,"data":null}'`), q, zerolog.Nop())
	require.NoError(t, cli.Cancel(context.Background(), "x", "chat"))
	assert.EqualValues(t, 1, queued.Load())
}

type enqueueCounter struct {
	b *Bridge
	n *atomic.Int32
}

func (e enqueueCounter) Enqueue(ctx context.Context, name string, fn func(context.Context) error) error {
	e.n.Add(1)
	return e.b.Enqueue(ctx, name, fn)
}

func TestEscapeAppleScript(t *testing.T) {
	assert.Equal(t, `say \"hi\" \\ bye`, EscapeAppleScript(`say "hi" \ bye`))
}

func TestScriptSender(t *testing.T) {
	var scripts []string
	s := NewScriptSender(nil, zerolog.Nop())
	s.Run = func(ctx context.Context, script string) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		scripts = append(scripts, script)
		return nil
	}
	ctx := context.Background()
	require.NoError(t, s.SendText(ctx, "iMessage;-;+15551234567", `quote "this"`))
	require.NoError(t, s.SendToHandle(ctx, "+15551234567", "bogus", "hi"))
	require.NoError(t, s.SendFile(ctx, "chat", "/tmp/a.png"))

	require.Len(t, scripts, 3)
	assert.Contains(t, scripts[0], `chat id "iMessage;-;+15551234567"`)
	assert.Contains(t, scripts[0], `send "quote \"this\"" to targetChat`)
	assert.Contains(t, scripts[1], "service type = iMessage")
	assert.Contains(t, scripts[1], `participant "+15551234567"`)
	assert.True(t, strings.Contains(scripts[2], `POSIX file "/tmp/a.png"`))
}

func TestPollUntil(t *testing.T) {
	calls := 0
	ok := PollUntil(context.Background(), time.Second, 5*time.Millisecond, func(context.Context) bool {
		calls++
		return calls == 3
	})
	assert.True(t, ok)
	assert.Equal(t, 3, calls)

	start := time.Now()
	ok = PollUntil(context.Background(), 60*time.Millisecond, 10*time.Millisecond, func(context.Context) bool { return false })
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok = PollUntil(ctx, time.Second, 10*time.Millisecond, func(context.Context) bool { return false })
	assert.False(t, ok)
}

func TestVerifierDefaults(t *testing.T) {
	ok := Verifier{}.Verify(context.Background(), func(context.Context) bool { return true })
	assert.True(t, ok)
}
