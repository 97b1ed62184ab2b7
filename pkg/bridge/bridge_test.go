package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/webmessages/pkg/state"
)

func newTestMailbox(t *testing.T) *FileMailbox {
	t.Helper()
	dir := t.TempDir()
	mb := NewFileMailbox(filepath.Join(dir, "cmd.json"), filepath.Join(dir, "resp.json"), zerolog.Nop())
	mb.PollInterval = 10 * time.Millisecond
	return mb
}

// runFakeExecutor answers commands written to the mailbox. A nil answer
// leaves the command unanswered.
func runFakeExecutor(t *testing.T, mb *FileMailbox, answer func(cmd Command) map[string]any) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			data, err := os.ReadFile(mb.CommandPath)
			if err != nil {
				continue
			}
			_ = os.Remove(mb.CommandPath)
			var cmd Command
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			resp := answer(cmd)
			if resp == nil {
				continue
			}
			resp["id"] = cmd.ID
			out, _ := json.Marshal(resp)
			_ = os.WriteFile(mb.ResponsePath+".tmp", out, 0o600)
			_ = os.Rename(mb.ResponsePath+".tmp", mb.ResponsePath)
		}
	}()
}

type memJournal struct {
	lock     sync.Mutex
	statuses map[string][]state.CommandStatus
}

func newMemJournal() *memJournal {
	return &memJournal{statuses: make(map[string][]state.CommandStatus)}
}

func (j *memJournal) RecordCommand(_ context.Context, rec *state.CommandRecord) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.statuses[rec.ID] = append(j.statuses[rec.ID], rec.Status)
	return nil
}

func (j *memJournal) UpdateCommandStatus(_ context.Context, id string, status state.CommandStatus, _ string) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.statuses[id] = append(j.statuses[id], status)
	return nil
}

func (j *memJournal) only() []state.CommandStatus {
	j.lock.Lock()
	defer j.lock.Unlock()
	for _, s := range j.statuses {
		return s
	}
	return nil
}

func startBridge(t *testing.T, transport Transport, probe LivenessProbe, journal Journal) *Bridge {
	t.Helper()
	b := New(transport, probe, journal, zerolog.Nop())
	b.RetryDelay = 5 * time.Millisecond
	b.ProbeInterval = 10 * time.Millisecond
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestSendRoundTrip(t *testing.T) {
	mb := newTestMailbox(t)
	runFakeExecutor(t, mb, func(cmd Command) map[string]any {
		return map[string]any{"success": true, "action": string(cmd.Action), "chatClass": "IMChat"}
	})
	journal := newMemJournal()
	b := startBridge(t, mb, nil, journal)

	resp, err := b.Send(context.Background(), Command{Action: ActionReact, ChatGUID: "iMessage;-;+15551234567", MessageGUID: "m1", ReactionType: 2001})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.ID)
	assert.JSONEq(t, `"IMChat"`, string(resp.Extra["chatClass"]))
	assert.Equal(t, []state.CommandStatus{state.StatusQueued, state.StatusSent, state.StatusSucceeded}, journal.only())

	_, err = os.Stat(mb.ResponsePath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "response file should be consumed")
}

func TestSendRejected(t *testing.T) {
	mb := newTestMailbox(t)
	runFakeExecutor(t, mb, func(cmd Command) map[string]any {
		return map[string]any{"success": false, "error": "Message not found"}
	})
	journal := newMemJournal()
	b := startBridge(t, mb, nil, journal)

	err := b.Unsend(context.Background(), "chat", "m1", nil)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Message not found", rejected.Message)
	assert.False(t, IsTransportFailure(err))
	statuses := journal.only()
	assert.Equal(t, state.StatusRejected, statuses[len(statuses)-1])
}

func TestSendTimeout(t *testing.T) {
	mb := newTestMailbox(t)
	runFakeExecutor(t, mb, func(cmd Command) map[string]any { return nil })
	b := startBridge(t, mb, nil, nil)
	b.TimeoutFor = func(Action) time.Duration { return 50 * time.Millisecond }

	start := time.Now()
	err := b.React(context.Background(), "chat", "m1", 2000, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTransportFailure(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPartialResponseIgnoredUntilComplete(t *testing.T) {
	mb := newTestMailbox(t)
	runFakeExecutor(t, mb, func(cmd Command) map[string]any {
		_ = os.WriteFile(mb.ResponsePath, []byte(`{"id":"`+cmd.ID+`","succ`), 0o600)
		time.Sleep(40 * time.Millisecond)
		return map[string]any{"success": true}
	})
	b := startBridge(t, mb, nil, nil)
	require.NoError(t, b.Edit(context.Background(), "chat", "m1", "fixed", nil))
}

func TestNotRunningSkipsMailbox(t *testing.T) {
	mb := newTestMailbox(t)
	journal := newMemJournal()
	b := startBridge(t, mb, ProbeFunc(func(context.Context) (bool, error) { return false, nil }), journal)

	err := b.React(context.Background(), "chat", "m1", 2000, nil)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, statErr := os.Stat(mb.CommandPath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
	statuses := journal.only()
	assert.Equal(t, state.StatusNotRunning, statuses[len(statuses)-1])
}

func TestExecutorDiesWhileWaiting(t *testing.T) {
	mb := newTestMailbox(t)
	runFakeExecutor(t, mb, func(cmd Command) map[string]any { return nil })
	var alive atomic.Bool
	alive.Store(true)
	b := startBridge(t, mb, ProbeFunc(func(context.Context) (bool, error) { return alive.Load(), nil }), nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		alive.Store(false)
	}()
	err := b.React(context.Background(), "chat", "m1", 2000, nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

type flakyTransport struct {
	calls   atomic.Int32
	failFor int32
}

func (f *flakyTransport) Exchange(ctx context.Context, cmd *Command) (*Response, error) {
	n := f.calls.Add(1)
	if n <= f.failFor {
		return nil, errors.New("failed to write command: disk full")
	}
	return &Response{ID: cmd.ID, Success: true}, nil
}

func TestMarkReadRetriesOnce(t *testing.T) {
	transport := &flakyTransport{failFor: 1}
	b := startBridge(t, transport, nil, nil)
	require.NoError(t, b.MarkRead(context.Background(), "chat"))
	assert.EqualValues(t, 2, transport.calls.Load())

	transport = &flakyTransport{failFor: 2}
	b = startBridge(t, transport, nil, nil)
	assert.Error(t, b.MarkRead(context.Background(), "chat"))
	assert.EqualValues(t, 2, transport.calls.Load())
}

func TestOtherActionsDoNotRetry(t *testing.T) {
	transport := &flakyTransport{failFor: 1}
	b := startBridge(t, transport, nil, nil)
	assert.Error(t, b.React(context.Background(), "chat", "m1", 2000, nil))
	assert.EqualValues(t, 1, transport.calls.Load())
}

func TestEnqueueIsFIFO(t *testing.T) {
	b := startBridge(t, &flakyTransport{}, nil, nil)
	var lock sync.Mutex
	var order []int
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Enqueue(context.Background(), "first", func(context.Context) error {
			close(started)
			<-release
			lock.Lock()
			order = append(order, 0)
			lock.Unlock()
			return nil
		})
	}()
	<-started
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Enqueue(context.Background(), "next", func(context.Context) error {
				lock.Lock()
				order = append(order, i)
				lock.Unlock()
				return nil
			})
		}()
		// Make sure job i is queued before job i+1.
		require.Eventually(t, func() bool { return len(b.queue) == i }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestEnqueueAfterStop(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := New(&flakyTransport{}, nil, nil, zerolog.Nop())
		b.Start()
		b.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var ran atomic.Bool
		err := b.Enqueue(ctx, "late", func(context.Context) error {
			ran.Store(true)
			return nil
		})
		cancel()
		require.ErrorIs(t, err, ErrStopped, "round %d", i)
		require.False(t, ran.Load())
	}
}

func TestStopFailsQueuedJobs(t *testing.T) {
	b := New(&flakyTransport{}, nil, nil, zerolog.Nop())
	b.Start()
	release := make(chan struct{})
	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- b.Enqueue(context.Background(), "first", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	queuedDone := make(chan error, 1)
	go func() {
		queuedDone <- b.Enqueue(context.Background(), "queued", func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return len(b.queue) == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		select {
		case <-b.stop:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	close(release)
	<-stopped

	select {
	case err := <-firstDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("running job did not report its result")
	}
	select {
	case err := <-queuedDone:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("queued job was not failed on stop")
	}
}

func TestActionTimeouts(t *testing.T) {
	assert.Equal(t, DefaultTimeout, ActionReact.Timeout())
	assert.Equal(t, DefaultTimeout, ActionUnsend.Timeout())
	assert.Equal(t, LongTimeout, ActionReply.Timeout())
	assert.Equal(t, LongTimeout, ActionEdit.Timeout())
	assert.Equal(t, LongTimeout, ActionMarkRead.Timeout())
}

func TestCommandWireFormat(t *testing.T) {
	part := 0
	data, err := json.Marshal(Command{ID: "x", Action: ActionReply, ChatGUID: "c", MessageGUID: "m", Text: "hi", PartIndex: &part})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x","action":"reply","chatGuid":"c","messageGuid":"m","text":"hi","partIndex":0}`, string(data))
}
