package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/webmessages/pkg/attachmeta"
	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/chatdb/chatdbtest"
	"github.com/lrhodin/webmessages/pkg/events"
	"github.com/lrhodin/webmessages/pkg/identity"
	"github.com/lrhodin/webmessages/pkg/state"
)

type recordingPublisher struct {
	lock   sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(evt events.Event) {
	p.lock.Lock()
	p.events = append(p.events, evt)
	p.lock.Unlock()
}

func (p *recordingPublisher) take() []events.Event {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := p.events
	p.events = nil
	return out
}

type fixture struct {
	store   *chatdbtest.Store
	db      *chatdb.DB
	state   *state.Store
	pub     *recordingPublisher
	watcher *Watcher
	chatID  int64
	alice   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: chatdbtest.New(t), pub: &recordingPublisher{}}
	f.alice = f.store.AddHandle("+15551234567")
	f.chatID = f.store.AddChat(chatdbtest.Chat{GUID: "iMessage;-;+15551234567", Identifier: "+15551234567", Handles: []int64{f.alice}})
	f.store.AddMessage(chatdbtest.Message{GUID: "old", ChatID: f.chatID, HandleID: f.alice, Text: "before start"})
	f.db = f.store.Open()

	var err error
	f.state, err = state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.state.Close() })

	f.watcher = New(f.db, f.state, f.pub, zerolog.Nop())
	f.watcher.SetProber(attachmeta.NewProber(zerolog.Nop()))
	f.watcher.SetContacts(identity.NewDirectory(identity.Contact{Name: "Alice", Identifiers: []string{"+15551234567"}}))
	return f
}

func newMessages(t *testing.T, evt events.Event) []events.NewMessage {
	t.Helper()
	require.Equal(t, events.TypeNewMessage, evt.Type)
	items, ok := evt.Payload.([]events.NewMessage)
	require.True(t, ok)
	return items
}

func TestFirstTickStartsAtEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	n, err := f.watcher.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, f.watcher.Cursor())
	assert.Empty(t, f.pub.take(), "nothing is published for history or the read-state baseline")
}

func TestTickPublishesEnrichedRowsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.watcher.Tick(ctx)
	require.NoError(t, err)

	first := f.store.AddMessage(chatdbtest.Message{GUID: "m1", ChatID: f.chatID, HandleID: f.alice, Text: "one"})
	second := f.store.AddMessage(chatdbtest.Message{GUID: "m2", ChatID: f.chatID, IsFromMe: true, Text: "two"})
	f.store.AddMessage(chatdbtest.Message{GUID: "r1", ChatID: f.chatID, HandleID: f.alice, AssocType: 2001, AssocGUID: "p:0/m2"})
	withFile := f.store.AddMessage(chatdbtest.Message{GUID: "m3", ChatID: f.chatID, HandleID: f.alice, Text: "￼", Attachments: true})
	f.store.AddAttachment(withFile, chatdbtest.Attachment{GUID: "a1", UTI: "public.jpeg", TransferName: "photo.jpg"})

	n, err := f.watcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	published := f.pub.take()
	require.Len(t, published, 1)
	items := newMessages(t, published[0])
	require.Len(t, items, 4)
	assert.Equal(t, first, items[0].Message.RowID)
	assert.Equal(t, second, items[1].Message.RowID)
	assert.Equal(t, f.chatID, items[0].ChatID)
	assert.Equal(t, "Alice", items[0].Message.SenderName)
	assert.Empty(t, items[1].Message.SenderName)
	require.NotNil(t, items[2].Message.AssociatedMessageEmoji)
	assert.Equal(t, "👍", *items[2].Message.AssociatedMessageEmoji)
	require.Len(t, items[3].Message.Attachments, 1)
	assert.Equal(t, "image/jpeg", items[3].Message.Attachments[0].MIMEType)

	assert.Equal(t, withFile, f.watcher.Cursor())
	saved, ok, err := f.state.Cursor(ctx, CursorName)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, withFile, saved)

	n, err = f.watcher.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.pub.take(), "empty batches are never published")
}

func TestCursorIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var last int64
	for i := 0; i < 5; i++ {
		if i%2 == 0 {
			f.store.AddMessage(chatdbtest.Message{GUID: fmt.Sprintf("tick-%d", i), ChatID: f.chatID, HandleID: f.alice, Text: "tick"})
		}
		_, err := f.watcher.Tick(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, f.watcher.Cursor(), last)
		last = f.watcher.Cursor()
	}
}

func TestResumeFromSavedCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.state.SetCursor(ctx, CursorName, 0))

	n, err := f.watcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rows after a saved cursor are replayed")
	items := newMessages(t, f.pub.take()[0])
	assert.Equal(t, "old", items[0].Message.GUID)
}

func TestReadStateChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := f.store.AddChat(chatdbtest.Chat{GUID: "iMessage;-;bob@example.com", Identifier: "bob@example.com"})
	_, err := f.watcher.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, f.pub.take())

	f.store.SetLastRead(other, time.Now().UnixMilli())
	_, err = f.watcher.Tick(ctx)
	require.NoError(t, err)
	published := f.pub.take()
	require.Len(t, published, 1)
	assert.Equal(t, events.ReadState([]int64{other}), published[0])

	_, err = f.watcher.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.pub.take())
}

func TestDiffReadState(t *testing.T) {
	prev := map[int64]int64{1: 10, 2: 20, 3: 30}
	next := map[int64]int64{1: 10, 2: 25, 4: 0}
	assert.Equal(t, []int64{2, 3, 4}, DiffReadState(prev, next))
	assert.Empty(t, DiffReadState(next, next))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.watcher.Interval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.watcher.Init(ctx))
	done := make(chan struct{})
	go func() {
		f.watcher.Run(ctx)
		close(done)
	}()

	f.store.AddMessage(chatdbtest.Message{GUID: "live", ChatID: f.chatID, HandleID: f.alice, Text: "live"})
	require.Eventually(t, func() bool {
		f.pub.lock.Lock()
		defer f.pub.lock.Unlock()
		return len(f.pub.events) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
