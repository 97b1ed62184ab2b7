package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/webmessages/pkg/chatdb"
)

type recordingSink struct {
	lock   sync.Mutex
	frames []string
	err    error
}

func (s *recordingSink) WriteFrame(frame []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *recordingSink) Frames() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.frames...)
}

type recordingForwarder struct {
	events []Event
}

func (f *recordingForwarder) Forward(evt Event) {
	f.events = append(f.events, evt)
}

func TestFrameFormat(t *testing.T) {
	frame, err := Frame(ReadState([]int64{3, 7}))
	require.NoError(t, err)
	assert.Equal(t, "event: chat-read-state\ndata: {\"chatIds\":[3,7]}\n\n", string(frame))

	frame, err = Frame(NewMessages([]NewMessage{{ChatID: 4, Message: &chatdb.Message{RowID: 10, GUID: "m-10"}}}))
	require.NoError(t, err)
	text := string(frame)
	assert.True(t, strings.HasPrefix(text, "event: new-message\ndata: [{\"chatId\":4,\"message\":{"))
	assert.True(t, strings.HasSuffix(text, "}}]\n\n"))
	assert.Equal(t, 1, strings.Count(text, "\n\n"))
}

func TestFrameUnencodablePayload(t *testing.T) {
	_, err := Frame(Event{Type: TypeNewMessage, Payload: make(chan int)})
	assert.Error(t, err)
}

func TestPublishDropsFailedSinks(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("broken pipe")}
	hub.AddClient(good)
	hub.AddClient(bad)
	require.Equal(t, 2, hub.Len())

	fwd := &recordingForwarder{}
	hub.SetForwarder(fwd)

	hub.Publish(ReadState([]int64{1}))
	assert.Equal(t, 1, hub.Len(), "failed client should be gone when Publish returns")
	assert.Len(t, good.Frames(), 1)
	assert.Len(t, fwd.events, 1)

	hub.PublishLocal(ReadState([]int64{2}))
	assert.Len(t, good.Frames(), 2)
	assert.Len(t, fwd.events, 1, "local publish must not be forwarded")
}

func TestRemoveClient(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	sink := &recordingSink{}
	id := hub.AddClient(sink)
	hub.RemoveClient(id)
	hub.RemoveClient(id)
	assert.Equal(t, 0, hub.Len())
	hub.Publish(ReadState([]int64{1}))
	assert.Empty(t, sink.Frames())
}

func readFrame(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var eventType, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if eventType != "" || data != "" {
				return eventType, data
			}
		case strings.HasPrefix(line, ":"):
			return "", line
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServeSSE(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.serveSSE(w, r, 50*time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	reader := bufio.NewReader(resp.Body)
	eventType, data := readFrame(t, reader)
	assert.Equal(t, "connected", eventType)
	var connected ConnectedPayload
	require.NoError(t, json.Unmarshal([]byte(data), &connected))
	assert.NotEmpty(t, connected.ID)
	assert.Equal(t, 1, hub.Len())

	hub.Publish(ReadState([]int64{9}))
	for {
		eventType, data = readFrame(t, reader)
		if eventType != "" {
			break
		}
	}
	assert.Equal(t, "chat-read-state", eventType)
	assert.JSONEq(t, `{"chatIds":[9]}`, data)

	_, ping := readFrame(t, reader)
	assert.Equal(t, ": ping", ping)

	cancel()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayIgnoresOwnOrigin(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	sink := &recordingSink{}
	hub.AddClient(sink)
	// The client never dials because handle does no I/O.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	relay := newRedisRelay(rdb, "", hub, zerolog.Nop(), nil)
	assert.Equal(t, DefaultRelayChannel, relay.channel)

	own, err := json.Marshal(relayEnvelope{Origin: relay.origin, Type: TypeChatReadState, Payload: json.RawMessage(`{"chatIds":[1]}`)})
	require.NoError(t, err)
	assert.False(t, relay.handle(string(own)))
	assert.Empty(t, sink.Frames())

	foreign, err := json.Marshal(relayEnvelope{Origin: "other", Type: TypeChatReadState, Payload: json.RawMessage(`{"chatIds":[1]}`)})
	require.NoError(t, err)
	assert.True(t, relay.handle(string(foreign)))
	assert.Equal(t, []string{"event: chat-read-state\ndata: {\"chatIds\":[1]}\n\n"}, sink.Frames())

	assert.False(t, relay.handle("not json"))
}
