package connection

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/events"
)

func TestParserFrames(t *testing.T) {
	input := ": keepalive\n\n" +
		"event: connected\ndata: {\"id\":\"a\"}\n\n" +
		"data: line one\r\ndata:line two\r\nid: 7\r\n\r\n" +
		"event: empty\n\n" +
		"event: new-message\ndata: []\n\n" +
		"event: partial\ndata: x"
	p := NewParser(strings.NewReader(input))

	frame, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "connected", Data: `{"id":"a"}`}, frame)

	frame, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "message", Data: "line one\nline two", ID: "7"}, frame)

	frame, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, "new-message", frame.Event, "frames without data are skipped")

	_, err = p.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParserEOF(t *testing.T) {
	_, err := NewParser(strings.NewReader("")).Next()
	assert.ErrorIs(t, err, io.EOF)
}

func writeFrame(t *testing.T, w http.ResponseWriter, evt events.Event) {
	frame, err := events.Frame(evt)
	require.NoError(t, err)
	_, _ = w.Write(frame)
	w.(http.Flusher).Flush()
}

func newTestManager(url string) *Manager {
	m := NewManager(url, zerolog.Nop())
	m.ReconnectDelay = 20 * time.Millisecond
	m.OfflineAfter = time.Hour
	return m
}

func TestManagerDispatchesAndReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(t, w, events.Event{Type: events.TypeConnected, Payload: events.ConnectedPayload{ID: "x"}})
		writeFrame(t, w, events.NewMessages([]events.NewMessage{{ChatID: 4, Message: &chatdb.Message{RowID: int64(n), GUID: "g"}}}))
		writeFrame(t, w, events.ReadState([]int64{4, 5}))
		if n == 1 {
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := newTestManager(srv.URL)
	connected := make(chan struct{}, 4)
	messages := make(chan []events.NewMessage, 4)
	reads := make(chan []int64, 4)
	m.OnConnected(func(context.Context) { connected <- struct{}{} })
	m.OnNewMessages(func(_ context.Context, items []events.NewMessage) { messages <- items })
	m.OnReadState(func(_ context.Context, ids []int64) { reads <- ids })
	m.Start(context.Background())
	defer m.Close()

	for i := 1; i <= 2; i++ {
		select {
		case <-connected:
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d not established", i)
		}
		items := <-messages
		require.Len(t, items, 1)
		assert.EqualValues(t, 4, items[0].ChatID)
		assert.EqualValues(t, i, items[0].Message.RowID)
		assert.Equal(t, []int64{4, 5}, <-reads)
	}
	assert.Equal(t, StateConnected, m.State())
	assert.False(t, m.Offline())
}

func TestManagerGoesOfflineAndRecovers(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) <= 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeFrame(t, w, events.Event{Type: events.TypeConnected, Payload: events.ConnectedPayload{ID: "x"}})
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := newTestManager(srv.URL)
	m.ReconnectDelay = 40 * time.Millisecond
	m.OfflineAfter = 30 * time.Millisecond
	var lock sync.Mutex
	sawOffline := false
	m.OnStateChange(func(_ State, offline bool) {
		lock.Lock()
		sawOffline = sawOffline || offline
		lock.Unlock()
	})
	m.Start(context.Background())
	defer m.Close()

	assert.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, m.Offline(), "connecting clears the offline flag")
	lock.Lock()
	assert.True(t, sawOffline)
	lock.Unlock()
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(t, w, events.Event{Type: events.TypeConnected, Payload: events.ConnectedPayload{ID: "x"}})
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	m := newTestManager(srv.URL)
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	m.Close()
	m.Close()
	assert.Equal(t, StateDisconnected, m.State())
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("server stream was not torn down")
	}

	m.Start(context.Background())
	assert.Equal(t, StateDisconnected, m.State(), "a closed manager does not restart")
}

func TestManagerCloseCancelsPendingReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := newTestManager(srv.URL)
	m.ReconnectDelay = time.Hour
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return conns.Load() == 1 && m.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the reconnect delay")
	}
	assert.EqualValues(t, 1, conns.Load())
}

func TestCloseBeforeStart(t *testing.T) {
	m := newTestManager("http://127.0.0.1:1/api/events")
	m.Close()
	m.Start(context.Background())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestStopFromCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(t, w, events.Event{Type: events.TypeConnected, Payload: events.ConnectedPayload{ID: "x"}})
		writeFrame(t, w, events.ReadState([]int64{1}))
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := newTestManager(srv.URL)
	var calls atomic.Int32
	m.OnReadState(func(context.Context, []int64) {
		calls.Add(1)
		m.Stop()
	})
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return calls.Load() == 1 && m.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the loop was stopped from a callback")
	}
	assert.EqualValues(t, 1, calls.Load())
}
