package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/lrhodin/webmessages/pkg/actions"
	"github.com/lrhodin/webmessages/pkg/bridge"
	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/clientsync"
	"github.com/lrhodin/webmessages/pkg/events"
	"github.com/lrhodin/webmessages/pkg/identity"
	"github.com/lrhodin/webmessages/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	chats        []*chatdb.Chat
	messages     []*chatdb.Message
	participants map[int64][]chatdb.Participant
	attachments  map[int64][]chatdb.Attachment
	byID         map[int64]*chatdb.Attachment
	probeErr     error

	lock        sync.Mutex
	queriedIDs  []int64
	queriedPage [2]int
	searched    []string
	searchLimit int
}

func (f *fakeStore) ChatList(context.Context) ([]*chatdb.Chat, error) {
	return f.chats, nil
}

func (f *fakeStore) MessagesByChat(_ context.Context, ids []int64, limit, offset int) ([]*chatdb.Message, error) {
	f.lock.Lock()
	f.queriedIDs = ids
	f.queriedPage = [2]int{limit, offset}
	f.lock.Unlock()
	return f.messages, nil
}

func (f *fakeStore) Participants(_ context.Context, chatID int64) ([]chatdb.Participant, error) {
	return f.participants[chatID], nil
}

func (f *fakeStore) AttachmentsByMessage(_ context.Context, rowID int64) ([]chatdb.Attachment, error) {
	return f.attachments[rowID], nil
}

func (f *fakeStore) AttachmentByID(_ context.Context, id int64) (*chatdb.Attachment, error) {
	att, ok := f.byID[id]
	if !ok {
		return nil, chatdb.ErrNotFound
	}
	clone := *att
	return &clone, nil
}

func (f *fakeStore) Search(_ context.Context, query string, limit int) ([]*chatdb.Message, error) {
	f.lock.Lock()
	f.searched = append(f.searched, query)
	f.searchLimit = limit
	f.lock.Unlock()
	return f.messages, nil
}

func (f *fakeStore) Probe(context.Context) error {
	return f.probeErr
}

type fakeActor struct {
	lock      sync.Mutex
	calls     []string
	err       error
	sent      *chatdb.Message
	scheduled []bridge.ScheduledMessage
	editReq   actions.EditScheduledRequest
	filePath  string
	fileBody  string
}

func (f *fakeActor) record(name string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeActor) React(context.Context, actions.ReactRequest) error   { return f.record("react") }
func (f *fakeActor) Unsend(context.Context, actions.UnsendRequest) error { return f.record("unsend") }
func (f *fakeActor) Edit(context.Context, actions.EditRequest) error     { return f.record("edit") }
func (f *fakeActor) MarkRead(context.Context, string) error              { return f.record("mark_read") }

func (f *fakeActor) Reply(context.Context, actions.ReplyRequest) (*chatdb.Message, error) {
	return f.sent, f.record("reply")
}

func (f *fakeActor) Send(context.Context, actions.SendRequest) (*chatdb.Message, error) {
	return f.sent, f.record("send")
}

func (f *fakeActor) SendFile(_ context.Context, _ string, path string) (*chatdb.Message, error) {
	data, _ := os.ReadFile(path)
	f.lock.Lock()
	f.filePath, f.fileBody = path, string(data)
	f.lock.Unlock()
	return f.sent, f.record("send_file")
}

func (f *fakeActor) Eligibility(context.Context) (map[string]chatdb.Eligibility, error) {
	return map[string]chatdb.Eligibility{"g1": {EditExpiresAt: 10, UnsendExpiresAt: 5}}, f.record("eligibility")
}

func (f *fakeActor) ListScheduled(_ context.Context, chatGUID string) []bridge.ScheduledMessage {
	_ = f.record("list_scheduled:" + chatGUID)
	return f.scheduled
}

func (f *fakeActor) Schedule(_ context.Context, req actions.ScheduleRequest) (*bridge.ScheduledMessage, error) {
	if err := f.record("schedule"); err != nil {
		return nil, err
	}
	return &bridge.ScheduledMessage{GUID: "sched-1", ChatGUID: req.ChatGUID, Text: &req.Text, ScheduledAt: *req.ScheduledAt}, nil
}

func (f *fakeActor) EditScheduled(_ context.Context, req actions.EditScheduledRequest) error {
	f.lock.Lock()
	f.editReq = req
	f.lock.Unlock()
	return f.record("edit_scheduled")
}

func (f *fakeActor) CancelScheduled(_ context.Context, id, chatGUID string) error {
	return f.record("cancel_scheduled:" + id + ":" + chatGUID)
}

func (f *fakeActor) Calls() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeProber struct{}

func (fakeProber) Probe(att *chatdb.Attachment) {
	if att.MIMEType == "" {
		att.MIMEType = "image/png"
	}
}

func (fakeProber) ResolvePath(filename string) string { return filename }

type testServer struct {
	*Server
	store *fakeStore
	actor *fakeActor
	hub   *events.Hub
	m     *metrics.Metrics
}

func newTestServer(t *testing.T, tweak func(*Options)) *testServer {
	store := &fakeStore{
		chats: []*chatdb.Chat{
			{RowID: 1, GUID: "iMessage;-;+15551234567", ChatIdentifier: "+15551234567", Style: chatdb.StyleDirect,
				LastMessage: &chatdb.Message{Date: 1000}, Participants: []chatdb.Participant{{Identifier: "+15551234567"}}},
			{RowID: 2, GUID: "SMS;-;5551234567", ChatIdentifier: "5551234567", Style: chatdb.StyleDirect,
				LastMessage: &chatdb.Message{Date: 2000}, Participants: []chatdb.Participant{{Identifier: "5551234567"}}},
			{RowID: 3, GUID: "iMessage;-;bob@example.com", ChatIdentifier: "bob@example.com", Style: chatdb.StyleDirect,
				LastMessage: &chatdb.Message{Date: 500}, Participants: []chatdb.Participant{{Identifier: "bob@example.com"}}},
		},
		participants: map[int64][]chatdb.Participant{
			1: {{HandleID: 1, Identifier: "+15551234567"}},
			2: {{HandleID: 2, Identifier: "5551234567"}},
		},
		attachments: map[int64][]chatdb.Attachment{},
		byID:        map[int64]*chatdb.Attachment{},
	}
	actor := &fakeActor{}
	hub := events.NewHub(zerolog.Nop(), nil)
	m := metrics.New()
	opts := Options{
		Store:     store,
		Actions:   actor,
		Hub:       hub,
		Contacts:  identity.NewDirectory(identity.Contact{Name: "Alice", Identifiers: []string{"+15551234567"}}),
		Prober:    fakeProber{},
		Metrics:   m,
		UploadDir: t.TempDir(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	return &testServer{Server: New(opts, zerolog.Nop()), store: store, actor: actor, hub: hub, m: m}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListChatsMerges(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/api/chats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Chats []struct {
			RowID       int64   `json:"rowid"`
			DisplayName string  `json:"display_name"`
			BackingIDs  []int64 `json:"backing_ids"`
		} `json:"chats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Chats, 2)
	assert.ElementsMatch(t, []int64{1, 2}, resp.Chats[0].BackingIDs)
	assert.Equal(t, []int64{3}, resp.Chats[1].BackingIDs)
}

func TestListMessagesExpandsMergedChat(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.messages = []*chatdb.Message{
		{RowID: 10, GUID: "m1", Sender: "+15551234567", ChatID: 1, Date: 100},
		{RowID: 11, GUID: "m2", IsFromMe: true, ChatID: 2, Date: 200, CacheHasAttachments: true},
	}
	ts.store.attachments[11] = []chatdb.Attachment{{RowID: 7, GUID: "a1", Filename: "/tmp/x.png"}}

	rec := ts.do(http.MethodGet, "/api/messages/2?limit=20&offset=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []int64{1, 2}, ts.store.queriedIDs)
	assert.Equal(t, [2]int{20, 5}, ts.store.queriedPage)

	var page clientsync.MessagePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "Alice", page.Messages[0].SenderName)
	require.Len(t, page.Messages[1].Attachments, 1)
	assert.Equal(t, "image/png", page.Messages[1].Attachments[0].MIMEType)
	require.Len(t, page.Participants, 1, "the same person in two backing chats is listed once")
	assert.Equal(t, "Alice", page.Participants[0].DisplayName)
}

func TestListMessagesDefaultsAndValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/api/messages/3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{3}, ts.store.queriedIDs)
	assert.Equal(t, [2]int{defaultPageSize, 0}, ts.store.queriedPage)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())

	ts.do(http.MethodGet, "/api/messages/3?limit=100000", "")
	assert.Equal(t, maxPageSize, ts.store.queriedPage[0])

	for _, path := range []string{"/api/messages/abc", "/api/messages/3?limit=0", "/api/messages/3?offset=-1"} {
		assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, path, "").Code, path)
	}
}

func TestActionStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: message is older than 2m0s", actions.ErrIneligible), http.StatusConflict},
		{fmt.Errorf("%w: message x", actions.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: no change", actions.ErrNoEffect), http.StatusConflict},
		{bridge.ErrNotRunning, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts := newTestServer(t, nil)
		ts.actor.err = tc.err
		rec := ts.do(http.MethodPost, "/api/unsend", `{"chatGuid":"c","messageGuid":"m"}`)
		assert.Equal(t, tc.status, rec.Code)
		if tc.err == nil {
			assert.JSONEq(t, `{"success":true}`, rec.Body.String())
		} else {
			assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tc.err.Error()), rec.Body.String())
		}
	}
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/api/react", `{"chatGuid":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.actor.Calls())
}

func TestSendReturnsMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.actor.sent = &chatdb.Message{RowID: 99, GUID: "new"}
	rec := ts.do(http.MethodPost, "/api/send", `{"chatGuid":"c","text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success bool            `json:"success"`
		Message *chatdb.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "new", body.Message.GUID)
}

func TestEligibility(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/api/message-eligibility", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"g1":{"editExpiresAt":10,"unsendExpiresAt":5}}}`, rec.Body.String())
}

func TestRateLimitOnlyGuardsMutations(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.RateLimit = rate.Every(time.Hour)
		o.Burst = 1
	})
	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/mark-read", `{"chatGuid":"c"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(http.MethodPost, "/api/mark-read", `{"chatGuid":"c"}`).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/chats", "").Code)
	assert.Equal(t, []string{"mark_read"}, ts.actor.Calls())

	rec := ts.do(http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), "webmessages_http_rate_limited_total 1")
}

func TestScheduledRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.actor.scheduled = []bridge.ScheduledMessage{{GUID: "s1", ChatGUID: "c", ScheduledAt: 5}}

	rec := ts.do(http.MethodGet, "/api/scheduled-messages?chatGuid=c", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":200,"data":[{"guid":"s1","chatGuid":"c","text":null,"scheduledAt":5}]}`, rec.Body.String())

	rec = ts.do(http.MethodPost, "/api/scheduled-messages", `{"chatGuid":"c","message":"later","scheduledAt":4102444800000}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":201`)
	assert.Contains(t, rec.Body.String(), `"guid":"sched-1"`)

	rec = ts.do(http.MethodPut, "/api/scheduled-messages/s1", `{"chatGuid":"c","message":"edited"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", ts.actor.editReq.ID)
	require.NotNil(t, ts.actor.editReq.Text)
	assert.Equal(t, "edited", *ts.actor.editReq.Text)

	rec = ts.do(http.MethodDelete, "/api/scheduled-messages/s1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatGuid query param is required")

	rec = ts.do(http.MethodDelete, "/api/scheduled-messages/s1?chatGuid=c", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"list_scheduled:c", "schedule", "edit_scheduled", "cancel_scheduled:s1:c"}, ts.actor.Calls())
}

func TestScheduledUnavailable(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.actor.err = bridge.ErrNoScheduledBridge
	rec := ts.do(http.MethodPost, "/api/scheduled-messages", `{"chatGuid":"c","message":"later","scheduledAt":4102444800000}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":503`)
}

func TestUploadAttachment(t *testing.T) {
	ts := newTestServer(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chatGuid", "c"))
	part, err := mw.CreateFormFile("file", "../../photo.jpg")
	require.NoError(t, err)
	_, _ = part.Write([]byte("jpeg bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/attachments/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "jpeg bytes", ts.actor.fileBody)
	assert.Equal(t, ts.upload, filepath.Dir(ts.actor.filePath))
	assert.True(t, strings.HasSuffix(ts.actor.filePath, "-photo.jpg"))
}

func TestServeAttachment(t *testing.T) {
	ts := newTestServer(t, nil)
	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))
	ts.store.byID[5] = &chatdb.Attachment{RowID: 5, Filename: path, MIMEType: "image/heic"}
	ts.store.byID[6] = &chatdb.Attachment{RowID: 6, Filename: filepath.Join(t.TempDir(), "gone")}

	rec := ts.do(http.MethodGet, "/api/attachments/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())
	assert.Equal(t, "image/heic", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/attachments/6", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/attachments/7", "").Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", "").Code)
	ts.store.probeErr = chatdb.ErrPermission
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodGet, "/healthz", "").Code)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)
	_, _ = reader.ReadString('\n')
	_, _ = reader.ReadString('\n')

	require.Eventually(t, func() bool { return ts.hub.Len() == 1 }, time.Second, 10*time.Millisecond)
	ts.hub.Publish(events.ReadState([]int64{4}))
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: chat-read-state\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"chatIds\":[4]}\n", line)
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.messages = []*chatdb.Message{{RowID: 10, GUID: "m1", Sender: "+15551234567", Body: "dinner?"}}

	rec := ts.do(http.MethodGet, "/api/search?q=d", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())
	assert.Empty(t, ts.store.searched)

	rec = ts.do(http.MethodGet, "/api/search?q=dinner&limit=1000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"dinner"}, ts.store.searched)
	assert.Equal(t, maxSearchLimit, ts.store.searchLimit)
	var resp struct {
		Results []chatdb.Message `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Alice", resp.Results[0].SenderName)

	rec = ts.do(http.MethodGet, "/api/search?q=dinner&limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
