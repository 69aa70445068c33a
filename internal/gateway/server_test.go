package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/meshmon/meshmon/internal/mesh"
	"github.com/meshmon/meshmon/internal/mesh/feed"
	"github.com/meshmon/meshmon/internal/radio"
	"github.com/meshmon/meshmon/internal/testutil/testlog"
)

type fakeRadio struct {
	status radio.Status
}

func (f *fakeRadio) Status() radio.Status { return f.status }

type nullTransport struct{ err error }

func (n nullTransport) Send([]byte) error { return n.err }

type fixture struct {
	server  *Server
	store   *mesh.Store
	session *radio.Session
	events  *feed.Feed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	events := feed.New()
	t.Cleanup(events.Close)
	store, err := mesh.Open(mesh.Options{Feed: events})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	session := radio.NewSession(store)
	session.BindTransport(nullTransport{})

	rad := &fakeRadio{status: radio.Status{StateName: "connected", Address: "radio.local:4403"}}
	server := New(":0", store, session, rad, events, nil)
	return &fixture{server: server, store: store, session: session, events: events}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v\n%s", err, w.Body.String())
	}
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Fatalf("body: %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.UpsertNode(mesh.Node{NodeID: "!00000001"}); err != nil {
		t.Fatalf("seed node: %v", err)
	}

	w := f.do(t, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["nodes"] != float64(1) {
		t.Fatalf("node count: %v", body["nodes"])
	}
	rad, ok := body["radio"].(map[string]any)
	if !ok || rad["state"] != "connected" {
		t.Fatalf("radio status: %v", body["radio"])
	}
}

func TestMessagesQueryParams(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, m := range []mesh.Message{
		{ID: "1", From: "!00000001", Channel: 0, Text: "a", Timestamp: base},
		{ID: "2", From: "!00000002", Channel: 1, Text: "b", Timestamp: base.Add(time.Minute)},
		{ID: "3", From: "!00000001", Channel: 1, Text: "c", Timestamp: base.Add(2 * time.Minute)},
	} {
		if _, err := f.store.UpsertMessage(m); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}

	w := f.do(t, http.MethodGet, "/api/messages?channel=1", "")
	if got := len(decodeBody(t, w)["messages"].([]any)); got != 2 {
		t.Fatalf("channel filter: %d messages", got)
	}

	w = f.do(t, http.MethodGet, "/api/messages?since="+base.Add(time.Minute).Format(time.RFC3339), "")
	if got := len(decodeBody(t, w)["messages"].([]any)); got != 2 {
		t.Fatalf("since filter: %d messages", got)
	}

	w = f.do(t, http.MethodGet, "/api/messages?limit=1", "")
	msgs := decodeBody(t, w)["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["id"] != "3" {
		t.Fatalf("limit must keep the newest tail: %v", msgs)
	}

	for _, target := range []string{
		"/api/messages?channel=-1",
		"/api/messages?since=yesterday",
		"/api/messages?limit=many",
	} {
		if w := f.do(t, http.MethodGet, target, ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestReactionsEndpoint(t *testing.T) {
	f := newFixture(t)
	seed := []mesh.Message{
		{ID: "10", From: "!00000001", Text: "lunch?", Timestamp: time.Now()},
		{ID: "11", From: "!00000002", Text: "👍", ReplyID: "10", Emoji: 1, Timestamp: time.Now()},
	}
	for _, m := range seed {
		if _, err := f.store.UpsertMessage(m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	w := f.do(t, http.MethodGet, "/api/messages/10/reactions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if got := len(decodeBody(t, w)["reactions"].([]any)); got != 1 {
		t.Fatalf("reactions: %d", got)
	}

	if w := f.do(t, http.MethodGet, "/api/messages/999/reactions", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown message: expected 404, got %d", w.Code)
	}
}

func TestSendEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/messages", `{"text":"anyone on the ridge?","channel":1}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	msg := decodeBody(t, w)["message"].(map[string]any)
	if msg["text"] != "anyone on the ridge?" || msg["outbound"] != true {
		t.Fatalf("message: %v", msg)
	}
	if f.session.Outbox().Len() != 1 {
		t.Fatalf("send not tracked")
	}
}

func TestSendEndpointErrors(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		body string
		want int
	}{
		{`{"text":""}`, http.StatusBadRequest},
		{`{"text":"hi","channel":99}`, http.StatusBadRequest},
		{`{"text":"hi","destination":"garbage"}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := f.do(t, http.MethodPost, "/api/messages", tc.body); w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.body, tc.want, w.Code)
		}
	}
}

func TestSendEndpointTransportDown(t *testing.T) {
	f := newFixture(t)
	f.session.BindTransport(nullTransport{err: radio.ErrNotConnected})

	w := f.do(t, http.MethodPost, "/api/messages", `{"text":"hello?"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestEventsWebSocketRelay(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the server handler time to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for f.events.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.store.UpsertMessage(mesh.Message{
		ID: "42", From: "!00000001", Text: "live", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev feed.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != feed.TypeMessageReceived {
		t.Fatalf("event type: %q", ev.Type)
	}
}
