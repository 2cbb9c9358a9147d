package collector_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/theia-log/theia/broker"
	"github.com/theia-log/theia/collector"
	"github.com/theia-log/theia/event"
	"github.com/theia-log/theia/store/filestore"
)

func newTestServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	fs, err := filestore.Open(t.TempDir(), 60)
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	c := collector.New(fs, broker.New())
	c.Log = func(format string, args ...any) {} // quiet during tests
	srv := httptest.NewServer(c.Handler())
	return srv, func() {
		srv.Close()
		fs.Close()
	}
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

// S2/S3-equivalent: push events through /event, then read them back
// through /find.
func TestPushThenFind(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	push := dial(t, srv, "/event")
	events := []event.Event{
		{ID: "1", Timestamp: 100, Source: "s", Tags: []string{"web"}},
		{ID: "2", Timestamp: 200, Source: "s", Tags: []string{"web", "prod"}},
		{ID: "3", Timestamp: 300, Source: "s", Tags: []string{"db"}},
	}
	for _, e := range events {
		if err := push.WriteMessage(websocket.TextMessage, event.Serialize(e)); err != nil {
			t.Fatalf("push write: %v", err)
		}
	}
	push.Close()
	time.Sleep(100 * time.Millisecond) // let the push handler land the writes

	find := dial(t, srv, "/find")
	defer find.Close()
	if err := find.WriteMessage(websocket.TextMessage, []byte(`{"tags":["web.*"]}`)); err != nil {
		t.Fatalf("find write filter: %v", err)
	}

	var got []event.Event
	for {
		_, data, err := find.ReadMessage()
		if err != nil {
			break // server closed after exhausting the result set
		}
		e, err := event.Parse(data)
		if err != nil {
			t.Fatalf("parse result: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Fatalf("find results = %+v, want ids [1 2]", got)
	}
}

// S4-equivalent: a live subscriber receives matching pushed events.
func TestPushThenLive(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	live := dial(t, srv, "/live")
	defer live.Close()
	if err := live.WriteMessage(websocket.TextMessage, []byte(`{"content":"\\[ERR\\]"}`)); err != nil {
		t.Fatalf("live write filter: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the subscription register

	push := dial(t, srv, "/event")
	defer push.Close()
	contents := []string{"ok", "[ERR] a", "[ERR] b"}
	for i, c := range contents {
		e := event.Event{ID: string(rune('a' + i)), Timestamp: 1, Content: []byte(c)}
		if err := push.WriteMessage(websocket.TextMessage, event.Serialize(e)); err != nil {
			t.Fatalf("push write: %v", err)
		}
	}

	live.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []event.Event
	for len(got) < 2 {
		_, data, err := live.ReadMessage()
		if err != nil {
			t.Fatalf("live read: %v", err)
		}
		e, err := event.Parse(data)
		if err != nil {
			t.Fatalf("parse live message: %v", err)
		}
		got = append(got, e)
	}
	if string(got[0].Content) != "[ERR] a" || string(got[1].Content) != "[ERR] b" {
		t.Fatalf("live results = %+v, want contents [ERR] a, [ERR] b", got)
	}
}

// A malformed push message is logged and skipped without closing the
// channel — a subsequent well-formed event is still accepted.
func TestPushParseErrorDoesNotCloseChannel(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	push := dial(t, srv, "/event")
	defer push.Close()
	// A colon-less message has no id header, which is a ParseError; the
	// handler must log and keep reading rather than closing the channel.
	if err := push.WriteMessage(websocket.TextMessage, []byte("no colon anywhere in this message")); err != nil {
		t.Fatalf("push write malformed message: %v", err)
	}
	good := event.Event{ID: "ok", Timestamp: 1}
	if err := push.WriteMessage(websocket.TextMessage, event.Serialize(good)); err != nil {
		t.Fatalf("push write after bad message: %v", err)
	}
	push.Close()
	time.Sleep(100 * time.Millisecond)

	find := dial(t, srv, "/find")
	defer find.Close()
	find.WriteMessage(websocket.TextMessage, []byte(`{}`))
	_, data, err := find.ReadMessage()
	if err != nil {
		t.Fatalf("find read: %v", err)
	}
	e, err := event.Parse(data)
	if err != nil || e.ID != "ok" {
		t.Fatalf("got %+v, %v; want event ok", e, err)
	}
}
