package runspace

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/cryguy/runspace/internal/core"
)

func dialSignal(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func roundTrip(t *testing.T, ctx context.Context, conn *websocket.Conn, msg string) (websocket.MessageType, string) {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return typ, string(data)
}

func TestSignalRoundTrip(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.DefaultLanguage = core.LangShell
	h := newTestHost(t, cfg)
	rt := h.NewRouter()
	rt.Signal("GET /ws", core.Source{Language: core.LangShell, Text: `printf 'pong:%s' "$DATA"`}, SignalOptions{})
	srv := httptest.NewServer(rt)
	defer srv.Close()

	conn := dialSignal(t, srv, "/ws")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, msg := range []string{"hi", "again"} {
		typ, data := roundTrip(t, ctx, conn, msg)
		if typ != websocket.MessageText || data != "pong:"+msg {
			t.Errorf("reply = %v %q, want text pong:%s", typ, data, msg)
		}
	}

	// Between messages the connection holds no runspace.
	if n := h.Pool().Stats().InUse; n != 0 {
		t.Errorf("in use = %d between messages", n)
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestSignalScriptFailureKeepsConnection(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.DefaultLanguage = core.LangShell
	h := newTestHost(t, cfg)
	rt := h.NewRouter()
	rt.Signal("GET /ws", core.Source{Language: core.LangShell, Text: `[ "$DATA" = fail ] && exit 1; printf 'ok:%s' "$DATA"`}, SignalOptions{})
	srv := httptest.NewServer(rt)
	defer srv.Close()

	conn := dialSignal(t, srv, "/ws")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, data := roundTrip(t, ctx, conn, "fail"); data != `{"error":"script failed"}` {
		t.Errorf("reply to a failing script = %q", data)
	}
	if _, data := roundTrip(t, ctx, conn, "next"); data != "ok:next" {
		t.Errorf("reply after a failure = %q, want ok:next", data)
	}
	if n := h.Pool().Stats().Created; n != 1 {
		t.Errorf("created = %d, want 1", n)
	}
}

func TestSignalIdleTimeout(t *testing.T) {
	h, _ := newFakeHost(t, testConfig(1, 1))
	rt := h.NewRouter()
	rt.Signal("GET /ws", core.Source{Language: core.LangShell, Text: "unused"}, SignalOptions{IdleTimeout: 50 * time.Millisecond})
	srv := httptest.NewServer(rt)
	defer srv.Close()

	conn := dialSignal(t, srv, "/ws")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("connection stayed open past the idle timeout")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", got)
	}
}

func TestSignalOnDisposedHost(t *testing.T) {
	h, _ := newFakeHost(t, testConfig(1, 1))
	rt := h.NewRouter()
	rt.Signal("GET /ws", core.Source{Language: core.LangShell, Text: "echo"}, SignalOptions{})
	srv := httptest.NewServer(rt)
	defer srv.Close()

	conn := dialSignal(t, srv, "/ws")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.Pool().Dispose()
	if err := conn.Write(ctx, websocket.MessageText, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("connection stayed open on a disposed host")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", got)
	}
}
