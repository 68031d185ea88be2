package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/notify"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func fakeClient(h *Hub, userID string) *Client {
	return &Client{hub: h, userID: userID, send: make(chan []byte, 8)}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["delivered"].(int64) != 0 {
		t.Errorf("Expected 0 delivered, got %v", stats["delivered"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)

	a1 := fakeClient(h, "u_a")
	a2 := fakeClient(h, "u_a")
	h.register <- a1
	h.register <- a2
	waitFor(t, func() bool { return h.Connected("u_a") == 2 })

	h.unregister <- a1
	waitFor(t, func() bool { return h.Connected("u_a") == 1 })

	stats := h.Stats()
	if stats["peakClients"].(int64) != 2 {
		t.Errorf("Expected peak 2, got %v", stats["peakClients"])
	}
	if _, open := <-a1.send; open {
		t.Error("unregistered client channel should be closed")
	}
}

func TestHub_DeliversOnlyToAddressee(t *testing.T) {
	h := runHub(t)
	alice := fakeClient(h, "u_alice")
	bob := fakeClient(h, "u_bob")
	h.register <- alice
	h.register <- bob

	err := h.Deliver(context.Background(), &notify.Notification{
		ID: "ntf_1", UserID: "u_alice", Level: notify.LevelSuccess, Title: "Pagamento liberado",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case msg := <-alice.send:
		var n notify.Notification
		if err := json.Unmarshal(msg, &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.Title != "Pagamento liberado" {
			t.Errorf("unexpected title %q", n.Title)
		}
	case <-time.After(time.Second):
		t.Fatal("alice did not receive her notification")
	}

	select {
	case <-bob.send:
		t.Error("bob must not receive alice's notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UndeliveredCounted(t *testing.T) {
	h := runHub(t)
	_ = h.Deliver(context.Background(), &notify.Notification{UserID: "u_offline"})
	waitFor(t, func() bool { return h.Stats()["undelivered"].(int64) == 1 })
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := runHub(t)
	slow := &Client{hub: h, userID: "u_slow", send: make(chan []byte)}
	h.register <- slow
	waitFor(t, func() bool { return h.Connected("u_slow") == 1 })

	_ = h.Deliver(context.Background(), &notify.Notification{UserID: "u_slow"})
	waitFor(t, func() bool { return h.Connected("u_slow") == 0 })
}

func TestHub_DeliverAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}
	if err := h.Deliver(context.Background(), &notify.Notification{UserID: "u_a"}); err != ErrHubStopped {
		t.Errorf("expected ErrHubStopped, got %v", err)
	}
}

func TestHandleWebSocket_EndToEnd(t *testing.T) {
	h := runHub(t)
	verifier := auth.NewVerifier("ws-secret")
	r := gin.New()
	r.GET("/ws", auth.Middleware(verifier), h.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	tok, err := verifier.Issue(auth.Identity{Subject: "u_client", Role: auth.RoleClient}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?access_token=" + tok

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return h.Connected("u_client") == 1 })

	d := notify.NewDispatcher(h)
	d.Error(context.Background(), "u_client", "Pagamento não aprovado", "card_declined", nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n notify.Notification
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n.Level != notify.LevelError || n.Body != "card_declined" {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestHandleWebSocket_RequiresIdentity(t *testing.T) {
	h := runHub(t)
	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("expected 401, got %v", resp)
	}
}
