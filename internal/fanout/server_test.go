package fanout

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reflectdb/reflectdb/internal/broadcast"
	"github.com/reflectdb/reflectdb/internal/model"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := testHub()
	srv := httptest.NewServer(NewServer(hub, hub.logger, nil))
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func postBatch(t *testing.T, srv *httptest.Server, batch broadcast.Batch, sender string) map[string]any {
	t.Helper()
	body, _ := json.Marshal(batch)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/broadcast", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sender != "" {
		req.Header.Set(broadcast.HeaderSenderUserID, sender)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv, "user_id=u1")

	hello := readEvent(t, ws)
	if hello["event"] != "connected" || hello["user_id"] != "u1" {
		t.Fatalf("unexpected hello: %v", hello)
	}

	if err := ws.WriteJSON(map[string]any{"action": "subscribe", "class_id": "post"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ack := readEvent(t, ws)
	if ack["event"] != "subscribed" || ack["class_route"] != "post" {
		t.Fatalf("unexpected ack: %v", ack)
	}

	out := postBatch(t, srv, broadcast.Batch{
		Type:  "changes",
		Items: []model.Record{{"id": "1", "class_id": "post", "title": "hi"}},
	}, "")
	if out["sent"] != float64(1) {
		t.Errorf("expected one frame sent, got %v", out["sent"])
	}

	change := readEvent(t, ws)
	if change["type"] != "changes" {
		t.Fatalf("unexpected frame: %v", change)
	}
	items, _ := change["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one item, got %v", change["items"])
	}
	item, _ := items[0].(map[string]any)
	if item["title"] != "hi" {
		t.Errorf("item lost fields: %v", item)
	}
}

func TestWebSocket_SenderIsSkipped(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv, "user_id=u1")
	readEvent(t, ws) // connected

	ws.WriteJSON(map[string]any{"action": "subscribe", "class_id": "post"})
	readEvent(t, ws) // ack

	out := postBatch(t, srv, broadcast.Batch{
		Type:  "changes",
		Items: []model.Record{{"id": "1", "class_id": "post"}},
	}, "u1")
	if out["sent"] != float64(0) {
		t.Errorf("expected the writer's own connection to be skipped, got %v", out["sent"])
	}
}

func TestWebSocket_PingAndUnknownAction(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv, "")
	readEvent(t, ws) // connected

	ws.WriteJSON(map[string]any{"action": "ping"})
	if msg := readEvent(t, ws); msg["event"] != "pong" {
		t.Errorf("expected pong, got %v", msg)
	}

	ws.WriteJSON(map[string]any{"action": "shout"})
	if msg := readEvent(t, ws); msg["event"] != "error" {
		t.Errorf("expected an error event, got %v", msg)
	}

	ws.WriteJSON(map[string]any{"action": "subscribe"})
	if msg := readEvent(t, ws); msg["event"] != "error" {
		t.Errorf("subscribe without a selector must error, got %v", msg)
	}
}

func TestBroadcastEndpoint_RejectsUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(broadcast.Batch{Type: "snapshot"})
	resp, err := http.Post(srv.URL+"/broadcast", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv, "user_id=u1")
	readEvent(t, ws) // connected

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["status"] != "ok" {
		t.Errorf("unexpected health: %v", out)
	}
	if out["connections"] != float64(1) {
		t.Errorf("expected one connection, got %v", out["connections"])
	}
}
