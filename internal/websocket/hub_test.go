package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentcoord/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", HandleWebSocket(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcast_OnlyReachesBoardSubscribers(t *testing.T) {
	hub, url := startHub(t)
	mine := dial(t, url+"?board_id=board-1")
	other := dial(t, url+"?board_id=board-2")
	waitForClients(t, hub, 2)

	err := hub.Broadcast("board-1", Event{TaskID: "task-1", Action: "agent_complete", OldStatus: "in_progress", NewStatus: "in_review"})
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	mine.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := mine.ReadMessage()
	if err != nil {
		t.Fatalf("subscriber read failed: %v", err)
	}
	var msg struct {
		Type    string `json:"type"`
		BoardID string `json:"board_id"`
		Data    Event  `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "task_refresh" || msg.BoardID != "board-1" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Data.TaskID != "task-1" || msg.Data.NewStatus != "in_review" {
		t.Errorf("event = %+v", msg.Data)
	}

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("board-2 subscriber received a board-1 event")
	}
}

func TestBroadcast_UnfilteredClientSeesEverything(t *testing.T) {
	hub, url := startHub(t)
	all := dial(t, url)
	waitForClients(t, hub, 1)

	if err := hub.Broadcast("board-9", Event{TaskID: "task-9", Action: "task_outcome"}); err != nil {
		t.Fatal(err)
	}
	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := all.ReadMessage(); err != nil {
		t.Errorf("unfiltered subscriber read failed: %v", err)
	}
}
