package rendezvous

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omerta-net/netcore/pkg/holepunch"
)

func echoServer(t *testing.T, onMessage func(*websocket.Conn, Message)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			onMessage(conn, msg)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestClient_RegisterAndReceiveRegistered(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, msg Message) {
		if msg.Type == TypeRegister {
			sendJSON(t, conn, Message{Type: TypeRegistered, PeerID: msg.PeerID})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv.URL))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	received := make(chan Message, 4)
	c.OnMessage(func(m Message) { received <- m })

	go c.Run(ctx)

	if err := c.Register("peer-a", "fullCone"); err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case m := <-received:
		if m.Type != TypeRegistered || m.PeerID != "peer-a" {
			t.Errorf("got %+v, want registered/peer-a", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registered")
	}
}

func TestClient_StrategyArrivesBeforeNow(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, msg Message) {
		if msg.Type == TypeRequestConnection {
			sendJSON(t, conn, Message{Type: TypeHolePunchStrategy, TargetPeerID: msg.TargetPeerID, Strategy: holepunch.StrategySimultaneous})
			sendJSON(t, conn, Message{Type: TypeHolePunchNow, TargetPeerID: msg.TargetPeerID})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv.URL))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var order []MessageType
	done := make(chan struct{})
	c.OnMessage(func(m Message) {
		order = append(order, m.Type)
		if len(order) == 2 {
			close(done)
		}
	})

	go c.Run(ctx)

	if err := c.RequestConnection("peer-b"); err != nil {
		t.Fatalf("request: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for both messages")
	}

	if len(order) != 2 || order[0] != TypeHolePunchStrategy || order[1] != TypeHolePunchNow {
		t.Errorf("order = %v, want [holePunchStrategy holePunchNow]", order)
	}
}

func TestMessage_JSONByteStable(t *testing.T) {
	m := Message{Type: TypeReportEndpoint, Addr: "203.0.113.50", Port: 51900}
	a, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("repeated marshal of identical content diverged: %s vs %s", a, b)
	}
}
