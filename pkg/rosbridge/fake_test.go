package rosbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// serviceFunc answers a call_service op. ok=false turns values into the
// failure text of the response.
type serviceFunc func(args json.RawMessage) (values any, ok bool)

type recvOp struct {
	Op          Op              `json:"op"`
	ID          string          `json:"id"`
	Service     string          `json:"service"`
	Topic       string          `json:"topic"`
	Type        string          `json:"type"`
	QueueSize   int             `json:"queue_size"`
	Compression string          `json:"compression"`
	Args        json.RawMessage `json:"args"`
	Msg         json.RawMessage `json:"msg"`
}

// fakeBridge is a minimal rosbridge server for tests.
type fakeBridge struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	services map[string]serviceFunc

	writeMu sync.Mutex
	ops     chan recvOp
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()

	fb := &fakeBridge{
		t:        t,
		services: make(map[string]serviceFunc),
		ops:      make(chan recvOp, 256),
	}

	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fb.handle(conn, data)
		}
	}))
	t.Cleanup(fb.srv.Close)

	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBridge) handleService(name string, fn serviceFunc) {
	fb.mu.Lock()
	fb.services[name] = fn
	fb.mu.Unlock()
}

func (fb *fakeBridge) handle(conn *websocket.Conn, data []byte) {
	var op recvOp
	if err := json.Unmarshal(data, &op); err != nil {
		fb.t.Errorf("fake bridge got invalid JSON: %v", err)
		return
	}

	select {
	case fb.ops <- op:
	default:
	}

	if op.Op != OpCallService {
		return
	}

	fb.mu.Lock()
	fn := fb.services[op.Service]
	fb.mu.Unlock()

	resp := map[string]any{
		"op":      OpServiceResponse,
		"id":      op.ID,
		"service": op.Service,
	}
	if fn == nil {
		resp["values"] = "service does not exist"
		resp["result"] = false
	} else {
		values, ok := fn(op.Args)
		if values == nil && !ok {
			// Handler closed the connection or wants no answer.
			return
		}
		resp["values"] = values
		resp["result"] = ok
	}
	fb.send(conn, resp)
}

func (fb *fakeBridge) send(conn *websocket.Conn, v any) {
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (fb *fakeBridge) currentConn() *websocket.Conn {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.conn
}

// publish pushes a JSON publish op to the connected client.
func (fb *fakeBridge) publish(topic string, msg any) {
	fb.send(fb.currentConn(), map[string]any{"op": OpPublish, "topic": topic, "msg": msg})
}

// sendBinary pushes a binary frame to the connected client.
func (fb *fakeBridge) sendBinary(data []byte) {
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = fb.currentConn().WriteMessage(websocket.BinaryMessage, data)
}

// waitOp returns the next received op of the given kind.
func (fb *fakeBridge) waitOp(op Op) recvOp {
	fb.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-fb.ops:
			if got.Op == op {
				return got
			}
		case <-deadline:
			fb.t.Fatalf("timed out waiting for %s op", op)
			return recvOp{}
		}
	}
}

func connectedClient(t *testing.T, fb *fakeBridge, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.URL = fb.url()
	cfg.ServicePollInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.Connect(testContext(t)))
	t.Cleanup(func() { c.Close() })
	return c
}

// testContext mirrors testing.T.Context (Go 1.24+) for older toolchains: the
// returned context is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
