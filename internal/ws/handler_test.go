package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"load_projection/internal/pipeline"
)

// fakeProjector reports to observer like a pipeline.Runner and blocks until
// released or cancelled.
type fakeProjector struct {
	observer pipeline.Observer
	release  chan struct{}

	mu    sync.Mutex
	calls [][]pipeline.Unit
}

func newFakeProjector(observer pipeline.Observer) *fakeProjector {
	return &fakeProjector{observer: observer, release: make(chan struct{})}
}

func (f *fakeProjector) Run(ctx context.Context, units []pipeline.Unit) *pipeline.RunReport {
	f.mu.Lock()
	f.calls = append(f.calls, units)
	f.mu.Unlock()

	rep := &pipeline.RunReport{RunID: uuid.New(), StartedAt: time.Now()}
	if f.observer != nil {
		f.observer.OnRunStarted(rep.RunID, units)
	}
	select {
	case <-f.release:
		for _, u := range units {
			rep.Units = append(rep.Units, &pipeline.UnitResult{Unit: u})
		}
	case <-ctx.Done():
		rep.Cancelled = true
	}
	rep.FinishedAt = time.Now()
	if f.observer != nil {
		f.observer.OnRunDone(rep)
	}
	return rep
}

func (f *fakeProjector) runs() [][]pipeline.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type handlerFixture struct {
	handler   *Handler
	control   *RunControl
	projector *fakeProjector
}

func newHandlerFixture() handlerFixture {
	hub := NewHub(nil)
	projector := newFakeProjector(NewBridge(hub, nil))
	control := NewRunControl(context.Background(), projector)
	return handlerFixture{
		handler:   NewHandler(hub, control, []string{"CISO", "ERCO"}, nil),
		control:   control,
		projector: projector,
	}
}

// dialHandler sets up a test server with the handler and returns a WS connection.
func dialHandler(t *testing.T, handler *Handler) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

// readJSON reads the next JSON message from the connection.
func readJSON(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

// readTypes reads n messages and indexes them by type. Broadcasts and direct
// replies may interleave.
func readTypes(t *testing.T, conn *websocket.Conn, n int) map[string]Envelope {
	t.Helper()
	out := make(map[string]Envelope, n)
	for range n {
		env := readJSON(t, conn)
		out[env.Type] = env
	}
	return out
}

// sendJSON sends a JSON message on the connection.
func sendJSON(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func errorMessage(t *testing.T, env Envelope) string {
	t.Helper()
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p.Message
}

func TestHandler_InitialStatus(t *testing.T) {
	f := newHandlerFixture()
	conn, cleanup := dialHandler(t, f.handler)
	defer cleanup()

	env := readJSON(t, conn)
	assert.Equal(t, TypeStatus, env.Type)

	var st StatusPayload
	require.NoError(t, json.Unmarshal(env.Payload, &st))
	assert.Equal(t, []string{"CISO", "ERCO"}, st.Regions)
	assert.False(t, st.Running)
}

func TestHandler_RunStartAndFinish(t *testing.T) {
	f := newHandlerFixture()
	conn, cleanup := dialHandler(t, f.handler)
	defer cleanup()
	readJSON(t, conn) // status

	sendJSON(t, conn, TypeRunStart, RunStartPayload{Years: []int{2040}, Scenarios: []string{"rcp45", "rcp85"}})

	env := readJSON(t, conn)
	require.Equal(t, TypeRunStarted, env.Type)
	var started RunStartedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &started))
	assert.Equal(t, []string{"2040/rcp45", "2040/rcp85"}, started.Units)
	assert.True(t, f.control.Running())

	close(f.projector.release)
	env = readJSON(t, conn)
	require.Equal(t, TypeRunDone, env.Type)
	var done RunDonePayload
	require.NoError(t, json.Unmarshal(env.Payload, &done))
	assert.Equal(t, started.RunID, done.RunID)
	assert.Equal(t, "ok", done.Status)
	assert.Equal(t, 2, done.Units)

	f.control.Wait()
	assert.False(t, f.control.Running())
	require.Len(t, f.projector.runs(), 1)
}

func TestHandler_RejectsSecondRun(t *testing.T) {
	f := newHandlerFixture()
	conn, cleanup := dialHandler(t, f.handler)
	defer cleanup()
	readJSON(t, conn)

	sendJSON(t, conn, TypeRunStart, RunStartPayload{Years: []int{2040}, Scenarios: []string{"rcp85"}})
	sendJSON(t, conn, TypeRunStart, RunStartPayload{Years: []int{2060}, Scenarios: []string{"rcp85"}})

	msgs := readTypes(t, conn, 2)
	require.Contains(t, msgs, TypeRunStarted)
	require.Contains(t, msgs, TypeError)
	assert.Contains(t, errorMessage(t, msgs[TypeError]), "already in progress")

	sendJSON(t, conn, TypeRunCancel, nil)
	env := readJSON(t, conn)
	require.Equal(t, TypeRunDone, env.Type)
	var done RunDonePayload
	require.NoError(t, json.Unmarshal(env.Payload, &done))
	assert.Equal(t, "cancelled", done.Status)

	f.control.Wait()
	assert.Len(t, f.projector.runs(), 1)
}

func TestHandler_InvalidRequests(t *testing.T) {
	f := newHandlerFixture()
	conn, cleanup := dialHandler(t, f.handler)
	defer cleanup()
	readJSON(t, conn)

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"not json", `{nope`, "invalid message"},
		{"bad payload", `{"type":"run:start","payload":{"years":"2040"}}`, "invalid run:start payload"},
		{"no units", `{"type":"run:start","payload":{"years":[2040],"scenarios":[]}}`, "no units"},
		{"nothing to cancel", `{"type":"run:cancel"}`, "no run in progress"},
		{"unknown type", `{"type":"sim:start"}`, "unknown message type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)))
			env := readJSON(t, conn)
			require.Equal(t, TypeError, env.Type)
			assert.Contains(t, errorMessage(t, env), tt.wantErr)
		})
	}
	assert.Empty(t, f.projector.runs())
}
