package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomrelay/internal/coordinator"
	"roomrelay/internal/events"
	"roomrelay/internal/metrics"
	"roomrelay/internal/rooms"
	"roomrelay/internal/wshub"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, ts, start := newIdleServer(t, 64)
	start()
	return srv, ts
}

// newIdleServer builds a relay whose coordinator only runs once start is
// called, so tests can hold the event queue full.
func newIdleServer(t *testing.T, queueSize int) (*Server, *httptest.Server, func()) {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.New()
	store := rooms.NewStore(rooms.WithRand(rand.New(rand.NewPCG(7, 11))))
	bus := events.NewBus(queueSize)
	hub := wshub.NewHub(logger, wshub.WithDropHook(m.Dropped.Inc))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coord := coordinator.New(store, hub, bus, logger, coordinator.WithMetrics(m))
	start := func() { go coord.Run(ctx) }

	srv := &Server{
		Store:      store,
		Hub:        hub,
		Bus:        bus,
		Metrics:    m,
		Logger:     logger,
		Lifetime:   ctx,
		SendBuffer: 16,
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts, start
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, events.Envelope{Event: event, Data: raw}))
}

// expect reads the next frame and requires it to carry event.
func expect(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var env events.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	require.Equal(t, event, env.Event, "payload: %s", env.Data)
	return env.Data
}

func TestRelaySession(t *testing.T) {
	srv, ts := newTestServer(t)
	ann := dial(t, ts)
	bo := dial(t, ts)

	emit(t, ann, events.GetRoomCode, struct{}{})
	var key string
	require.NoError(t, json.Unmarshal(expect(t, ann, events.RoomCreated), &key))
	require.Len(t, key, 5)

	emit(t, bo, events.IsKeyValid, events.KeyCheckRequest{Username: "Bo", Code: key})
	var echoed events.KeyCheckRequest
	require.NoError(t, json.Unmarshal(expect(t, bo, events.KeyIsValid), &echoed))
	assert.Equal(t, key, echoed.Code)

	emit(t, ann, events.JoinRoom, events.JoinRoomRequest{Username: "Ann", Code: key})
	var state rooms.Snapshot
	require.NoError(t, json.Unmarshal(expect(t, ann, events.SetState), &state))
	assert.Equal(t, key, state.RoomKey)
	assert.Equal(t, 1, state.NumPlayers)
	expect(t, ann, events.CurrentPlayers)

	emit(t, bo, events.JoinRoom, events.JoinRoomRequest{Username: "Bo", Code: key})
	expect(t, bo, events.SetState)
	var current events.CurrentPlayersPayload
	require.NoError(t, json.Unmarshal(expect(t, bo, events.CurrentPlayers), &current))
	assert.Equal(t, 2, current.NumPlayers)

	var joined events.NewPlayerPayload
	require.NoError(t, json.Unmarshal(expect(t, ann, events.NewPlayer), &joined))
	assert.Equal(t, "Bo", joined.PlayerInfo.Username)
	assert.Equal(t, 2, joined.NumPlayers)
	boID := joined.PlayerInfo.PlayerID

	emit(t, ann, events.PlayerMovement, events.MovementRequest{X: 410, Y: 290, Rotation: 1.5, RoomKey: key})
	var moved rooms.Player
	require.NoError(t, json.Unmarshal(expect(t, bo, events.PlayerMoved), &moved))
	assert.Equal(t, "Ann", moved.Username)
	assert.Equal(t, 410.0, moved.X)
	assert.Equal(t, 1.5, moved.Rotation)

	require.NoError(t, bo.Close(websocket.StatusNormalClosure, ""))
	var left events.DisconnectedPayload
	require.NoError(t, json.Unmarshal(expect(t, ann, events.Disconnected), &left))
	assert.Equal(t, boID, left.PlayerID)
	assert.Equal(t, 1, left.NumPlayers)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.Metrics.Connections) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := srv.Store.Snapshot(key)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.NumPlayers)
}

func TestDisconnectWaitsForQueueSpace(t *testing.T) {
	srv, ts, start := newIdleServer(t, 1)
	key, err := srv.Store.Allocate()
	require.NoError(t, err)

	ann := dial(t, ts)
	emit(t, ann, events.JoinRoom, events.JoinRoomRequest{Username: "Ann", Code: key})
	require.Eventually(t, func() bool { return len(srv.Bus.Inbound) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ann.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return srv.Hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// the queue stays full well past any short publish deadline
	time.Sleep(2500 * time.Millisecond)
	start()

	require.Eventually(t, func() bool {
		snap, err := srv.Store.Snapshot(key)
		return err == nil && snap.NumPlayers == 0 && len(snap.Players) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayRejectsGoToSenderOnly(t *testing.T) {
	_, ts := newTestServer(t)
	a := dial(t, ts)

	emit(t, a, events.JoinRoom, events.JoinRoomRequest{Username: "Ann", Code: "ZZZZZ"})
	var missing events.RoomNotFoundPayload
	require.NoError(t, json.Unmarshal(expect(t, a, events.RoomNotFound), &missing))
	assert.Equal(t, "ZZZZZ", missing.RoomKey)

	emit(t, a, events.IsKeyValid, events.KeyCheckRequest{Code: "ZZZZZ"})
	expect(t, a, events.KeyNotValid)

	emit(t, a, "dance", struct{}{})
	var unknown events.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, a, events.Error), &unknown))
	assert.Equal(t, "dance", unknown.Event)
}

func TestRelayMalformedFrames(t *testing.T) {
	_, ts := newTestServer(t)
	a := dial(t, ts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Write(ctx, websocket.MessageText, []byte("not json")))
	var bad events.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, a, events.Error), &bad))
	assert.Equal(t, "malformed envelope", bad.Message)

	emit(t, a, events.Disconnect, struct{}{})
	var reserved events.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, a, events.Error), &reserved))
	assert.Equal(t, events.Disconnect, reserved.Event)

	// the connection stays usable
	emit(t, a, events.GetRoomCode, struct{}{})
	expect(t, a, events.RoomCreated)
}

func TestHealth(t *testing.T) {
	srv, ts := newTestServer(t)
	_, err := srv.Store.Allocate()
	require.NoError(t, err)
	dial(t, ts)

	require.Eventually(t, func() bool { return srv.Hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, healthResponse{Status: "ok", Rooms: 1, Connections: 1}, body)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthReportsDatabaseFailure(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.DB = failingPinger{}

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "db_error", body.Status)
	assert.Equal(t, "connection refused", body.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	a := dial(t, ts)
	emit(t, a, events.GetRoomCode, struct{}{})
	expect(t, a, events.RoomCreated)

	scrape := func() string {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	// gauges refresh right after the reply is queued
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(), "roomrelay_rooms 1")
	}, 2*time.Second, 10*time.Millisecond)

	body := scrape()
	assert.Contains(t, body, `roomrelay_events_total{event="getRoomCode"} 1`)
	assert.Contains(t, body, "roomrelay_connections 1")
}

func TestRoutesRejectWrongMethod(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
