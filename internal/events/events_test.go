package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/rooms"
)

func TestNewBus(t *testing.T) {
	bus := NewBus(4)
	if bus == nil {
		t.Fatal("NewBus() returned nil")
	}
	if bus.Inbound == nil {
		t.Fatal("Inbound channel is nil")
	}
	if cap(bus.Inbound) != 4 {
		t.Errorf("cap = %d, want 4", cap(bus.Inbound))
	}
}

func TestBus_PublishReceive(t *testing.T) {
	bus := NewBus(1)
	ev := Inbound{ConnID: "c1", Event: GetRoomCode}

	go func() {
		_ = bus.Publish(context.Background(), ev)
	}()

	select {
	case received := <-bus.Inbound:
		if received.ConnID != "c1" || received.Event != GetRoomCode {
			t.Errorf("received %+v, want %+v", received, ev)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PublishPreservesOrder(t *testing.T) {
	bus := NewBus(10)
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), Inbound{ConnID: string(rune('a' + i))}))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, string(rune('a'+i)), (<-bus.Inbound).ConnID)
	}
}

func TestBus_PublishFullQueueHonorsContext(t *testing.T) {
	bus := NewBus(1)
	require.NoError(t, bus.Publish(context.Background(), Inbound{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, Inbound{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEncode(t *testing.T) {
	data, err := Encode(NewPlayer, NewPlayerPayload{
		PlayerInfo: rooms.Player{PlayerID: "p1", X: 400, Y: 300, Username: "Ann"},
		NumPlayers: 2,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"newPlayer","data":{"playerInfo":{"playerId":"p1","x":400,"y":300,"rotation":0,"username":"Ann"},"numPlayers":2}}`, string(data))
}

func TestEncode_NoData(t *testing.T) {
	data, err := Encode(KeyNotValid, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"keyNotValid"}`, string(data))
}

func TestEncode_StringPayload(t *testing.T) {
	data, err := Encode(RoomCreated, "A1B2C")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"roomCreated","data":"A1B2C"}`, string(data))
}

func TestInbound_Decode(t *testing.T) {
	in := Inbound{Event: PlayerMovement, Data: json.RawMessage(`{"x":10,"y":20,"rotation":1,"roomKey":"A1B2C"}`)}
	var req MovementRequest
	require.NoError(t, in.Decode(&req))
	assert.Equal(t, MovementRequest{X: 10, Y: 20, Rotation: 1, RoomKey: "A1B2C"}, req)
}

func TestInbound_DecodeErrors(t *testing.T) {
	var req JoinRoomRequest
	assert.Error(t, Inbound{Event: JoinRoom}.Decode(&req))
	assert.Error(t, Inbound{Event: JoinRoom, Data: json.RawMessage(`{"code":`)}.Decode(&req))
	assert.Error(t, Inbound{Event: PlayerMovement, Data: json.RawMessage(`{"x":"ten"}`)}.Decode(&MovementRequest{}))
}
