package sessionlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomrelay/internal/db"
)

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]db.SessionEvent
}

func (f *fakeInserter) InsertSessionEvents(_ context.Context, events []db.SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]db.SessionEvent(nil), events...))
	return nil
}

func (f *fakeInserter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeInserter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestWriter_FlushesFullBatch(t *testing.T) {
	store := &fakeInserter{}
	w := NewWriter(store, 100, 3, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 3; i++ {
		w.Record(Entry{Kind: PlayerJoined, RoomKey: "A1B2C", PlayerID: "p", NumPlayers: i + 1})
	}

	assert.Eventually(t, func() bool { return store.total() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.batchCount())
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	store := &fakeInserter{}
	w := NewWriter(store, 100, 50, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Record(Entry{Kind: RoomCreated, RoomKey: "A1B2C"})

	assert.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriter_FlushesRemainderOnShutdown(t *testing.T) {
	store := &fakeInserter{}
	w := NewWriter(store, 100, 50, time.Hour, zap.NewNop())

	w.Record(Entry{Kind: RoomCreated, RoomKey: "A1B2C"})
	w.Record(Entry{Kind: PlayerJoined, RoomKey: "A1B2C", PlayerID: "p1", Username: "Ann", NumPlayers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	require.Equal(t, 2, store.total())
	row := store.batches[0][1]
	assert.Equal(t, "player_joined", row.Kind)
	assert.Equal(t, "Ann", row.Username)
	assert.Equal(t, 1, row.NumPlayers)
}

func TestWriter_RecordDropsWhenFull(t *testing.T) {
	w := NewWriter(&fakeInserter{}, 1, 10, time.Hour, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Record(Entry{Kind: RoomCreated})
		w.Record(Entry{Kind: RoomCreated})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on full buffer")
	}
	assert.Len(t, w.buffer, 1)
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.Record(Entry{Kind: RoomCreated})
}
