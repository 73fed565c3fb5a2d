// Package sessionlog records room and player lifecycle events to an
// append-only store. The log is write-only; the room registry never reads it.
package sessionlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"roomrelay/internal/db"
)

type Kind string

const (
	RoomCreated  Kind = "room_created"
	PlayerJoined Kind = "player_joined"
	PlayerLeft   Kind = "player_left"
	RoomEvicted  Kind = "room_evicted"
)

type Entry struct {
	OccurredAt time.Time
	Kind       Kind
	RoomKey    string
	PlayerID   string
	Username   string
	NumPlayers int
}

// Recorder accepts entries without blocking the caller.
type Recorder interface {
	Record(Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(Entry) {}

// Inserter persists a batch of session events.
type Inserter interface {
	InsertSessionEvents(ctx context.Context, events []db.SessionEvent) error
}

// Writer buffers entries on a channel and flushes them in batches, either
// when a batch fills up or when the flush interval elapses.
type Writer struct {
	store     Inserter
	buffer    chan Entry
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
}

func NewWriter(store Inserter, bufferSize, batchSize int, interval time.Duration, logger *zap.Logger) *Writer {
	return &Writer{
		store:     store,
		buffer:    make(chan Entry, bufferSize),
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
	}
}

// Record queues e. Non-blocking: drops the entry if the buffer is full.
func (w *Writer) Record(e Entry) {
	select {
	case w.buffer <- e:
	default:
		w.logger.Warn("session log buffer full, dropping entry",
			zap.String("kind", string(e.Kind)),
			zap.String("room", e.RoomKey),
		)
	}
}

// Run flushes batches until ctx is cancelled, then flushes whatever is
// still queued.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]db.SessionEvent, 0, w.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.store.InsertSessionEvents(ctx, batch); err != nil {
			w.logger.Error("writing session events", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-w.buffer:
			batch = append(batch, toRow(e))
			if len(batch) >= w.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case e := <-w.buffer:
					batch = append(batch, toRow(e))
				default:
					flush(drainCtx)
					return nil
				}
			}
		}
	}
}

func toRow(e Entry) db.SessionEvent {
	return db.SessionEvent{
		OccurredAt: e.OccurredAt,
		Kind:       string(e.Kind),
		RoomKey:    e.RoomKey,
		PlayerID:   e.PlayerID,
		Username:   e.Username,
		NumPlayers: e.NumPlayers,
	}
}
