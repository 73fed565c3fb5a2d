package db

import (
	"context"
	"fmt"
	"time"
)

type SessionEvent struct {
	OccurredAt time.Time
	Kind       string
	RoomKey    string
	PlayerID   string
	Username   string
	NumPlayers int
}

func (d *DB) InsertSessionEvents(ctx context.Context, events []SessionEvent) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_events (occurred_at, kind, room_key, player_id, username, num_players)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.OccurredAt, ev.Kind, ev.RoomKey, ev.PlayerID, ev.Username, ev.NumPlayers); err != nil {
			return fmt.Errorf("recording session event: %w", err)
		}
	}

	return tx.Commit()
}

// RoomHistory returns the recorded events for a room, oldest first.
func (d *DB) RoomHistory(ctx context.Context, roomKey string) ([]SessionEvent, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT occurred_at, kind, room_key, player_id, username, num_players
		FROM session_events WHERE room_key = $1 ORDER BY occurred_at, id
	`, roomKey)
	if err != nil {
		return nil, fmt.Errorf("querying room history: %w", err)
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var ev SessionEvent
		if err := rows.Scan(&ev.OccurredAt, &ev.Kind, &ev.RoomKey, &ev.PlayerID, &ev.Username, &ev.NumPlayers); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
