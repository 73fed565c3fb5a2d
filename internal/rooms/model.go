package rooms

import (
	"math"
	"time"
)

// Player is one connection's entry inside a room. PlayerID is the owning
// connection id and is the only identity allowed to move the entry.
type Player struct {
	PlayerID string  `json:"playerId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
	Username string  `json:"username"`
}

// Room is a broadcast scope keyed by its code.
type Room struct {
	Key        string
	Players    map[string]*Player
	NumPlayers int
	CreatedAt  time.Time
	// EmptySince is when the last player left; zero while occupied.
	EmptySince time.Time
}

func (r *Room) recount(now time.Time) {
	r.NumPlayers = len(r.Players)
	if r.NumPlayers == 0 {
		r.EmptySince = now
	} else {
		r.EmptySince = time.Time{}
	}
}

func (r *Room) snapshot() Snapshot {
	players := make(map[string]Player, len(r.Players))
	for id, p := range r.Players {
		players[id] = *p
	}
	return Snapshot{
		RoomKey:    r.Key,
		Players:    players,
		NumPlayers: r.NumPlayers,
	}
}

// Snapshot is a copy of a room's state safe to hand to encoders.
type Snapshot struct {
	RoomKey    string            `json:"roomKey"`
	Players    map[string]Player `json:"players"`
	NumPlayers int               `json:"numPlayers"`
}

// Spawn describes where new players appear: a uniform integer jitter of
// Radius around (X, Y), drawn independently per axis.
type Spawn struct {
	X      int
	Y      int
	Radius int
}

func DefaultSpawn() Spawn {
	return Spawn{X: 400, Y: 300, Radius: 40}
}

// spawnLocation draws from [point-radius, point+radius] inclusive as
// floor(u*(max-min+1)+min) with u in [0, 1).
func spawnLocation(u float64, point, radius int) int {
	max := point + radius
	min := point - radius
	return int(math.Floor(u*float64(max-min+1) + float64(min)))
}
