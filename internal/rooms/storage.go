package rooms

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrPlayerNotFound   = errors.New("player not found in room")
	ErrCapacityExceeded = errors.New("no free room code available")
)

// maxCodeAttempts bounds collision retries per code length.
const maxCodeAttempts = 2048

// JoinResult describes the state after a successful join.
type JoinResult struct {
	Player Player
	Room   Snapshot
	// Previous is set when the connection was moved out of another room.
	Previous *LeaveResult
}

// LeaveResult describes a removed player entry.
type LeaveResult struct {
	RoomKey    string
	PlayerID   string
	Username   string
	NumPlayers int
}

// Store is the room registry. Every method keeps NumPlayers equal to the
// live player count and a connection in at most one room.
type Store struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	members map[string]string // connection id -> room key

	spawn   Spawn
	uniform func() float64
	codes   func(length int) (string, error)
	now     func() time.Time
}

type Option func(*Store)

func WithSpawn(sp Spawn) Option {
	return func(s *Store) { s.spawn = sp }
}

// WithRand makes spawn jitter draw from r instead of the global source.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.uniform = r.Float64 }
}

// WithCodeSource replaces the random code generator.
func WithCodeSource(fn func(length int) (string, error)) Option {
	return func(s *Store) { s.codes = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		rooms:   make(map[string]*Room),
		members: make(map[string]string),
		spawn:   DefaultSpawn(),
		uniform: rand.Float64,
		codes:   generateCode,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allocate registers a new empty room under a code no live room uses.
func (s *Store) Allocate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, length := range []int{codeLength, codeLength + 1} {
		for range maxCodeAttempts {
			code, err := s.codes(length)
			if err != nil {
				return "", fmt.Errorf("generating room code: %w", err)
			}
			if _, exists := s.rooms[code]; exists {
				continue
			}
			now := s.now()
			s.rooms[code] = &Room{
				Key:        code,
				Players:    make(map[string]*Player),
				CreatedAt:  now,
				EmptySince: now,
			}
			return code, nil
		}
	}
	return "", ErrCapacityExceeded
}

// Exists reports whether a room with exactly this key is registered.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[key]
	return ok
}

func (s *Store) Snapshot(key string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[key]
	if !ok {
		return Snapshot{}, ErrRoomNotFound
	}
	return room.snapshot(), nil
}

// Join inserts a player entry for connID into the room at a jittered spawn
// point. A connection already present in some room is removed from it first.
func (s *Store) Join(key, connID, username string) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[key]
	if !ok {
		return JoinResult{}, fmt.Errorf("joining %q: %w", key, ErrRoomNotFound)
	}

	var res JoinResult
	if _, member := s.members[connID]; member {
		prev, _ := s.leaveLocked(connID)
		res.Previous = &prev
	}

	player := &Player{
		PlayerID: connID,
		X:        float64(spawnLocation(s.uniform(), s.spawn.X, s.spawn.Radius)),
		Y:        float64(spawnLocation(s.uniform(), s.spawn.Y, s.spawn.Radius)),
		Rotation: 0,
		Username: displayName(username, connID),
	}
	room.Players[connID] = player
	room.recount(s.now())
	s.members[connID] = key

	res.Player = *player
	res.Room = room.snapshot()
	return res, nil
}

// Move overwrites the position of connID's own entry in the named room.
func (s *Store) Move(key, connID string, x, y, rotation float64) (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[key]
	if !ok {
		return Player{}, fmt.Errorf("moving in %q: %w", key, ErrRoomNotFound)
	}
	player, ok := room.Players[connID]
	if !ok {
		return Player{}, fmt.Errorf("moving %q in %q: %w", connID, key, ErrPlayerNotFound)
	}
	player.X = x
	player.Y = y
	player.Rotation = rotation
	return *player, nil
}

// Leave removes connID from whichever room holds it. The bool is false
// when the connection was not in any room.
func (s *Store) Leave(connID string) (LeaveResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveLocked(connID)
}

func (s *Store) leaveLocked(connID string) (LeaveResult, bool) {
	key, ok := s.members[connID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(s.members, connID)

	room, ok := s.rooms[key]
	if !ok {
		return LeaveResult{}, false
	}
	player, ok := room.Players[connID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(room.Players, connID)
	room.recount(s.now())

	return LeaveResult{
		RoomKey:    key,
		PlayerID:   connID,
		Username:   player.Username,
		NumPlayers: room.NumPlayers,
	}, true
}

// RoomOf returns the key of the room connID currently occupies.
func (s *Store) RoomOf(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.members[connID]
	return key, ok
}

// EvictIdle deletes rooms that have been empty for longer than ttl and
// returns their keys in sorted order. A non-positive ttl evicts nothing.
func (s *Store) EvictIdle(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var evicted []string
	for key, room := range s.rooms {
		if room.NumPlayers == 0 && now.Sub(room.EmptySince) > ttl {
			delete(s.rooms, key)
			evicted = append(evicted, key)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Stats returns the number of rooms and the number of players across them.
func (s *Store) Stats() (rooms, players int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms), len(s.members)
}

func displayName(username, connID string) string {
	if username != "" {
		return username
	}
	prefix := connID
	if len(prefix) > 5 {
		prefix = prefix[:5]
	}
	return "Player " + prefix
}
