// Package coordinator owns the room registry and processes connection
// events one at a time, fanning results out through the transport.
package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"roomrelay/internal/events"
	"roomrelay/internal/metrics"
	"roomrelay/internal/rooms"
	"roomrelay/internal/sessionlog"
)

// Transport delivers encoded frames to connections and keeps the
// room-scoped broadcast groups.
type Transport interface {
	Subscribe(room, connID string)
	Unsubscribe(room, connID string)
	SendTo(connID string, msg []byte) bool
	BroadcastExcept(room, exceptID string, msg []byte) int
}

// Rejection reasons, used as the metrics label.
const (
	reasonBadRequest     = "bad_request"
	reasonRoomNotFound   = "room_not_found"
	reasonPlayerNotFound = "player_not_found"
	reasonCapacity       = "capacity_exceeded"
	reasonUnknownEvent   = "unknown_event"
)

// unknownLabel is the events_total label shared by every unrecognised name.
const unknownLabel = "unknown"

func eventLabel(name string) string {
	switch name {
	case events.JoinRoom, events.PlayerMovement, events.IsKeyValid, events.GetRoomCode, events.Disconnect:
		return name
	}
	return unknownLabel
}

type Coordinator struct {
	store     *rooms.Store
	transport Transport
	bus       *events.Bus
	recorder  sessionlog.Recorder
	metrics   *metrics.Metrics
	logger    *zap.Logger

	idleTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

type Option func(*Coordinator)

func WithRecorder(r sessionlog.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithIdleEviction enables the sweeper: every interval, rooms empty for
// longer than ttl are removed. A zero ttl leaves rooms in place forever.
func WithIdleEviction(ttl, interval time.Duration) Option {
	return func(c *Coordinator) {
		c.idleTTL = ttl
		c.sweepInterval = interval
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(store *rooms.Store, transport Transport, bus *events.Bus, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		transport: transport,
		bus:       bus,
		recorder:  sessionlog.Nop{},
		metrics:   metrics.New(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drains the bus until ctx is cancelled. It is the only goroutine that
// mutates the registry, so events are applied in a single total order.
func (c *Coordinator) Run(ctx context.Context) error {
	var sweep <-chan time.Time
	if c.idleTTL > 0 {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	c.logger.Info("coordinator started", zap.Duration("idle_ttl", c.idleTTL))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped")
			return nil
		case ev := <-c.bus.Inbound:
			c.Handle(ev)
		case <-sweep:
			c.Sweep()
		}
	}
}

// Handle applies a single inbound event.
func (c *Coordinator) Handle(ev events.Inbound) {
	c.metrics.Events.WithLabelValues(eventLabel(ev.Event)).Inc()

	switch ev.Event {
	case events.JoinRoom:
		c.handleJoin(ev)
	case events.PlayerMovement:
		c.handleMovement(ev)
	case events.IsKeyValid:
		c.handleKeyCheck(ev)
	case events.GetRoomCode:
		c.handleGetRoomCode(ev)
	case events.Disconnect:
		c.handleDisconnect(ev)
	default:
		c.reject(ev.ConnID, reasonUnknownEvent, events.Error, events.ErrorPayload{
			Event:   ev.Event,
			Message: "unknown event",
		})
	}

	c.updateGauges()
}

func (c *Coordinator) handleJoin(ev events.Inbound) {
	var req events.JoinRoomRequest
	if err := ev.Decode(&req); err != nil {
		c.badRequest(ev, err)
		return
	}

	res, err := c.store.Join(req.Code, ev.ConnID, req.Username)
	if err != nil {
		c.reject(ev.ConnID, reasonRoomNotFound, events.RoomNotFound, events.RoomNotFoundPayload{RoomKey: req.Code})
		return
	}

	if prev := res.Previous; prev != nil {
		if prev.RoomKey != req.Code {
			c.transport.Unsubscribe(prev.RoomKey, ev.ConnID)
		}
		c.announceLeave(*prev)
	}

	c.transport.Subscribe(req.Code, ev.ConnID)

	c.send(ev.ConnID, events.SetState, res.Room)
	c.send(ev.ConnID, events.CurrentPlayers, events.CurrentPlayersPayload{
		Players:    res.Room.Players,
		NumPlayers: res.Room.NumPlayers,
	})
	c.broadcast(req.Code, ev.ConnID, events.NewPlayer, events.NewPlayerPayload{
		PlayerInfo: res.Player,
		NumPlayers: res.Room.NumPlayers,
	})

	c.recorder.Record(sessionlog.Entry{
		OccurredAt: c.now(),
		Kind:       sessionlog.PlayerJoined,
		RoomKey:    req.Code,
		PlayerID:   ev.ConnID,
		Username:   res.Player.Username,
		NumPlayers: res.Room.NumPlayers,
	})
	c.logger.Info("player joined",
		zap.String("room", req.Code),
		zap.String("conn", ev.ConnID),
		zap.String("username", res.Player.Username),
		zap.Int("num_players", res.Room.NumPlayers),
	)
}

func (c *Coordinator) handleMovement(ev events.Inbound) {
	var req events.MovementRequest
	if err := ev.Decode(&req); err != nil {
		c.badRequest(ev, err)
		return
	}

	player, err := c.store.Move(req.RoomKey, ev.ConnID, req.X, req.Y, req.Rotation)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.reject(ev.ConnID, reasonRoomNotFound, events.RoomNotFound, events.RoomNotFoundPayload{RoomKey: req.RoomKey})
		return
	case errors.Is(err, rooms.ErrPlayerNotFound):
		c.reject(ev.ConnID, reasonPlayerNotFound, events.PlayerNotFound, events.PlayerNotFoundPayload{RoomKey: req.RoomKey})
		return
	case err != nil:
		c.logger.Error("applying movement", zap.String("conn", ev.ConnID), zap.Error(err))
		return
	}

	c.broadcast(req.RoomKey, ev.ConnID, events.PlayerMoved, player)
}

func (c *Coordinator) handleKeyCheck(ev events.Inbound) {
	var req events.KeyCheckRequest
	if err := ev.Decode(&req); err != nil {
		c.badRequest(ev, err)
		return
	}

	if c.store.Exists(req.Code) {
		c.send(ev.ConnID, events.KeyIsValid, ev.Data)
		return
	}
	c.send(ev.ConnID, events.KeyNotValid, nil)
}

func (c *Coordinator) handleGetRoomCode(ev events.Inbound) {
	key, err := c.store.Allocate()
	if err != nil {
		c.logger.Error("allocating room", zap.String("conn", ev.ConnID), zap.Error(err))
		c.reject(ev.ConnID, reasonCapacity, events.Error, events.ErrorPayload{
			Event:   events.GetRoomCode,
			Message: err.Error(),
		})
		return
	}

	c.send(ev.ConnID, events.RoomCreated, key)
	c.recorder.Record(sessionlog.Entry{
		OccurredAt: c.now(),
		Kind:       sessionlog.RoomCreated,
		RoomKey:    key,
		PlayerID:   ev.ConnID,
	})
	c.logger.Info("room created", zap.String("room", key), zap.String("conn", ev.ConnID))
}

func (c *Coordinator) handleDisconnect(ev events.Inbound) {
	res, ok := c.store.Leave(ev.ConnID)
	if !ok {
		c.logger.Debug("disconnect outside any room", zap.String("conn", ev.ConnID))
		return
	}
	c.transport.Unsubscribe(res.RoomKey, ev.ConnID)
	c.announceLeave(res)
}

// announceLeave tells the remaining members of a room that a player left.
func (c *Coordinator) announceLeave(res rooms.LeaveResult) {
	c.broadcast(res.RoomKey, res.PlayerID, events.Disconnected, events.DisconnectedPayload{
		PlayerID:   res.PlayerID,
		NumPlayers: res.NumPlayers,
	})
	c.recorder.Record(sessionlog.Entry{
		OccurredAt: c.now(),
		Kind:       sessionlog.PlayerLeft,
		RoomKey:    res.RoomKey,
		PlayerID:   res.PlayerID,
		Username:   res.Username,
		NumPlayers: res.NumPlayers,
	})
	c.logger.Info("player left",
		zap.String("room", res.RoomKey),
		zap.String("conn", res.PlayerID),
		zap.Int("num_players", res.NumPlayers),
	)
}

// Sweep evicts idle rooms when eviction is enabled.
func (c *Coordinator) Sweep() {
	evicted := c.store.EvictIdle(c.idleTTL)
	for _, key := range evicted {
		c.recorder.Record(sessionlog.Entry{
			OccurredAt: c.now(),
			Kind:       sessionlog.RoomEvicted,
			RoomKey:    key,
		})
		c.logger.Info("evicted idle room", zap.String("room", key))
	}
	c.metrics.Evicted.Add(float64(len(evicted)))
	c.updateGauges()
}

func (c *Coordinator) badRequest(ev events.Inbound, err error) {
	c.reject(ev.ConnID, reasonBadRequest, events.Error, events.ErrorPayload{
		Event:   ev.Event,
		Message: err.Error(),
	})
}

// reject answers the originating connection only.
func (c *Coordinator) reject(connID, reason, event string, payload any) {
	c.metrics.Rejections.WithLabelValues(reason).Inc()
	c.logger.Debug("rejecting event",
		zap.String("conn", connID),
		zap.String("reason", reason),
	)
	c.send(connID, event, payload)
}

func (c *Coordinator) send(connID, event string, data any) {
	msg, err := events.Encode(event, data)
	if err != nil {
		c.logger.Error("encoding message", zap.String("event", event), zap.Error(err))
		return
	}
	c.transport.SendTo(connID, msg)
}

func (c *Coordinator) broadcast(room, exceptID, event string, data any) {
	msg, err := events.Encode(event, data)
	if err != nil {
		c.logger.Error("encoding message", zap.String("event", event), zap.Error(err))
		return
	}
	c.transport.BroadcastExcept(room, exceptID, msg)
}

func (c *Coordinator) updateGauges() {
	numRooms, numPlayers := c.store.Stats()
	c.metrics.Rooms.Set(float64(numRooms))
	c.metrics.Players.Set(float64(numPlayers))
}
