package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomrelay/internal/events"
	"roomrelay/internal/metrics"
	"roomrelay/internal/rooms"
	"roomrelay/internal/wshub"
)

// Pinger is satisfied by the database handle.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Store          *rooms.Store
	Hub            *wshub.Hub
	Bus            *events.Bus
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	DB             Pinger // nil if no database configured
	// Lifetime is cancelled when the relay shuts down. Nil means never.
	Lifetime       context.Context
	SendBuffer     int
	AllowedOrigins []string
}

// handleWebSocket upgrades the request and turns every inbound frame into
// a bus event tagged with a fresh connection id. Closing the socket raises
// the disconnect event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.AllowedOrigins,
		InsecureSkipVerify: len(s.AllowedOrigins) == 0,
	})
	if err != nil {
		s.Logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	connID := uuid.New().String()
	log := s.Logger.With(zap.String("conn", connID))
	client := wshub.NewClient(connID, conn, s.SendBuffer)
	s.Hub.Register(client)
	s.Metrics.Connections.Inc()
	log.Info("connection opened", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		if err := client.WritePump(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug("write pump stopped", zap.Error(err))
		}
		cancel()
	}()

	s.readLoop(ctx, client, log)

	s.Hub.Unregister(connID)
	s.Metrics.Connections.Dec()

	// Waits for queue space for as long as the relay runs; the player
	// entry must not outlive the connection.
	if err := s.Bus.Publish(s.lifetime(), events.Inbound{ConnID: connID, Event: events.Disconnect}); err != nil {
		log.Warn("relay stopping before disconnect was queued", zap.Error(err))
	}
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info("connection closed")
}

func (s *Server) lifetime() context.Context {
	if s.Lifetime == nil {
		return context.Background()
	}
	return s.Lifetime
}

func (s *Server) readLoop(ctx context.Context, client *wshub.Client, log *zap.Logger) {
	for {
		_, data, err := client.Conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("client closed connection")
			default:
				if !errors.Is(err, context.Canceled) {
					log.Debug("read failed", zap.Error(err))
				}
			}
			return
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			s.replyError(client.ConnID, "", "malformed envelope")
			continue
		}
		if env.Event == events.Disconnect {
			// raised only by the transport
			s.replyError(client.ConnID, env.Event, "reserved event")
			continue
		}

		if err := s.Bus.Publish(ctx, events.Inbound{ConnID: client.ConnID, Event: env.Event, Data: env.Data}); err != nil {
			return
		}
	}
}

func (s *Server) replyError(connID, event, message string) {
	msg, err := events.Encode(events.Error, events.ErrorPayload{Event: event, Message: message})
	if err != nil {
		s.Logger.Error("encoding error reply", zap.Error(err))
		return
	}
	s.Metrics.Rejections.WithLabelValues("bad_request").Inc()
	s.Hub.SendTo(connID, msg)
}

type healthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Players     int    `json:"players"`
	Connections int    `json:"connections"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	numRooms, numPlayers := s.Store.Stats()
	resp := healthResponse{
		Status:      "ok",
		Rooms:       numRooms,
		Players:     numPlayers,
		Connections: s.Hub.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	if s.DB != nil {
		if err := s.DB.Ping(r.Context()); err != nil {
			resp.Status = "db_error"
			resp.Error = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.Logger.Warn("writing health response", zap.Error(err))
	}
}
