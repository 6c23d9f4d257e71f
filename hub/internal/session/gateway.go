package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/history"
	"github.com/amurg-ai/relay/hub/internal/router"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// routeTimeout bounds one message.send from validation to dispatch.
const routeTimeout = 10 * time.Second

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// GatewayOptions configures the WebSocket gateway.
type GatewayOptions struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // inbound frame limit; default 64 KiB
}

// Gateway accepts client WebSocket connections and translates frames into
// session and router operations.
type Gateway struct {
	manager  *Manager
	router   *router.Router
	auth     auth.Provider
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxMessageBytes int64
}

// NewGateway creates a Gateway.
func NewGateway(m *Manager, rt *router.Router, ap auth.Provider, logger *slog.Logger, opts GatewayOptions) *Gateway {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	return &Gateway{
		manager:         m,
		router:          rt,
		auth:            ap,
		logger:          logger.With("component", "gateway"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: opts.MaxMessageBytes,
	}
}

// bearerToken extracts the token from ?token= or the Authorization header.
// Browsers cannot set headers on the WebSocket handshake, hence the query
// parameter.
func bearerToken(req *http.Request) string {
	if t := req.URL.Query().Get("token"); t != "" {
		return t
	}
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
}

// HandleWS upgrades the request and serves the connection until it closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, req *http.Request) {
	identity, err := g.auth.ValidateToken(req.Context(), bearerToken(req))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	s, err := g.manager.Open(identity.Username, identity.Role)
	if err != nil {
		g.logger.Warn("too many WebSocket connections for user", "user", identity.Username, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		return
	}
	defer g.manager.Close(s)

	conn.SetReadLimit(g.maxMessageBytes)

	var wmu sync.Mutex
	cancelKeepalive := startWSKeepalive(conn, &wmu)
	defer cancelKeepalive()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writePump(conn, s, &wmu)
	}()

	g.logger.Info("client connected", "user", identity.Username, "conn_id", s.ID())
	g.readPump(req.Context(), conn, s)

	g.manager.Close(s)
	<-writerDone
	g.logger.Info("client disconnected", "user", identity.Username, "conn_id", s.ID())
}

// writePump drains the session's outbound queue onto the socket. When the
// session closes it sends a close frame and tears down the socket, which
// unblocks the reader.
func (g *Gateway) writePump(conn *websocket.Conn, s *Session, mu *sync.Mutex) {
	for {
		select {
		case data := <-s.Outbound():
			mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteMessage(websocket.TextMessage, data)
			mu.Unlock()
			if err != nil {
				g.logger.Debug("client write error", "conn_id", s.ID(), "error", err)
				g.manager.Close(s)
				_ = conn.Close()
				return
			}
		case <-s.Done():
			mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, s *Session) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "conn_id", s.ID(), "error", err)
			return
		}
		// Any message resets the read deadline.
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Warn("invalid message from client", "conn_id", s.ID(), "error", err)
			g.sendError(s, "", protocol.CodeBadRequest, "malformed envelope")
			continue
		}

		if !s.allowMessage() {
			g.logger.Debug("client message rate limited", "conn_id", s.ID())
			g.sendError(s, env.ID, protocol.CodeRateLimited, "rate limit exceeded")
			continue
		}

		g.handle(ctx, s, env)
	}
}

func (g *Gateway) handle(ctx context.Context, s *Session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegister:
		var reg protocol.Register
		if env.Payload != nil {
			if err := protocol.DecodePayload(env, &reg); err != nil {
				g.sendError(s, env.ID, protocol.CodeBadRequest, err.Error())
				return
			}
		}
		identity, err := g.manager.Register(s, reg.Identity)
		if err != nil {
			code := protocol.CodeInternal
			if errors.Is(err, ErrIdentityMismatch) {
				code = protocol.CodeForbidden
			}
			g.sendError(s, env.ID, code, err.Error())
			return
		}
		g.reply(s, protocol.TypeRegisterAck, env.ID, protocol.RegisterAck{Identity: identity})

	case protocol.TypeSendMessage:
		if s.State() != Registered {
			g.sendError(s, env.ID, protocol.CodeNotRegistered, "register before sending")
			return
		}
		var msg protocol.SendMessage
		if err := protocol.DecodePayload(env, &msg); err != nil {
			g.sendError(s, env.ID, protocol.CodeBadRequest, err.Error())
			return
		}

		rctx, cancel := context.WithTimeout(ctx, routeTimeout)
		report, err := g.router.Route(rctx, s.Identity(), msg.To, msg.Text)
		cancel()
		if err != nil {
			g.sendError(s, env.ID, router.Code(err), err.Error())
			return
		}
		g.reply(s, protocol.TypeMessageAck, env.ID, protocol.MessageAck{
			Message:   history.ToWire(report.Message),
			Delivered: report.Delivered,
			Persisted: report.Persisted,
		})

	case protocol.TypePing:
		g.reply(s, protocol.TypePong, env.ID, nil)

	default:
		g.logger.Debug("unknown client message type", "conn_id", s.ID(), "type", env.Type)
		g.sendError(s, env.ID, protocol.CodeBadRequest, "unknown message type "+env.Type)
	}
}

func (g *Gateway) reply(s *Session, msgType, id string, payload any) {
	if err := g.manager.Send(s, msgType, id, payload); err != nil && !errors.Is(err, ErrClosed) {
		g.logger.Warn("reply dropped", "conn_id", s.ID(), "type", msgType, "error", err)
	}
}

func (g *Gateway) sendError(s *Session, id, code, message string) {
	g.reply(s, protocol.TypeErrorResponse, id, protocol.ErrorResponse{Code: code, Message: message})
}
