package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	internalhttputil "github.com/JAG-UK/rkh-frontend/internal/httputil"
)

type sessionResponse struct {
	Connected bool            `json:"connected"`
	Account   account.Account `json:"account"`
}

type connectRequest struct {
	Connector string  `json:"connector"`
	Index     *uint32 `json:"index,omitempty"`
}

type connectResponse struct {
	Account   account.Account `json:"account"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.sessions.Current()
	if !ok {
		acct = account.Guest()
	}
	internalhttputil.WriteJSON(w, http.StatusOK, sessionResponse{Connected: ok, Account: acct})
}

// handleConnect pairs a wallet. Pairing may wait on the operator, so the
// request context is not shortened.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := internalhttputil.ReadJSON(r, &req); err != nil {
		internalhttputil.WriteServiceError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}
	kind, err := connector.ParseKind(req.Connector)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, errors.InvalidInput("connector", err.Error()))
		return
	}

	acct, err := s.sessions.Connect(r.Context(), kind, req.Index)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}

	token, exp, err := s.tokens.Issue(acct)
	if err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}

	s.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"account":   acct.Address,
		"role":      acct.Role,
		"connector": acct.Connector,
	}).Info("wallet connected")
	internalhttputil.WriteJSON(w, http.StatusOK, connectResponse{Account: acct, Token: token, ExpiresAt: exp})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if err := s.sessions.Disconnect(ctx); err != nil {
		internalhttputil.WriteServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Event stream
// =============================================================================

const (
	eventWriteWait = 10 * time.Second
	eventPongWait  = 60 * time.Second
	eventPingEvery = eventPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Events are public; mutations require a session token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams session events over a WebSocket. The current state is
// sent first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Debug("event stream upgrade failed")
		return
	}
	defer ws.Close()

	events, cancel := s.sessions.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	// Reader: drains control frames and notices the client going away.
	go func() {
		defer stop()
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(eventPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(eventWriteWait))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
