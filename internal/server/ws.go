package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gatehouse-sh/gatehouse/internal/auth"
	"github.com/gatehouse-sh/gatehouse/internal/claude"
	"github.com/gatehouse-sh/gatehouse/internal/session"
	"github.com/gatehouse-sh/gatehouse/pkg/protocol"
)

const (
	// wsPingInterval is how often the server pings each connection. Pongs
	// are not required; a dead peer surfaces as a write error.
	wsPingInterval = 25 * time.Second
	// wsControlTimeout bounds ping writes.
	wsControlTimeout = 10 * time.Second
	// wsMaxFrameBytes caps inbound frames.
	wsMaxFrameBytes = 64 << 10
)

// wsConn is one browser connection, registered with the session manager as a
// subscriber. The mutex serializes all writes to the socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send implements session.Subscriber.
func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlTimeout))
}

// handleWS upgrades the chat WebSocket. Plain HTTP requests get 426 so that
// a browser landing here after a login redirect sees a meaningful status.
// Upgrade auth accepts the session cookie or a ?token= parameter carrying
// either a cookie value or a short-lived ticket; failures are 401 with no
// body.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.WriteHeader(http.StatusUpgradeRequired)
		return
	}
	if !s.wsAuthorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.serveWS(conn)
}

func (s *Server) wsAuthorized(r *http.Request) bool {
	if c, err := r.Cookie(auth.CookieName); err == nil {
		if _, ok := s.cookies.Verify(c.Value); ok {
			return true
		}
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		return false
	}
	if _, ok := s.cookies.Verify(token); ok {
		return true
	}
	return s.tickets.Verify(token, time.Now())
}

// checkOrigin allows requests without an Origin header (non-browser clients)
// and browser requests from the configured public URL.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	pub, err := url.Parse(s.cfg.Server.PublicURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(o.Scheme, pub.Scheme) && strings.EqualFold(o.Host, pub.Host)
}

// serveWS runs one connection: subscribe, keep alive, route inbound frames
// until the peer goes away, then unsubscribe. A close affects only this
// subscriber, never the session.
func (s *Server) serveWS(conn *websocket.Conn) {
	sub := &wsConn{conn: conn}
	s.sessions.AddSubscriber(sub)
	s.logger.Info("websocket connected", "remote", conn.RemoteAddr().String())

	stopPing := s.keepalive(sub)
	defer func() {
		stopPing()
		s.sessions.RemoveSubscriber(sub)
		_ = conn.Close()
		s.logger.Info("websocket disconnected", "remote", conn.RemoteAddr().String())
	}()

	conn.SetReadLimit(wsMaxFrameBytes)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket read ended", "error", err)
			return
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.logger.Warn("invalid client message", "error", err)
			continue
		}
		s.dispatch(sub, msg)
	}
}

func (s *Server) keepalive(c *wsConn) (cancel func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (s *Server) dispatch(sub *wsConn, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeMessage:
		s.startAndSend(sub, msg.Content)
	case protocol.TypePermissionResponse:
		s.sessions.HandlePermissionResponse(msg.ID, msg.Allow)
	case protocol.TypeInterrupt:
		s.sessions.Interrupt()
	}
}

// startAndSend queues the message on the running session, or brings up a new
// one first: load credentials, refresh when stale, ensure the sandbox is
// running, start, send. Failures go back to this connection only.
func (s *Server) startAndSend(sub *wsConn, content string) {
	st := s.sessions.State()
	if st == session.StateRunning || st == session.StateWaitingPermission {
		if err := s.sessions.Send(content); err != nil {
			s.sendError(sub, err.Error())
		}
		return
	}

	// The session outlives this connection; do not tie startup to it.
	ctx := context.Background()

	toks, err := s.tokens.Load(ctx)
	if err != nil {
		s.sendError(sub, "load credentials: "+err.Error())
		return
	}
	if toks == nil {
		s.sendError(sub, "no stored credentials; complete setup first")
		return
	}
	if claude.NeedsRefresh(toks, time.Now()) && toks.RefreshToken != "" {
		fresh, err := s.flow.Refresh(ctx, toks.RefreshToken)
		if err != nil {
			// Not fatal; the agent surfaces any ultimate auth failure.
			s.logger.Warn("token refresh failed", "error", err)
		} else {
			if err := s.tokens.Store(ctx, fresh); err != nil {
				s.logger.Warn("persist refreshed tokens", "error", err)
			}
			toks = fresh
		}
	}

	if err := s.sandbox.EnsureRunning(ctx); err != nil {
		s.sendError(sub, "start sandbox: "+err.Error())
		return
	}

	_, err = s.sessions.Start(ctx, session.StartConfig{
		Token:       toks.AccessToken,
		WrapperPath: s.cfg.Sandbox.WrapperPath,
	})
	if err != nil && !errors.Is(err, session.ErrInvalidState) {
		s.sendError(sub, err.Error())
		return
	}
	// ErrInvalidState means another connection started the session between
	// our state check and now; the message is still valid, just queue it.
	if err := s.sessions.Send(content); err != nil {
		s.sendError(sub, err.Error())
	}
}

func (s *Server) sendError(sub *wsConn, message string) {
	data, err := json.Marshal(protocol.ErrorMessage{Type: protocol.TypeError, Message: message})
	if err != nil {
		return
	}
	if err := sub.Send(data); err != nil {
		s.logger.Debug("send error to websocket", "error", err)
	}
}
