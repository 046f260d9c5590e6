// Package proxy relays a caller's websocket to the CDP endpoint of a
// locally hosted browser session, which is how live view works for the
// local engine.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const dialTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ConnectResolver finds the browser endpoint of a running session
type ConnectResolver interface {
	ConnectURL(sessionID string) (string, bool)
}

type Server struct {
	sessions ConnectResolver
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

func NewServer(sessions ConnectResolver, logger zerolog.Logger) *Server {
	return &Server{
		sessions: sessions,
		dialer:   websocket.DefaultDialer,
		logger:   logger.With().Str("component", "live_proxy").Logger(),
	}
}

// HandleLiveView proxies the websocket on r to the browser of sessionID
// until either side closes.
func (s *Server) HandleLiveView(w http.ResponseWriter, r *http.Request, sessionID string) {
	browserURL, ok := s.sessions.ConnectURL(sessionID)
	if !ok {
		http.Error(w, "session is not running", http.StatusNotFound)
		return
	}

	// Dial the browser first so a dead container is a plain HTTP error
	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	browserConn, _, err := s.dialer.DialContext(ctx, browserURL, nil)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to reach browser")
		http.Error(w, "browser is not reachable", http.StatusBadGateway)
		return
	}
	defer browserConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to upgrade connection")
		return
	}
	defer clientConn.Close()

	s.logger.Info().Str("session_id", sessionID).Msg("Live view connected")

	errChan := make(chan error, 2)
	go func() {
		errChan <- s.relay(clientConn, browserConn, "client->browser")
	}()
	go func() {
		errChan <- s.relay(browserConn, clientConn, "browser->client")
	}()

	err = <-errChan
	var closeErr *websocket.CloseError
	if err != nil && !errors.As(err, &closeErr) {
		s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Live view relay ended")
	}
	s.logger.Info().Str("session_id", sessionID).Msg("Live view disconnected")
}

func (s *Server) relay(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("direction", direction).Msg("Websocket read failed")
			}
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
