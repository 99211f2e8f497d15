package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PeerIDHeader carries the repo id during the websocket handshake.
const PeerIDHeader = "X-Hyperdoc-Id"

// WebSocketSettings tunes websocket sessions.
type WebSocketSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// PingInterval is how often an empty frame is written when idle.
	PingInterval time.Duration
	// SendBuffer is the number of frames queued before Send fails.
	SendBuffer int
	Logger     *slog.Logger
}

// DefaultWebSocketSettings returns settings suitable for most links.
func DefaultWebSocketSettings() WebSocketSettings {
	return WebSocketSettings{
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 15 * time.Second,
		SendBuffer:   1024,
	}
}

type wsSession struct {
	*router
	conn     *websocket.Conn
	settings WebSocketSettings

	send      chan []byte
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

var _ Session = (*wsSession)(nil)

func newWSSession(conn *websocket.Conn, remoteID string, settings WebSocketSettings) *wsSession {
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = DefaultWebSocketSettings().SendBuffer
	}
	return &wsSession{
		router:   newRouter(remoteID, settings.Logger),
		conn:     conn,
		settings: settings,
		send:     make(chan []byte, settings.SendBuffer),
		done:     make(chan struct{}),
	}
}

// Dial connects to a websocket endpoint, announcing localID.
func Dial(ctx context.Context, rawURL, localID string, settings WebSocketSettings) (Session, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	header := http.Header{}
	header.Set(PeerIDHeader, localID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	remoteID := resp.Header.Get(PeerIDHeader)
	if remoteID == "" {
		conn.Close()
		return nil, fmt.Errorf("dial %s: peer did not send %s", rawURL, PeerIDHeader)
	}
	return newWSSession(conn, remoteID, settings), nil
}

// NewHandler upgrades inbound HTTP requests to sessions and hands each to
// accept. The caller must Start the session.
func NewHandler(localID string, settings WebSocketSettings, accept func(Session)) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteID := r.Header.Get(PeerIDHeader)
		if remoteID == "" {
			remoteID = r.URL.Query().Get("id")
		}
		if remoteID == "" {
			http.Error(w, "missing peer id", http.StatusBadRequest)
			return
		}

		respHeader := http.Header{}
		respHeader.Set(PeerIDHeader, localID)
		conn, err := upgrader.Upgrade(w, r, respHeader)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote", remoteID, "error", err)
			return
		}
		accept(newWSSession(conn, remoteID, settings))
	})
}

func (s *wsSession) Send(subject string, payload []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	frame, err := encodeEnvelope(subject, payload)
	if err != nil {
		return err
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return fmt.Errorf("send %s to %s: %w", subject, s.remoteID, ErrBackpressure)
	}
}

func (s *wsSession) Start() {
	s.startOnce.Do(func() {
		go s.writeLoop()
		go s.readLoop()
	})
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// WriteControl may run concurrently with the write loop.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.settings.WriteTimeout))
		err = s.conn.Close()
		s.markClosed()
	})
	return err
}

func (s *wsSession) writeLoop() {
	defer s.Close()

	ping := time.NewTicker(s.pingInterval())
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				// A websocket write deadline cannot be recovered.
				s.logger.Info("websocket write failed", "remote", s.remoteID, "error", err)
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) readLoop() {
	defer s.Close()

	for {
		if s.settings.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		}
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && !s.isClosed() {
				s.logger.Info("websocket read failed", "remote", s.remoteID, "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			// Pings and non-binary frames carry nothing.
			continue
		}

		env, err := decodeEnvelope(message)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "remote", s.remoteID, "error", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *wsSession) pingInterval() time.Duration {
	if s.settings.PingInterval > 0 {
		return s.settings.PingInterval
	}
	return DefaultWebSocketSettings().PingInterval
}
