package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/GetStream/chat-sync/chat"
)

var (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = int64(256 * 1024)
)

// Stream keeps a websocket connection to the backend's event feed open,
// reconnecting with exponential backoff whenever it drops.
type Stream struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
	Logger *slog.Logger

	// Handle receives every decoded envelope, one at a time.
	Handle func(chat.Envelope)
	// OnState is called with true once connected and false once the
	// connection is lost.
	OnState func(connected bool)

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	mu        sync.Mutex
	connected bool
}

// Connected reports whether the stream currently holds a connection.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Stream) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Run connects and reads until ctx is done or the server rejects the
// credentials.
func (s *Stream) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	if s.InitialBackoff > 0 {
		b.InitialInterval = s.InitialBackoff
	}
	b.MaxInterval = 30 * time.Second
	if s.MaxBackoff > 0 {
		b.MaxInterval = s.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		var conn *websocket.Conn
		dial := func() error {
			c, err := s.dial(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}
		notify := func(err error, wait time.Duration) {
			s.logger().Info("Could not connect to event stream", "error", err.Error(), "retry_in", wait)
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(b, ctx), notify); err != nil {
			return err
		}
		b.Reset()

		s.logger().Info("Connected to event stream", "url", s.URL)
		s.setState(true)
		err := s.read(ctx, conn)
		s.setState(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger().Warn("Event stream disconnected", "error", err.Error())
		} else {
			s.logger().Info("Event stream closed by server")
		}
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}
	conn, res, err := dialer.DialContext(ctx, s.URL, header)
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(&StatusError{Code: res.StatusCode})
		}
		return nil, err
	}
	return conn, nil
}

func (s *Stream) setState(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()
	if changed && s.OnState != nil {
		s.OnState(connected)
	}
}

// read returns nil when the server closed the connection normally.
func (s *Stream) read(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.ping(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger().Error("Could not decode event", "error", err.Error())
			continue
		}
		if s.Handle != nil {
			s.Handle(env)
		}
	}
}

func (s *Stream) ping(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				s.logger().Debug("Could not send close frame", "error", err.Error())
			}
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger().Debug("Could not send ping", "error", err.Error())
				conn.Close()
				return
			}
		}
	}
}
