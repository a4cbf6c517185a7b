package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/hypernode/internal/xjson"
	"github.com/gorilla/websocket"
)

// session wraps one node connection. Only the read loop touches nodeID; all
// writers go through send, which serialises frames on the socket.
type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	nodeID string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *session {
	return &session{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

func (s *session) send(frame outboundFrame) error {
	data, err := xjson.Marshal(frame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
