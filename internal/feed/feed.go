// Package feed streams FinalityRecords to WebSocket subscribers.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	readLimit  = 4096
)

// Message is the JSON frame sent for each record.
type Message struct {
	Type        string    `json:"type"`
	VertexID    string    `json:"vertex_id"`
	Height      uint64    `json:"height"`
	Phase       string    `json:"phase"`
	VotingPower float64   `json:"voting_power"`
	TotalPower  float64   `json:"total_power"`
	Quorum      float64   `json:"quorum"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewMessage converts a record into its wire frame.
func NewMessage(rec consensus.FinalityRecord) Message {
	return Message{
		Type:        "finality",
		VertexID:    rec.VertexID.String(),
		Height:      rec.Height,
		Phase:       rec.Phase.String(),
		VotingPower: rec.VotingPower,
		TotalPower:  rec.TotalPower,
		Quorum:      rec.Quorum,
		Timestamp:   rec.Timestamp,
	}
}

type connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Server upgrades HTTP requests to WebSocket subscriptions and fans records
// out to them. A subscriber that falls SendBuffer frames behind is dropped.
type Server struct {
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *zap.Logger

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a feed server.
func NewServer(sendBuffer int, logger *zap.Logger) *Server {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		logger:     logger.Named("feed"),
		conns:      make(map[string]*connection),
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Upgrade failed", zap.Error(err))
		return
	}
	c := &connection{
		id:     uuid.NewString(),
		conn:   ws,
		send:   make(chan []byte, s.sendBuffer),
		closed: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c.id] = c
	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.Debug("Subscriber connected", zap.String("conn", c.id), zap.String("remote", r.RemoteAddr))
	go s.readLoop(c)
	go s.writeLoop(c)
}

// readLoop discards client frames and notices disconnects.
func (s *Server) readLoop(c *connection) {
	defer s.wg.Done()
	defer s.drop(c)

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Subscriber read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) writeLoop(c *connection) {
	defer s.wg.Done()
	defer s.drop(c)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("Subscriber write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) drop(c *connection) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.close()
}

// Publish sends rec to every subscriber.
func (s *Server) Publish(rec consensus.FinalityRecord) error {
	frame, err := json.Marshal(NewMessage(rec))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		select {
		case c.send <- frame:
		default:
			s.logger.Warn("Dropping slow subscriber", zap.String("conn", id))
			delete(s.conns, id)
			c.close()
		}
	}
	return nil
}

// Connections returns the number of live subscribers.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Run publishes records until ctx is done or records is closed.
func (s *Server) Run(ctx context.Context, records <-chan consensus.FinalityRecord) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			if err := s.Publish(rec); err != nil {
				s.logger.Warn("Record not published", zap.Stringer("vertex", rec.VertexID), zap.Error(err))
			}
		}
	}
}

// Close disconnects every subscriber and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
}
