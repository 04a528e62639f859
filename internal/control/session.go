package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subscription periods a status client may ask for, in milliseconds.
var subscribeIntervals = map[int]bool{1000: true, 2000: true, 5000: true}

// statusSession is one /status websocket. Progress, complete and error
// events arrive through the hub; snapshots are pushed on connect, on
// request, and on the client's subscription ticker.
type statusSession struct {
	conn     *websocket.Conn
	client   *statusClient
	hub      *StatusHub
	snapshot func() StatusSnapshot

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	stopPeriod context.CancelFunc
	periodMs   int
}

type sessionRequest struct {
	Type       string `json:"type"`
	IntervalMs int    `json:"interval_ms"`
}

func newStatusSession(conn *websocket.Conn, hub *StatusHub, snapshot func() StatusSnapshot) *statusSession {
	return &statusSession{
		conn:     conn,
		client:   &statusClient{send: make(chan []byte, 32)},
		hub:      hub,
		snapshot: snapshot,
		done:     make(chan struct{}),
	}
}

// serve registers the session and starts its reader and writer. It returns
// immediately; either loop ending tears the session down.
func (s *statusSession) serve(greeting ...statusMessage) {
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	s.hub.Register(s.client)
	s.pushSnapshot()
	for _, msg := range greeting {
		s.push(msg)
	}
	go s.readLoop()
	go s.writeLoop()
}

func (s *statusSession) close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		close(s.done)
		_ = s.conn.Close()
		s.hub.Unregister(s.client)
	})
}

func (s *statusSession) push(msg statusMessage) {
	select {
	case <-s.done:
		return
	default:
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.SchemaVersion = statusSchemaVersion
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case s.client.send <- data:
	default:
	}
}

func (s *statusSession) pushSnapshot() {
	snap := s.snapshot()
	s.push(statusMessage{Type: "snapshot", Status: &snap})
}

func (s *statusSession) subscribe(intervalMs int) {
	s.unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopPeriod = cancel
	s.periodMs = intervalMs
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.pushSnapshot()
			}
		}
	}()
}

func (s *statusSession) unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopPeriod != nil {
		s.stopPeriod()
		s.stopPeriod = nil
	}
	s.periodMs = 0
}

func (s *statusSession) period() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodMs
}

func (s *statusSession) handle(req sessionRequest) {
	switch req.Type {
	case "subscribe":
		if !subscribeIntervals[req.IntervalMs] {
			s.push(statusMessage{
				Type:   "error",
				Code:   "invalid_interval",
				Reason: "interval_ms must be 1000, 2000, or 5000",
			})
			return
		}
		s.subscribe(req.IntervalMs)
	case "unsubscribe":
		s.unsubscribe()
	case "snapshot":
		s.pushSnapshot()
	}
}

func (s *statusSession) readLoop() {
	defer s.close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var req sessionRequest
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		s.handle(req)
	}
}

func (s *statusSession) writeLoop() {
	defer s.close()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case data, ok := <-s.client.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
