package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/NodePath81/netgrade/internal/runner"
)

const statusSchemaVersion = 1

// RunStatus tracks the live state of the current run and publishes every
// change to the hub. It implements runner.Observer.
type RunStatus struct {
	mu        sync.Mutex
	running   bool
	stage     runner.Stage
	message   string
	percent   float64
	startedAt time.Time
	updatedAt time.Time
	hub       *StatusHub
}

// StatusSnapshot is the current run status as served by GetStatus and sent
// to websocket clients when they connect.
type StatusSnapshot struct {
	State     string       `json:"state"`
	Running   bool         `json:"running"`
	Stage     runner.Stage `json:"stage,omitempty"`
	Message   string       `json:"message,omitempty"`
	Percent   float64      `json:"percent"`
	StartedAt int64        `json:"started_at,omitempty"`
	UpdatedAt int64        `json:"updated_at,omitempty"`
}

func NewRunStatus(hub *StatusHub) *RunStatus {
	return &RunStatus{hub: hub}
}

func (s *RunStatus) OnProgress(stage runner.Stage, message string, percent float64) {
	now := time.Now()
	s.mu.Lock()
	if !s.running {
		s.running = true
		s.startedAt = now
	}
	s.stage = stage
	s.message = message
	s.percent = percent
	s.updatedAt = now
	s.mu.Unlock()
	s.hub.Broadcast(statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          "progress",
		Timestamp:     now.UnixMilli(),
		Stage:         stage,
		Message:       message,
		Percent:       &percent,
	})
}

func (s *RunStatus) OnComplete(report runner.CompositeReport) {
	s.finish()
	s.hub.Broadcast(statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          "complete",
		Timestamp:     time.Now().UnixMilli(),
		Report:        &report,
	})
}

func (s *RunStatus) OnError(reason string, report runner.CompositeReport) {
	s.finish()
	s.hub.Broadcast(statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          "error",
		Timestamp:     time.Now().UnixMilli(),
		Reason:        reason,
		Report:        &report,
	})
}

func (s *RunStatus) finish() {
	s.mu.Lock()
	s.running = false
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// Snapshot combines the tracked progress with the orchestrator state.
func (s *RunStatus) Snapshot(state runner.State) StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatusSnapshot{
		State:   state.String(),
		Running: state == runner.StateRunning,
		Stage:   s.stage,
		Message: s.message,
		Percent: s.percent,
	}
	if !s.startedAt.IsZero() {
		snap.StartedAt = s.startedAt.UnixMilli()
	}
	if !s.updatedAt.IsZero() {
		snap.UpdatedAt = s.updatedAt.UnixMilli()
	}
	return snap
}

// Clear forgets the tracked progress after a reset.
func (s *RunStatus) Clear() {
	s.mu.Lock()
	s.running = false
	s.stage = ""
	s.message = ""
	s.percent = 0
	s.startedAt = time.Time{}
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.hub.Broadcast(statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          "reset",
		Timestamp:     time.Now().UnixMilli(),
	})
}

type statusMessage struct {
	SchemaVersion int                     `json:"schema_version"`
	Type          string                  `json:"type"`
	Timestamp     int64                   `json:"timestamp"`
	Stage         runner.Stage            `json:"stage,omitempty"`
	Message       string                  `json:"message,omitempty"`
	Percent       *float64                `json:"percent,omitempty"`
	Reason        string                  `json:"reason,omitempty"`
	Code          string                  `json:"code,omitempty"`
	Report        *runner.CompositeReport `json:"report,omitempty"`
	Status        *StatusSnapshot         `json:"status,omitempty"`
}

type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Broadcast drops the message when the hub is backed up; progress is
// superseded by the next update anyway.
func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
