package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 2 * time.Second

// WSSession represents a connected trip subscriber
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the sessions watching each trip
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{}), logger: logger}
}

// Add subscribes conn to tripID and returns the function removing it.
func (r *WSRegistry) Add(tripID string, conn *websocket.Conn) func() {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	set, ok := r.sessions[tripID]
	if !ok {
		set = make(map[*WSSession]struct{})
		r.sessions[tripID] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()
	return func() { r.remove(tripID, s) }
}

func (r *WSRegistry) remove(tripID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[tripID]
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, tripID)
	}
}

// Broadcast sends v to every subscriber of tripID and returns how many got it.
// Subscribers that fail are dropped.
func (r *WSRegistry) Broadcast(tripID string, v any) int {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[tripID]))
	for s := range r.sessions[tripID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if err := s.Send(v); err != nil {
			r.logger.Warn("ws send error", "trip_id", tripID, "err", err)
			r.remove(tripID, s)
			_ = s.conn.Close()
			continue
		}
		sent++
	}
	return sent
}

// Subscribers returns the number of sessions watching tripID.
func (r *WSRegistry) Subscribers(tripID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[tripID])
}
