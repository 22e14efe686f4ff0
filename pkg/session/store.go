package session

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// Manager holds per-user-agent key/value scopes with a shared TTL.
// Values are written with Put and consumed with Pull (read plus delete
// under one lock), so one-time secrets like a PKCE verifier cannot be
// replayed across attempts.
type Manager struct {
	mu     sync.Mutex
	scopes map[string]*scopeData
	ttl    time.Duration
	done   chan struct{}
	once   sync.Once
}

type scopeData struct {
	values    map[string]string
	expiresAt time.Time
}

func NewManager(ttl time.Duration) *Manager {
	m := &Manager{
		scopes: make(map[string]*scopeData),
		ttl:    ttl,
		done:   make(chan struct{}),
	}
	go m.cleanupRoutine()
	return m
}

// NewID generates a new random session identifier.
func NewID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Scope returns the key/value view for one session id, creating it on
// first use.
func (m *Manager) Scope(id string) *Scope {
	return &Scope{manager: m, id: id}
}

func (m *Manager) put(id, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.scopes[id]
	if !exists || time.Now().After(data.expiresAt) {
		data = &scopeData{values: make(map[string]string)}
		m.scopes[id] = data
	}
	data.values[key] = value
	data.expiresAt = time.Now().Add(m.ttl)
}

func (m *Manager) pull(id, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.scopes[id]
	if !exists || time.Now().After(data.expiresAt) {
		return ""
	}
	value := data.values[key]
	delete(data.values, key)
	return value
}

func (m *Manager) get(id, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.scopes[id]
	if !exists || time.Now().After(data.expiresAt) {
		return ""
	}
	return data.values[key]
}

// Drop removes a whole session scope.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, id)
}

// Close stops the background expiry sweep.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.done)
	})
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.removeExpired()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, data := range m.scopes {
		if now.After(data.expiresAt) {
			delete(m.scopes, id)
		}
	}
}

// Scope is the per-session view handed to request handlers.
type Scope struct {
	manager *Manager
	id      string
}

func (s *Scope) ID() string { return s.id }

func (s *Scope) Put(key, value string) {
	s.manager.put(s.id, key, value)
}

// Pull returns the stored value and removes it atomically. Absent keys
// yield the empty string.
func (s *Scope) Pull(key string) string {
	return s.manager.pull(s.id, key)
}

// Get reads without consuming.
func (s *Scope) Get(key string) string {
	return s.manager.get(s.id, key)
}
