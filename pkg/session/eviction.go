package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (m *Manager) SetEvictionConfig(idle, interval time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.evictIdle = idle
	m.evictInterval = interval
	m.mu.Unlock()
}

func (m *Manager) StartEvictionLoop(ctx context.Context) {
	if m == nil {
		return
	}
	if ctx == nil {
		panic("session: StartEvictionLoop requires non-nil ctx")
	}
	m.mu.Lock()
	if m.evictRunning {
		m.mu.Unlock()
		return
	}
	idle := m.evictIdle
	interval := m.evictInterval
	if idle <= 0 || interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.evictRunning = true
	m.mu.Unlock()

	go m.runEvictionLoop(ctx, interval)
}

func (m *Manager) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.evictRunning = false
			m.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := m.evictIdleOnce(now); n > 0 {
				log.Info().Str("component", "session").Int("evicted", n).Msg("evicted idle sessions")
				if m.onEvict != nil {
					m.onEvict(n)
				}
			}
		}
	}
}

func (m *Manager) evictIdleOnce(now time.Time) int {
	if m == nil {
		return 0
	}
	if now.IsZero() {
		now = m.now()
	}

	m.mu.Lock()
	idle := m.evictIdle
	if idle <= 0 {
		m.mu.Unlock()
		return 0
	}
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	evicted := 0
	for _, s := range sessions {
		if !shouldEvict(now, idle, s) {
			continue
		}
		m.mu.Lock()
		current, ok := m.sessions[s.ID]
		if !ok || current != s {
			m.mu.Unlock()
			continue
		}
		delete(m.sessions, s.ID)
		m.mu.Unlock()

		s.Pool.CloseAll()
		evicted++
	}
	return evicted
}

func shouldEvict(now time.Time, idle time.Duration, s *Session) bool {
	if !s.Pool.IsEmpty() {
		return false
	}
	if s.Store.Busy() {
		return false
	}
	last := s.LastActivity()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}
