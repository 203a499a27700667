package guard

import (
	"time"

	"go.uber.org/zap"

	"github.com/Falk3579/bitchat-android/internal/metrics"
	"github.com/Falk3579/bitchat-android/internal/protocol"
)

// evictLoop runs until Shutdown, sweeping both stores on every tick.
func (m *Manager) evictLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictOnce()
		}
	}
}

// evictOnce performs one eviction cycle: drop entries older than the
// replay window, then enforce the hard caps. Exchange keys have no
// freshness window — a handshake step stays "seen" until capacity
// pressure pushes it out.
func (m *Manager) evictOnce() {
	cutoff := m.now().Add(-m.window)

	if n := m.messages.SweepOlderThan(cutoff); n > 0 {
		m.m.Evictions.WithLabelValues(metrics.StoreMessages, "expired").Add(float64(n))
	}
	if n := m.messages.EvictExcess(m.maxMessages); n > 0 {
		m.m.Evictions.WithLabelValues(metrics.StoreMessages, "capacity").Add(float64(n))
	}
	if n := m.handshakes.EvictExcess(m.maxHandshakes); n > 0 {
		m.m.Evictions.WithLabelValues(metrics.StoreHandshakes, "capacity").Add(float64(n))
	}

	msgLen := m.messages.Len()
	hsLen := m.handshakes.Len()
	m.m.StoreSize.WithLabelValues(metrics.StoreMessages).Set(float64(msgLen))
	m.m.StoreSize.WithLabelValues(metrics.StoreHandshakes).Set(float64(hsLen))
	m.log.Debug("eviction cycle complete",
		zap.Int("messages", msgLen),
		zap.Int("handshakes", hsLen))
}

// EvictNow runs one eviction cycle synchronously. Exposed so tests and
// operators can force a sweep without waiting for the ticker.
func (m *Manager) EvictNow() {
	m.evictOnce()
}

// ClearState drops every dedup entry and completion mark. The next packet
// from any peer is treated as never seen.
func (m *Manager) ClearState() {
	m.messages.Clear()
	m.handshakes.Clear()
	m.completedMu.Lock()
	m.completed = make(map[protocol.PeerID]bool)
	m.completedMu.Unlock()
}

// Shutdown cancels the eviction loop, waits for it to exit, and clears all
// state. Admission and handshake calls after Shutdown are rejected.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		close(m.stopCh)
	})
	<-m.done
	m.ClearState()
}
