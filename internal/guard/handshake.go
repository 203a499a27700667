package guard

import (
	"context"

	"go.uber.org/zap"

	"github.com/Falk3579/bitchat-android/internal/metrics"
	"github.com/Falk3579/bitchat-android/internal/protocol"
)

// HandleHandshake gates one key-exchange packet before the encryption
// service sees it, and fans the service's results out to the delegate.
// Returns false when the packet is dropped: wrong recipient, self-loop,
// empty payload, an already-seen step, or a processing failure.
//
// The exchange key is recorded before the encryption service is invoked,
// so two concurrent deliveries of the same step cannot both pass the
// duplicate check. A failed attempt stays recorded: the same step is not
// reprocessed, re-transmissions arrive as new packets.
func (m *Manager) HandleHandshake(ctx context.Context, pkt *protocol.Packet, step int) bool {
	if m.closed.Load() {
		return false
	}
	sender := pkt.SenderID
	if pkt.RecipientID != m.local {
		m.m.Handshakes.WithLabelValues(metrics.HandshakeNotAddressed).Inc()
		return false
	}
	if sender == m.local {
		m.m.Handshakes.WithLabelValues(metrics.HandshakeSelf).Inc()
		return false
	}
	if m.crypto.HasSession(sender) {
		// Idempotent short-circuit: the exchange already finished.
		m.m.Handshakes.WithLabelValues(metrics.HandshakeEstablished).Inc()
		return true
	}
	if pkt.PayloadLen == 0 {
		m.m.Handshakes.WithLabelValues(metrics.HandshakeEmpty).Inc()
		return false
	}

	payload := pkt.PayloadBytes()
	if !m.handshakes.Add(ExchangeKey(sender, payload), m.now()) {
		m.m.Handshakes.WithLabelValues(metrics.HandshakeDuplicate).Inc()
		return false
	}

	response, err := m.crypto.ProcessHandshake(ctx, sender, payload)
	if err != nil {
		// The step stays marked as seen; a retry must arrive as a new packet.
		m.log.Warn("handshake processing failed",
			zap.Stringer("peer", sender),
			zap.Int("step", step),
			zap.Error(err))
		m.m.Handshakes.WithLabelValues(metrics.HandshakeFailed).Inc()
		return false
	}
	m.m.Handshakes.WithLabelValues(metrics.HandshakeForwarded).Inc()

	if len(response) > 0 && m.dg != nil {
		m.dg.SendHandshakeResponse(sender, response)
	}

	if m.crypto.HasSession(sender) && m.markCompleted(sender) {
		m.m.Handshakes.WithLabelValues(metrics.HandshakeCompleted).Inc()
		if m.dg != nil {
			m.dg.KeyExchangeCompleted(sender, m.crypto.PeerPublicKey(sender))
		}
	}
	return true
}

// markCompleted records the unestablished→established transition for peer.
// Returns true only the first time, so the completion signal fires exactly
// once per session.
func (m *Manager) markCompleted(peer protocol.PeerID) bool {
	m.completedMu.Lock()
	defer m.completedMu.Unlock()
	if m.completed[peer] {
		return false
	}
	m.completed[peer] = true
	return true
}
