// Package guard is the admission layer for inbound mesh traffic.
//
// Every packet read off an untrusted link passes through Manager before any
// routing or decryption sees it. The manager enforces a bounded trust
// window: packets must be fresh, non-empty, still alive (TTL), not a
// duplicate, and key-exchange packets must not be a re-delivery of an
// already-handled handshake step.
//
// The manager owns two bounded dedup stores (message fingerprints and
// handshake exchange keys) and a background eviction loop that keeps both
// within their caps. All entry points are safe for concurrent use; no lock
// is held across a call into the encryption service.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Falk3579/bitchat-android/internal/metrics"
	"github.com/Falk3579/bitchat-android/internal/protocol"
	"github.com/Falk3579/bitchat-android/internal/seen"
)

const (
	// ReplayWindow is the maximum age (and maximum future clock skew) a
	// packet timestamp may carry and still be admitted.
	ReplayWindow = 5 * time.Minute

	// SweepInterval is how often the eviction loop runs.
	SweepInterval = 5 * time.Minute

	// MaxMessageEntries caps the message fingerprint store.
	MaxMessageEntries = 10_000

	// MaxHandshakeEntries caps the handshake exchange-key store.
	MaxHandshakeEntries = 1_000

	// fingerprintPrefix is how much payload feeds a non-fragment fingerprint.
	fingerprintPrefix = 64

	// exchangeKeyPrefix is how much payload identifies a handshake step.
	exchangeKeyPrefix = 16
)

// EncryptionService is the cryptographic collaborator. Implementations may
// block inside ProcessHandshake; the manager never holds a lock across
// these calls.
type EncryptionService interface {
	HasSession(peer protocol.PeerID) bool
	ProcessHandshake(ctx context.Context, peer protocol.PeerID, payload []byte) ([]byte, error)
	Sign(data []byte) ([]byte, error)
	Verify(data, sig []byte, peer protocol.PeerID) error
	Encrypt(data []byte, peer protocol.PeerID) ([]byte, error)
	Decrypt(data []byte, peer protocol.PeerID) ([]byte, error)
	PeerPublicKey(peer protocol.PeerID) []byte
	CombinedPublicKeyMaterial() ([]byte, error)
}

// Delegate receives handshake responses to transmit and key-exchange
// completion signals. Callbacks run on the caller's goroutine.
type Delegate interface {
	SendHandshakeResponse(peer protocol.PeerID, response []byte)
	KeyExchangeCompleted(peer protocol.PeerID, publicKey []byte)
}

// Config configures a Manager. Zero durations and counts fall back to the
// package defaults; a nil Logger logs nowhere.
type Config struct {
	LocalPeerID protocol.PeerID
	Crypto      EncryptionService
	Delegate    Delegate
	Logger      *zap.Logger

	ReplayWindow  time.Duration
	SweepInterval time.Duration
	MaxMessages   int
	MaxHandshakes int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager applies the admission checks and coordinates handshake delivery.
type Manager struct {
	local  protocol.PeerID
	crypto EncryptionService
	dg     Delegate
	log    *zap.Logger
	m      *metrics.Guard
	now    func() time.Time

	window        time.Duration
	sweepEvery    time.Duration
	maxMessages   int
	maxHandshakes int

	messages   *seen.Store
	handshakes *seen.Store

	// completed tracks peers whose key-exchange completion has already been
	// signalled, so the notification fires exactly once per session.
	completedMu sync.Mutex
	completed   map[protocol.PeerID]bool

	closed   atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a Manager and starts its eviction loop.
func New(cfg Config) *Manager {
	m := &Manager{
		local:         cfg.LocalPeerID,
		crypto:        cfg.Crypto,
		dg:            cfg.Delegate,
		log:           cfg.Logger,
		m:             metrics.ForGuard(),
		now:           cfg.Now,
		window:        cfg.ReplayWindow,
		sweepEvery:    cfg.SweepInterval,
		maxMessages:   cfg.MaxMessages,
		maxHandshakes: cfg.MaxHandshakes,
		messages:      seen.New(),
		handshakes:    seen.New(),
		completed:     make(map[protocol.PeerID]bool),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.window <= 0 {
		m.window = ReplayWindow
	}
	if m.sweepEvery <= 0 {
		m.sweepEvery = SweepInterval
	}
	if m.maxMessages <= 0 {
		m.maxMessages = MaxMessageEntries
	}
	if m.maxHandshakes <= 0 {
		m.maxHandshakes = MaxHandshakeEntries
	}
	go m.evictLoop()
	return m
}

// ValidatePacket decides whether an inbound packet is admitted. It is the
// synchronous fast path, called once per packet from any number of reader
// goroutines. Rejections never mutate state; the only side effect of an
// accepted packet is its fingerprint entering the dedup store.
func (m *Manager) ValidatePacket(pkt *protocol.Packet, sender protocol.PeerID) bool {
	if m.closed.Load() {
		return false
	}
	if sender == m.local {
		m.m.Admissions.WithLabelValues(metrics.ResultSelf).Inc()
		return false
	}
	if pkt.TTL == 0 {
		m.m.Admissions.WithLabelValues(metrics.ResultNoTTL).Inc()
		return false
	}
	if pkt.PayloadLen == 0 {
		m.m.Admissions.WithLabelValues(metrics.ResultEmpty).Inc()
		return false
	}
	now := m.now()
	age := now.UnixMilli() - pkt.Timestamp
	if age < 0 {
		age = -age
	}
	if age > m.window.Milliseconds() {
		m.m.Admissions.WithLabelValues(metrics.ResultStale).Inc()
		return false
	}
	// Check-then-insert is one atomic step: of N concurrent deliveries of
	// the same packet, exactly one passes.
	if !m.messages.Add(Fingerprint(pkt, sender), now) {
		m.m.Admissions.WithLabelValues(metrics.ResultDuplicate).Inc()
		return false
	}
	m.m.Admissions.WithLabelValues(metrics.ResultAccepted).Inc()
	return true
}

// Fingerprint derives the duplicate-detection identity of a packet.
//
// Fragments of the same logical message share timestamp, sender and type
// and differ only in payload, so fragment types hash the full payload.
// Everything else hashes a 64-byte payload prefix — cheaper, and
// timestamp+sender already narrow collisions.
func Fingerprint(pkt *protocol.Packet, sender protocol.PeerID) seen.Key {
	h := sha256.New()
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(pkt.Timestamp))
	h.Write(ts[:])
	h.Write(sender[:])
	payload := pkt.PayloadBytes()
	if protocol.IsFragmentType(pkt.Type) {
		h.Write([]byte{pkt.Type})
		h.Write(payload)
	} else {
		if len(payload) > fingerprintPrefix {
			payload = payload[:fingerprintPrefix]
		}
		h.Write(payload)
	}
	var k seen.Key
	h.Sum(k[:0])
	return k
}

// ExchangeKey derives the dedup identity of one handshake step attempt
// from one peer.
func ExchangeKey(sender protocol.PeerID, payload []byte) seen.Key {
	h := sha256.New()
	h.Write(sender[:])
	if len(payload) > exchangeKeyPrefix {
		payload = payload[:exchangeKeyPrefix]
	}
	h.Write(payload)
	var k seen.Key
	h.Sum(k[:0])
	return k
}

// MessageStoreLen reports the current fingerprint store size.
func (m *Manager) MessageStoreLen() int { return m.messages.Len() }

// HandshakeStoreLen reports the current exchange-key store size.
func (m *Manager) HandshakeStoreLen() int { return m.handshakes.Len() }
