// Package metrics exposes prometheus collectors for the admission layer.
//
// Collectors are registered once per process and shared: the guard can be
// constructed many times (tests do) without tripping duplicate-registration
// panics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Admission result label values.
const (
	ResultAccepted  = "accepted"
	ResultSelf      = "rejected_self"
	ResultNoTTL     = "rejected_ttl"
	ResultEmpty     = "rejected_empty"
	ResultStale     = "rejected_stale"
	ResultDuplicate = "rejected_duplicate"
)

// Handshake result label values.
const (
	HandshakeForwarded    = "forwarded"
	HandshakeDuplicate    = "duplicate"
	HandshakeNotAddressed = "not_addressed"
	HandshakeSelf         = "self"
	HandshakeEstablished  = "already_established"
	HandshakeEmpty        = "empty"
	HandshakeFailed       = "failed"
	HandshakeCompleted    = "completed"
)

// Store label values.
const (
	StoreMessages   = "messages"
	StoreHandshakes = "handshakes"
)

// Guard aggregates the admission layer's collectors.
type Guard struct {
	Admissions *prometheus.CounterVec
	Handshakes *prometheus.CounterVec
	Evictions  *prometheus.CounterVec
	StoreSize  *prometheus.GaugeVec
}

var (
	guardOnce   sync.Once
	sharedGuard *Guard
)

// ForGuard returns the process-wide guard collectors, registering them on
// first use.
func ForGuard() *Guard {
	guardOnce.Do(func() {
		g := &Guard{
			Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bitchat_guard_packets_total",
				Help: "Packet admission outcomes by result.",
			}, []string{"result"}),
			Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bitchat_guard_handshakes_total",
				Help: "Handshake coordination outcomes by result.",
			}, []string{"result"}),
			Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bitchat_guard_evictions_total",
				Help: "Entries removed from the dedup stores, by store and cause.",
			}, []string{"store", "cause"}),
			StoreSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "bitchat_guard_store_entries",
				Help: "Current number of entries per dedup store.",
			}, []string{"store"}),
		}
		prometheus.MustRegister(g.Admissions, g.Handshakes, g.Evictions, g.StoreSize)
		sharedGuard = g
	})
	return sharedGuard
}
