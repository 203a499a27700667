// Package crypto implements the bitchat encryption service.
//
// Each node holds a long-lived identity (X25519 encryption keypair plus
// Ed25519 signing keypair). Two nodes establish a session by exchanging
// combined public key material: the initiator sends its 64-byte blob, the
// responder replies with its own, and both sides derive the same session
// key via ECDH + HKDF-SHA256. Private messages then travel under the
// session's ChaCha20-Poly1305 AEAD.
//
// The admission layer talks to this package only through small method
// calls; it never holds references into session state.
package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/Falk3579/bitchat-android/internal/protocol"
)

const hkdfInfo = "bitchat-v1"

var (
	// ErrDecryptFailed is returned when an authentication tag does not match
	// (wrong session key or corrupt data). Callers should treat this as
	// "drop the packet", not as a fault.
	ErrDecryptFailed = errors.New("crypto: authentication failed")

	// ErrNoSession is returned for session operations against a peer no
	// key exchange has completed with.
	ErrNoSession = errors.New("crypto: no established session")

	ErrBadHandshake = errors.New("crypto: malformed handshake payload")
	ErrBadSignature = errors.New("crypto: signature verification failed")
)

// Session is the established cryptographic state for one peer.
type Session struct {
	Peer          protocol.PeerID
	PeerEncPub    [32]byte
	PeerSignPub   ed25519.PublicKey
	EstablishedAt time.Time

	aead cipher.AEAD
}

// CombinedPublicKey returns the peer's EncPub‖SignPub blob.
func (s *Session) CombinedPublicKey() []byte {
	out := make([]byte, 0, CombinedKeySize)
	out = append(out, s.PeerEncPub[:]...)
	out = append(out, s.PeerSignPub...)
	return out
}

// Service manages per-peer sessions on top of a node identity.
type Service struct {
	keys *KeyPair

	mu        sync.RWMutex
	sessions  map[protocol.PeerID]*Session
	initiated map[protocol.PeerID]bool
}

// NewService creates a Service around the given identity.
func NewService(keys *KeyPair) *Service {
	return &Service{
		keys:      keys,
		sessions:  make(map[protocol.PeerID]*Session),
		initiated: make(map[protocol.PeerID]bool),
	}
}

// HasSession reports whether a session is established with peer.
func (s *Service) HasSession(peer protocol.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[peer] != nil
}

// Session returns the established session for peer, or nil.
func (s *Service) Session(peer protocol.PeerID) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[peer]
}

// PeerPublicKey returns the peer's combined public key material, or nil if
// no session is established.
func (s *Service) PeerPublicKey(peer protocol.PeerID) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess := s.sessions[peer]; sess != nil {
		return sess.CombinedPublicKey()
	}
	return nil
}

// CombinedPublicKeyMaterial returns this node's EncPub‖SignPub blob.
func (s *Service) CombinedPublicKeyMaterial() ([]byte, error) {
	if s.keys == nil {
		return nil, errors.New("crypto: no identity loaded")
	}
	return s.keys.CombinedPublicKeyMaterial(), nil
}

// InitiateHandshake marks peer as locally initiated and returns the key
// material to send as the first handshake step. The mark tells
// ProcessHandshake not to answer the peer's reply with a further step.
func (s *Service) InitiateHandshake(peer protocol.PeerID) []byte {
	s.mu.Lock()
	s.initiated[peer] = true
	s.mu.Unlock()
	return s.keys.CombinedPublicKeyMaterial()
}

// ProcessHandshake consumes one handshake step from peer and establishes
// the session. It returns the response payload to send back, or nil when
// no response is owed (we initiated, or the session already existed).
//
// The peer ID must match the one derived from the presented encryption
// key; anything else is a spoofed handshake.
func (s *Service) ProcessHandshake(ctx context.Context, peer protocol.PeerID, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(payload) < CombinedKeySize {
		return nil, ErrBadHandshake
	}

	var peerEnc [32]byte
	copy(peerEnc[:], payload[:32])
	peerSign := ed25519.PublicKey(append([]byte(nil), payload[32:CombinedKeySize]...))

	sum := sha256.Sum256(peerEnc[:])
	var derived protocol.PeerID
	copy(derived[:], sum[:protocol.PeerIDSize])
	if derived != peer {
		return nil, ErrBadHandshake
	}

	shared, err := curve25519.X25519(s.keys.EncPriv[:], peerEnc[:])
	if err != nil {
		return nil, ErrBadHandshake
	}

	key, err := deriveSessionKey(shared, s.keys.EncPub, peerEnc)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	existing := s.sessions[peer] != nil
	s.sessions[peer] = &Session{
		Peer:          peer,
		PeerEncPub:    peerEnc,
		PeerSignPub:   peerSign,
		EstablishedAt: time.Now(),
		aead:          aead,
	}
	initiated := s.initiated[peer]
	delete(s.initiated, peer)
	s.mu.Unlock()

	if initiated || existing {
		return nil, nil
	}
	return s.keys.CombinedPublicKeyMaterial(), nil
}

// Sign signs data with the node's Ed25519 key.
func (s *Service) Sign(data []byte) ([]byte, error) {
	if s.keys == nil {
		return nil, errors.New("crypto: no identity loaded")
	}
	return s.keys.Sign(data), nil
}

// Verify checks sig over data against peer's signing key. The signing key
// is only known once a session is established.
func (s *Service) Verify(data, sig []byte, peer protocol.PeerID) error {
	s.mu.RLock()
	sess := s.sessions[peer]
	s.mu.RUnlock()
	if sess == nil {
		return ErrNoSession
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(sess.PeerSignPub, data, sig) {
		return ErrBadSignature
	}
	return nil
}

// Encrypt seals data under the session with peer.
// Output format: nonce(12) || ciphertext+tag.
func (s *Service) Encrypt(data []byte, peer protocol.PeerID) ([]byte, error) {
	s.mu.RLock()
	sess := s.sessions[peer]
	s.mu.RUnlock()
	if sess == nil {
		return nil, ErrNoSession
	}
	nonce := make([]byte, sess.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return sess.aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data sealed by peer's side of the session.
func (s *Service) Decrypt(data []byte, peer protocol.PeerID) ([]byte, error) {
	s.mu.RLock()
	sess := s.sessions[peer]
	s.mu.RUnlock()
	if sess == nil {
		return nil, ErrNoSession
	}
	if len(data) < sess.aead.NonceSize()+sess.aead.Overhead() {
		return nil, ErrDecryptFailed
	}
	nonce := data[:sess.aead.NonceSize()]
	pt, err := sess.aead.Open(nil, nonce, data[sess.aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// ClearSessions drops all established sessions and initiation marks.
func (s *Service) ClearSessions() {
	s.mu.Lock()
	s.sessions = make(map[protocol.PeerID]*Session)
	s.initiated = make(map[protocol.PeerID]bool)
	s.mu.Unlock()
}

// deriveSessionKey derives the shared AEAD key. The HKDF salt concatenates
// both public keys in byte order, so initiator and responder agree without
// negotiating roles.
func deriveSessionKey(shared []byte, a, b [32]byte) ([]byte, error) {
	salt := make([]byte, 0, 64)
	if lessBytes(a, b) {
		salt = append(salt, a[:]...)
		salt = append(salt, b[:]...)
	} else {
		salt = append(salt, b[:]...)
		salt = append(salt, a[:]...)
	}
	r := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func lessBytes(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
