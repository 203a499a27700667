package guard

import (
	"github.com/Falk3579/bitchat-android/internal/protocol"
)

// Crypto facade: thin pass-throughs that convert any failure from the
// encryption service into a nil/false result. Nothing here propagates an
// error; the worst case of any failure is one dropped packet.

// VerifySignature checks a packet's signature against the sender's known
// signing key. An absent signature is valid: signatures are opt-in per
// packet type, and requiring one is the caller's policy, not ours.
func (m *Manager) VerifySignature(pkt *protocol.Packet, sender protocol.PeerID) bool {
	sig := pkt.SignatureBytes()
	if sig == nil {
		return true
	}
	return m.crypto.Verify(pkt.PayloadBytes(), sig, sender) == nil
}

// Sign signs payload with the local identity. Returns nil on failure.
func (m *Manager) Sign(payload []byte) []byte {
	sig, err := m.crypto.Sign(payload)
	if err != nil {
		return nil
	}
	return sig
}

// EncryptForPeer seals data for recipient. Returns nil on failure
// (including "no session yet").
func (m *Manager) EncryptForPeer(data []byte, recipient protocol.PeerID) []byte {
	ct, err := m.crypto.Encrypt(data, recipient)
	if err != nil {
		return nil
	}
	return ct
}

// DecryptFromPeer opens data sealed by sender. Returns nil on failure.
func (m *Manager) DecryptFromPeer(data []byte, sender protocol.PeerID) []byte {
	pt, err := m.crypto.Decrypt(data, sender)
	if err != nil {
		return nil
	}
	return pt
}

// CombinedPublicKeyMaterial returns the local node's public key blob, or
// nil if the encryption service cannot produce it.
func (m *Manager) CombinedPublicKeyMaterial() []byte {
	material, err := m.crypto.CombinedPublicKeyMaterial()
	if err != nil {
		return nil
	}
	return material
}

// HasKeysForPeer reports whether a session (and therefore key material)
// exists for peer.
func (m *Manager) HasKeysForPeer(peer protocol.PeerID) bool {
	return m.crypto.HasSession(peer)
}
