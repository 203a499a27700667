// Package protocol defines the bitchat wire format.
//
// All packets are exactly PacketSize bytes. Payloads shorter than the maximum
// are padded with random bytes; the true payload length is encoded in a
// 2-byte little-endian length prefix in the header. Every packet on the wire
// is therefore indistinguishable by size regardless of content.
//
// The header carries a millisecond timestamp and the sender/recipient peer
// IDs; both are inputs to the admission layer's duplicate fingerprinting.
// A packet may additionally carry an Ed25519 signature over its payload,
// placed immediately after the payload bytes and announced by FlagSigned.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const (
	Version = 1

	PacketSize    = 1024
	SignatureSize = 64

	// version + type + ttl + flags + timestamp + sender + recipient + payloadLen
	HeaderSize = 4 + 8 + PeerIDSize + PeerIDSize + 2

	// MaxPayload reserves room for a signature whether or not one is present,
	// so the payload capacity does not depend on signing.
	MaxPayload = PacketSize - HeaderSize - SignatureSize

	DefaultTTL byte = 7
)

// Message types. Fragment types form a contiguous block so the classifier
// below stays a range check.
const (
	TypeAnnounce         byte = 0x01
	TypeLeave            byte = 0x03
	TypeMessage          byte = 0x04 // public broadcast message
	TypeFragmentStart    byte = 0x05
	TypeFragmentContinue byte = 0x06
	TypeFragmentEnd      byte = 0x07
	TypeHandshakeInit    byte = 0x10
	TypeHandshakeResp    byte = 0x11
	TypeEncrypted        byte = 0x12 // session-encrypted private message
)

// Flags byte.
const (
	FlagSigned byte = 1 << 0
)

// IsFragmentType reports whether t is part of a fragment sequence.
// Fragments of the same logical message share timestamp, sender and type,
// so the admission layer must fingerprint them over the full payload.
func IsFragmentType(t byte) bool {
	return t >= TypeFragmentStart && t <= TypeFragmentEnd
}

// IsHandshakeType reports whether t carries a key-exchange step.
func IsHandshakeType(t byte) bool {
	return t == TypeHandshakeInit || t == TypeHandshakeResp
}

// Packet is a fixed-size unit of network traffic.
// Every packet, regardless of type, occupies exactly PacketSize bytes on the wire.
type Packet struct {
	Type        byte
	TTL         byte
	Flags       byte
	Timestamp   int64 // unix milliseconds at creation
	SenderID    PeerID
	RecipientID PeerID
	PayloadLen  uint16
	Payload     [MaxPayload]byte
	Signature   [SignatureSize]byte // valid only when Flags&FlagSigned != 0
}

var (
	ErrInvalidSize    = errors.New("packet: invalid size")
	ErrInvalidVersion = errors.New("packet: unsupported version")
	ErrPayloadTooBig  = errors.New("packet: payload exceeds MaxPayload")
)

// Encode serialises p into exactly PacketSize bytes.
// Unused capacity is filled with random padding so packets of different
// content lengths are indistinguishable on the wire.
func (p *Packet) Encode() [PacketSize]byte {
	var buf [PacketSize]byte
	buf[0] = Version
	buf[1] = p.Type
	buf[2] = p.TTL
	buf[3] = p.Flags
	binary.LittleEndian.PutUint64(buf[4:], uint64(p.Timestamp))
	copy(buf[12:], p.SenderID[:])
	copy(buf[12+PeerIDSize:], p.RecipientID[:])
	binary.LittleEndian.PutUint16(buf[HeaderSize-2:], p.PayloadLen)
	copy(buf[HeaderSize:], p.Payload[:p.PayloadLen])
	off := HeaderSize + int(p.PayloadLen)
	if p.Flags&FlagSigned != 0 {
		copy(buf[off:], p.Signature[:])
		off += SignatureSize
	}
	if off < PacketSize {
		io.ReadFull(rand.Reader, buf[off:]) //nolint:errcheck
	}
	return buf
}

// Decode parses exactly PacketSize bytes into a Packet.
func Decode(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, ErrInvalidSize
	}
	if b[0] != Version {
		return Packet{}, ErrInvalidVersion
	}
	var p Packet
	p.Type = b[1]
	p.TTL = b[2]
	p.Flags = b[3]
	p.Timestamp = int64(binary.LittleEndian.Uint64(b[4:]))
	copy(p.SenderID[:], b[12:])
	copy(p.RecipientID[:], b[12+PeerIDSize:])
	p.PayloadLen = binary.LittleEndian.Uint16(b[HeaderSize-2:])
	if int(p.PayloadLen) > MaxPayload {
		return Packet{}, errors.New("packet: payloadLen overflows")
	}
	copy(p.Payload[:p.PayloadLen], b[HeaderSize:])
	if p.Flags&FlagSigned != 0 {
		copy(p.Signature[:], b[HeaderSize+int(p.PayloadLen):])
	}
	return p, nil
}

// PayloadBytes returns the meaningful payload bytes (not the padding).
func (p *Packet) PayloadBytes() []byte {
	return p.Payload[:p.PayloadLen]
}

// SignatureBytes returns the signature, or nil when the packet is unsigned.
func (p *Packet) SignatureBytes() []byte {
	if p.Flags&FlagSigned == 0 {
		return nil
	}
	return p.Signature[:]
}

// SetSignature attaches sig and sets FlagSigned.
func (p *Packet) SetSignature(sig []byte) {
	copy(p.Signature[:], sig)
	p.Flags |= FlagSigned
}

// NewPacket creates a packet stamped with the current time.
func NewPacket(typ byte, ttl byte, sender, recipient PeerID, payload []byte) (Packet, error) {
	if len(payload) > MaxPayload {
		return Packet{}, ErrPayloadTooBig
	}
	p := Packet{
		Type:        typ,
		TTL:         ttl,
		Timestamp:   time.Now().UnixMilli(),
		SenderID:    sender,
		RecipientID: recipient,
		PayloadLen:  uint16(len(payload)),
	}
	copy(p.Payload[:], payload)
	return p, nil
}

// FragmentPayloads splits data into chunks small enough to travel as a
// Start/Continue.../End fragment sequence. Each chunk is prefixed with an
// 8-byte fragment ID and a 2-byte index so the far end can reassemble.
// Reassembly itself lives with the receiver, not here.
func FragmentPayloads(data []byte) (payloads [][]byte, types []byte, err error) {
	var fragID [8]byte
	if _, err := io.ReadFull(rand.Reader, fragID[:]); err != nil {
		return nil, nil, err
	}
	const chunk = MaxPayload - 10
	var idx uint16
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, 10+end-off)
		copy(buf, fragID[:])
		binary.LittleEndian.PutUint16(buf[8:], idx)
		copy(buf[10:], data[off:end])
		payloads = append(payloads, buf)
		switch {
		case off == 0:
			types = append(types, TypeFragmentStart)
		case end == len(data):
			types = append(types, TypeFragmentEnd)
		default:
			types = append(types, TypeFragmentContinue)
		}
		idx++
	}
	if len(payloads) == 1 {
		// A single chunk is both start and end; mark it End so the receiver
		// knows the sequence is complete.
		types[0] = TypeFragmentEnd
	}
	return payloads, types, nil
}
