// Package node implements the bitchat protocol engine.
//
// Design:
//   - One goroutine runs the send pump, emitting at most one packet per tick.
//   - One goroutine processes incoming packets from the transport.
//   - Every received packet must pass the admission guard before any other
//     code sees it; admitted packets are dispatched by type and then
//     re-broadcast with a decremented TTL so the mesh floods them onward.
//     The guard's duplicate store is what keeps the flood from looping.
//   - Private messages need an established session. The first SendPrivate to
//     a peer queues the message and initiates the key exchange; the queue is
//     flushed when the guard signals key-exchange completion.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Falk3579/bitchat-android/internal/crypto"
	"github.com/Falk3579/bitchat-android/internal/directory"
	"github.com/Falk3579/bitchat-android/internal/guard"
	"github.com/Falk3579/bitchat-android/internal/protocol"
	"github.com/Falk3579/bitchat-android/internal/transport"
)

const (
	defaultRate    = 50 * time.Millisecond
	sendQueueDepth = 256
)

// Config configures a Node.
type Config struct {
	Keys      *crypto.KeyPair
	Nickname  string
	Transport transport.Transport
	Directory *directory.Directory
	Logger    *zap.Logger
	Rate      time.Duration // send pump interval; defaults to defaultRate
	Bootstrap []string      // peer addresses to connect on start
	Listen    string        // TCP listen address (ignored when Transport is provided)
}

// Node is the bitchat protocol engine.
type Node struct {
	cfg    Config
	id     protocol.PeerID
	tr     transport.Transport
	crypto *crypto.Service
	guard  *guard.Manager
	dir    *directory.Directory
	log    *zap.Logger

	sendQ    chan protocol.Packet
	messages chan IncomingMessage

	// pending holds private messages queued while no session exists yet,
	// flushed on key-exchange completion.
	pendingMu sync.Mutex
	pending   map[protocol.PeerID][]string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Node. If cfg.Transport is nil, a TCP transport is created
// using cfg.Listen.
func New(cfg Config) (*Node, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("node: identity keys required")
	}
	if cfg.Rate == 0 {
		cfg.Rate = defaultRate
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tr := cfg.Transport
	if tr == nil {
		if cfg.Listen == "" {
			cfg.Listen = "0.0.0.0:4242"
		}
		tr = transport.NewTCP(cfg.Listen, log.Named("transport"))
	}
	n := &Node{
		cfg:      cfg,
		id:       cfg.Keys.PeerID(),
		tr:       tr,
		crypto:   crypto.NewService(cfg.Keys),
		dir:      cfg.Directory,
		log:      log,
		sendQ:    make(chan protocol.Packet, sendQueueDepth),
		messages: make(chan IncomingMessage, 64),
		pending:  make(map[protocol.PeerID][]string),
		stopCh:   make(chan struct{}),
	}
	n.guard = guard.New(guard.Config{
		LocalPeerID: n.id,
		Crypto:      n.crypto,
		Delegate:    n,
		Logger:      log.Named("guard"),
	})
	return n, nil
}

// ID returns the node's peer ID.
func (n *Node) ID() protocol.PeerID { return n.id }

// Guard exposes the admission layer, e.g. for status reporting.
func (n *Node) Guard() *guard.Manager { return n.guard }

// Start begins the node: starts transport, connects to bootstrap peers,
// launches the pump and receive goroutines, and announces our identity.
func (n *Node) Start() error {
	if err := n.tr.Start(); err != nil {
		return fmt.Errorf("node: transport start: %w", err)
	}
	for _, addr := range n.cfg.Bootstrap {
		if err := n.tr.Connect(addr); err != nil {
			n.log.Warn("bootstrap connect failed", zap.String("addr", addr), zap.Error(err))
		}
	}
	go n.pumpLoop()
	go n.receiveLoop()
	if err := n.Announce(); err != nil {
		n.log.Warn("announce failed", zap.Error(err))
	}
	return nil
}

// Stop shuts down the node: transport first, then the admission guard and
// its eviction loop.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.tr.Close() //nolint:errcheck
		n.guard.Shutdown()
	})
}

// Messages returns a channel of messages delivered to this node.
func (n *Node) Messages() <-chan IncomingMessage {
	return n.messages
}

// SendPublic broadcasts a plaintext message to the whole mesh, signed with
// the local identity. Oversized payloads travel as a fragment sequence.
func (n *Node) SendPublic(content string) error {
	env := Envelope{Nickname: n.cfg.Nickname, Content: content}
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if len(data) <= protocol.MaxPayload {
		pkt, err := protocol.NewPacket(protocol.TypeMessage, protocol.DefaultTTL, n.id, protocol.BroadcastID, data)
		if err != nil {
			return err
		}
		if sig := n.guard.Sign(pkt.PayloadBytes()); sig != nil {
			pkt.SetSignature(sig)
		}
		return n.enqueue(pkt)
	}

	payloads, types, err := protocol.FragmentPayloads(data)
	if err != nil {
		return err
	}
	for i, pl := range payloads {
		pkt, err := protocol.NewPacket(types[i], protocol.DefaultTTL, n.id, protocol.BroadcastID, pl)
		if err != nil {
			return err
		}
		if err := n.enqueue(pkt); err != nil {
			return err
		}
	}
	return nil
}

// SendPrivate sends a session-encrypted message to a single peer. With no
// session yet, the message is queued and a key exchange is initiated; the
// queue drains when the exchange completes.
func (n *Node) SendPrivate(peer protocol.PeerID, content string) error {
	if peer == n.id {
		return fmt.Errorf("node: refusing to message self")
	}
	if !n.guard.HasKeysForPeer(peer) {
		n.pendingMu.Lock()
		n.pending[peer] = append(n.pending[peer], content)
		n.pendingMu.Unlock()
		return n.initiateHandshake(peer)
	}
	return n.sendSealed(peer, content)
}

func (n *Node) sendSealed(peer protocol.PeerID, content string) error {
	env := Envelope{Nickname: n.cfg.Nickname, Content: content}
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	ct := n.guard.EncryptForPeer(data, peer)
	if ct == nil {
		return fmt.Errorf("node: encrypt for %s failed", peer)
	}
	pkt, err := protocol.NewPacket(protocol.TypeEncrypted, protocol.DefaultTTL, n.id, peer, ct)
	if err != nil {
		return err
	}
	return n.enqueue(pkt)
}

func (n *Node) initiateHandshake(peer protocol.PeerID) error {
	material := n.crypto.InitiateHandshake(peer)
	pkt, err := protocol.NewPacket(protocol.TypeHandshakeInit, protocol.DefaultTTL, n.id, peer, material)
	if err != nil {
		return err
	}
	return n.enqueue(pkt)
}

// Announce broadcasts a signed directory entry for this node.
func (n *Node) Announce() error {
	e := &directory.Entry{
		PeerID:   n.id.String(),
		Nickname: n.cfg.Nickname,
		EncPub:   n.cfg.Keys.PublicKeyHex(),
		SignPub:  hex.EncodeToString(n.cfg.Keys.SignPub),
	}
	if err := e.Sign(n.cfg.Keys.SignPriv); err != nil {
		return err
	}

	// Store locally
	if n.dir != nil {
		n.dir.Add(e) //nolint:errcheck
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pkt, err := protocol.NewPacket(protocol.TypeAnnounce, protocol.DefaultTTL, n.id, protocol.BroadcastID, data)
	if err != nil {
		return err
	}
	return n.enqueue(pkt)
}

// Leave broadcasts a departure notice so peers can drop us from their
// directories.
func (n *Node) Leave() error {
	pkt, err := protocol.NewPacket(protocol.TypeLeave, protocol.DefaultTTL, n.id, protocol.BroadcastID, []byte(n.id.String()))
	if err != nil {
		return err
	}
	if sig := n.guard.Sign(pkt.PayloadBytes()); sig != nil {
		pkt.SetSignature(sig)
	}
	return n.enqueue(pkt)
}

// LookupNickname resolves a display name to a peer ID via the directory.
func (n *Node) LookupNickname(nickname string) (protocol.PeerID, bool) {
	if n.dir == nil {
		return protocol.PeerID{}, false
	}
	e := n.dir.LookupNickname(nickname)
	if e == nil {
		return protocol.PeerID{}, false
	}
	id, err := protocol.PeerIDFromHex(e.PeerID)
	if err != nil {
		return protocol.PeerID{}, false
	}
	return id, true
}

func (n *Node) enqueue(pkt protocol.Packet) error {
	select {
	case n.sendQ <- pkt:
		return nil
	default:
		return fmt.Errorf("node: send queue full")
	}
}

// SendHandshakeResponse implements guard.Delegate: the response payload is
// wrapped in a packet addressed to the peer and queued for the next tick.
func (n *Node) SendHandshakeResponse(peer protocol.PeerID, response []byte) {
	pkt, err := protocol.NewPacket(protocol.TypeHandshakeResp, protocol.DefaultTTL, n.id, peer, response)
	if err != nil {
		return
	}
	if err := n.enqueue(pkt); err != nil {
		n.log.Warn("handshake response dropped", zap.Stringer("peer", peer), zap.Error(err))
	}
}

// KeyExchangeCompleted implements guard.Delegate: flush messages queued
// while the session did not yet exist.
func (n *Node) KeyExchangeCompleted(peer protocol.PeerID, publicKey []byte) {
	n.log.Info("key exchange completed", zap.Stringer("peer", peer))
	n.pendingMu.Lock()
	queued := n.pending[peer]
	delete(n.pending, peer)
	n.pendingMu.Unlock()
	for _, content := range queued {
		if err := n.sendSealed(peer, content); err != nil {
			n.log.Warn("pending message dropped", zap.Stringer("peer", peer), zap.Error(err))
		}
	}
}

// pumpLoop emits at most one queued packet per tick.
func (n *Node) pumpLoop() {
	ticker := time.NewTicker(n.cfg.Rate)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			select {
			case pkt := <-n.sendQ:
				n.tr.Broadcast(pkt)
			default:
			}
		}
	}
}

// receiveLoop processes packets from the transport.
func (n *Node) receiveLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		case pkt := <-n.tr.Incoming():
			n.handlePacket(pkt)
		}
	}
}

func (n *Node) handlePacket(pkt protocol.Packet) {
	// Admission first: freshness, TTL, payload, duplicates. Nothing below
	// runs for a rejected packet — including our own broadcasts echoed back.
	if !n.guard.ValidatePacket(&pkt, pkt.SenderID) {
		return
	}

	switch pkt.Type {
	case protocol.TypeAnnounce:
		if n.dir != nil {
			var e directory.Entry
			if json.Unmarshal(pkt.PayloadBytes(), &e) == nil {
				n.dir.Add(&e) //nolint:errcheck
			}
		}

	case protocol.TypeLeave:
		// Drop a forged departure when we hold the sender's keys; without
		// them the worst case is an evictable directory entry.
		if n.dir != nil {
			if !n.guard.HasKeysForPeer(pkt.SenderID) || n.guard.VerifySignature(&pkt, pkt.SenderID) {
				n.dir.Remove(pkt.SenderID.String()) //nolint:errcheck
			}
		}

	case protocol.TypeMessage:
		n.deliverPublic(&pkt)

	case protocol.TypeEncrypted:
		if pkt.RecipientID == n.id {
			n.deliverPrivate(&pkt)
		}

	case protocol.TypeHandshakeInit:
		n.guard.HandleHandshake(context.Background(), &pkt, 1)

	case protocol.TypeHandshakeResp:
		n.guard.HandleHandshake(context.Background(), &pkt, 2)

	case protocol.TypeFragmentStart, protocol.TypeFragmentContinue, protocol.TypeFragmentEnd:
		// Fragments are relayed, not reassembled here.
	}

	// Relay onward unless the packet was for us alone or its TTL is spent.
	if pkt.RecipientID == n.id {
		return
	}
	pkt.TTL--
	if pkt.TTL == 0 {
		return
	}
	if err := n.enqueue(pkt); err != nil {
		// Queue full; the flood is lossy by design.
		n.log.Debug("relay dropped", zap.Error(err))
	}
}

func (n *Node) deliverPublic(pkt *protocol.Packet) {
	// Signatures are opt-in, and verification needs the sender's signing
	// key, which we only hold once a session exists.
	if n.guard.HasKeysForPeer(pkt.SenderID) && !n.guard.VerifySignature(pkt, pkt.SenderID) {
		return
	}
	env, err := unmarshalEnvelope(pkt.PayloadBytes())
	if err != nil {
		return
	}
	select {
	case n.messages <- IncomingMessage{
		From:     pkt.SenderID.String(),
		Nickname: env.Nickname,
		Content:  env.Content,
	}:
	default:
	}
}

func (n *Node) deliverPrivate(pkt *protocol.Packet) {
	pt := n.guard.DecryptFromPeer(pkt.PayloadBytes(), pkt.SenderID)
	if pt == nil {
		return
	}
	env, err := unmarshalEnvelope(pt)
	if err != nil {
		return
	}
	select {
	case n.messages <- IncomingMessage{
		From:     pkt.SenderID.String(),
		Nickname: env.Nickname,
		Content:  env.Content,
		Private:  true,
	}:
	default:
	}
}
